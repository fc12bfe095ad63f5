// Package kv stores the durable channel mappings. A Backend is opened once
// per storage location and hands out one Store per session through Fork, so
// sessions never share a handle.
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("kv: store closed")

// Store is a linearizable string map.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend produces per-session Stores.
type Backend interface {
	Fork(ctx context.Context) (Store, error)
	Close() error
}

// Options selects a backend. RedisURL wins when both are set.
type Options struct {
	RedisURL string
	// TableDSN is a SQLite path or mysql:// DSN for the embedded table.
	TableDSN string
}

// Open opens the backend named by opts.
func Open(opts Options) (Backend, error) {
	switch {
	case opts.RedisURL != "":
		b, err := OpenRedis(opts.RedisURL)
		if err != nil {
			return nil, err
		}
		return b, nil
	case opts.TableDSN != "":
		b, err := OpenTable(opts.TableDSN)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("kv: no backend configured")
}
