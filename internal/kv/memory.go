package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Backend. Every forked Store shares one map, which
// mirrors how sessions share an external store.
type Memory struct {
	mu   sync.Mutex
	data map[string]string
	// fail, when set, is returned by every Store operation.
	fail error
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Fork returns a Store over the shared map.
func (m *Memory) Fork(context.Context) (Store, error) {
	return &memoryStore{m: m}, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// FailWith makes every later operation return err. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the stored value for key.
func (m *Memory) Value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

type memoryStore struct {
	m      *Memory
	closed bool
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	if s.m.fail != nil {
		return "", false, s.m.fail
	}
	v, ok := s.m.data[key]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.m.fail != nil {
		return s.m.fail
	}
	s.m.data[key] = value
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.m.fail != nil {
		return s.m.fail
	}
	delete(s.m.data, key)
	return nil
}

func (s *memoryStore) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.closed = true
	return nil
}
