// Package relay forwards human-readable session notices to chat platforms.
// A Hub batches notices from every session and delivers them through
// platform adapters, one connection per distinct platform and token.
package relay

import (
	"context"
)

// Adapter is implemented by each chat platform.
type Adapter interface {
	// Connect establishes the platform connection.
	Connect(ctx context.Context) error
	// Send delivers one message.
	Send(ctx context.Context, msg Message) error
	// Close releases the connection.
	Close() error
}

// Message is one outbound chat message.
type Message struct {
	Channel string
	Text    string
}

// Target names where a config's notices go. An empty Platform discards them.
type Target struct {
	Platform string
	Token    string
	Channel  string
}

// Enabled reports whether notices for the target are delivered.
func (t Target) Enabled() bool { return t.Platform != "" }

func (t Target) adapterKey() string { return t.Platform + "|" + t.Token }

// Dialer builds an unconnected adapter for a platform and token.
type Dialer func(platform, token string) (Adapter, error)
