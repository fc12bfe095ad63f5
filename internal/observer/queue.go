package observer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zulandar/warden/internal/logging"
)

// RequestKind discriminates Request.
type RequestKind int

const (
	// RequestMessage sends Text privately to ClientID.
	RequestMessage RequestKind = iota
	// RequestKeepAlive probes the connection.
	RequestKeepAlive
	// RequestSummary relays a roster summary.
	RequestSummary
	// RequestTerminate logs out and stops the engine.
	RequestTerminate
)

func (k RequestKind) String() string {
	switch k {
	case RequestMessage:
		return "message"
	case RequestKeepAlive:
		return "keepalive"
	case RequestSummary:
		return "summary"
	case RequestTerminate:
		return "terminate"
	}
	return fmt.Sprintf("RequestKind(%d)", int(k))
}

// Request is one outbound instruction for the observe connection, which is
// the only connection allowed to write private messages.
type Request struct {
	Kind     RequestKind
	ClientID int64
	Text     string
}

// DefaultQueueSize bounds the outbound request queue.
const DefaultQueueSize = 4096

// Queue is the bounded outbound request queue of one session.
type Queue struct {
	ch  chan Request
	log *zerolog.Logger
}

// NewQueue returns a Queue holding up to size requests.
func NewQueue(size int, log *zerolog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Request, size), log: logging.OrNop(log)}
}

// C returns the receive side.
func (q *Queue) C() <-chan Request { return q.ch }

// Send enqueues r, blocking while the queue is full.
func (q *Queue) Send(ctx context.Context, r Request) error {
	select {
	case q.ch <- r:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("observer: enqueue %s: %w", r.Kind, ctx.Err())
	}
}

// TrySend enqueues r without blocking and reports whether it was queued.
func (q *Queue) TrySend(r Request) bool {
	select {
	case q.ch <- r:
		return true
	default:
		q.log.Warn().Str("kind", r.Kind.String()).Int64("client_id", r.ClientID).Msg("request queue full, dropped")
		return false
	}
}

// Notify queues a private message, dropping it when the queue is full.
func (q *Queue) Notify(clientID int64, text string) {
	q.TrySend(Request{Kind: RequestMessage, ClientID: clientID, Text: text})
}
