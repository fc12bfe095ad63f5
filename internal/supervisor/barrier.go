package supervisor

import (
	"context"
	"sync"
)

// barrier releases every waiter once all n participants have either arrived
// or dropped out.
type barrier struct {
	mu        sync.Mutex
	remaining int
	ch        chan struct{}
}

func newBarrier(n int) *barrier {
	b := &barrier{remaining: n, ch: make(chan struct{})}
	if n <= 0 {
		close(b.ch)
	}
	return b
}

// done counts one participant. Each participant calls it exactly once.
func (b *barrier) done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return
	}
	b.remaining--
	if b.remaining == 0 {
		close(b.ch)
	}
}

// wait blocks until the barrier opens, stop is closed, or ctx is done. It
// reports whether the barrier opened.
func (b *barrier) wait(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-b.ch:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
