package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/warden/internal/logging"
)

const (
	// DefaultInterval is how often buffered notices are flushed.
	DefaultInterval = time.Second
	// DefaultChunkSize is the number of notices combined into one message.
	DefaultChunkSize = 8
	// DefaultQueueSize bounds the inbound notice queue.
	DefaultQueueSize = 4096

	connectTimeout = 30 * time.Second
	flushTimeout   = 10 * time.Second
)

// HubOpts configures a Hub.
type HubOpts struct {
	Dialer    Dialer
	Interval  time.Duration
	ChunkSize int
	QueueSize int
	Log       *zerolog.Logger
}

type item struct {
	configID string
	text     string
	finish   bool
}

type line struct {
	configID string
	text     string
}

// sink is one adapter and destination channel with its unsent notices.
type sink struct {
	adapter Adapter
	channel string
	healthy bool
	queue   []line
}

// Hub batches notices per destination and flushes them periodically.
type Hub struct {
	opts HubOpts
	log  *zerolog.Logger
	in   chan item
	done chan struct{}

	mu       sync.Mutex
	running  bool
	routes   map[string]*sink // nil value routes to discard
	adapters map[string]Adapter
	sinks    map[string]*sink
}

// NewHub returns a Hub with defaults applied.
func NewHub(opts HubOpts) *Hub {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Hub{
		opts:     opts,
		log:      logging.OrNop(opts.Log),
		in:       make(chan item, opts.QueueSize),
		done:     make(chan struct{}),
		routes:   make(map[string]*sink),
		adapters: make(map[string]Adapter),
		sinks:    make(map[string]*sink),
	}
}

// Route registers configID with its target. Configs sharing a platform and
// token share one adapter. Route must be called before Run.
func (h *Hub) Route(configID string, t Target) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return fmt.Errorf("relay: route %s: hub already running", configID)
	}
	if _, ok := h.routes[configID]; ok {
		return fmt.Errorf("relay: route %s: already routed", configID)
	}
	if !t.Enabled() {
		h.routes[configID] = nil
		return nil
	}

	key := t.adapterKey()
	a, ok := h.adapters[key]
	if !ok {
		if h.opts.Dialer == nil {
			return fmt.Errorf("relay: route %s: no dialer for %s", configID, t.Platform)
		}
		var err error
		a, err = h.opts.Dialer(t.Platform, t.Token)
		if err != nil {
			return fmt.Errorf("relay: route %s: %w", configID, err)
		}
		h.adapters[key] = a
	}
	sk := key + "|" + t.Channel
	s, ok := h.sinks[sk]
	if !ok {
		s = &sink{adapter: a, channel: t.Channel}
		h.sinks[sk] = s
	}
	h.routes[configID] = s
	return nil
}

// Publish queues a notice without blocking. It returns false when the queue
// is full or the hub has stopped.
func (h *Hub) Publish(configID, text string) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.in <- item{configID: configID, text: text}:
		return true
	default:
		return false
	}
}

// Finish marks configID's stream complete. Run returns once every routed
// config has finished.
func (h *Hub) Finish(ctx context.Context, configID string) error {
	select {
	case h.in <- item{configID: configID, finish: true}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: finish %s: %w", configID, ctx.Err())
	}
}

// Run connects the adapters and flushes notices every interval until every
// routed config has finished or ctx is done. Adapters are closed on return.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.running = true
	pending := make(map[string]bool, len(h.routes))
	for id := range h.routes {
		pending[id] = true
	}
	h.mu.Unlock()
	defer close(h.done)
	defer h.closeAdapters()

	h.connect(ctx)
	if len(pending) == 0 {
		h.log.Debug().Msg("no relay routes")
		return nil
	}

	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-h.in:
			if it.finish {
				delete(pending, it.configID)
				if len(pending) > 0 {
					continue
				}
				h.drain()
				fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
				h.flushAll(fctx)
				cancel()
				h.log.Debug().Msg("all relay streams finished")
				return nil
			}
			h.enqueue(it)
		case <-ticker.C:
			h.flushAll(ctx)
		}
	}
}

func (h *Hub) connect(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	connected := make(map[Adapter]error)
	for _, s := range h.sinks {
		err, ok := connected[s.adapter]
		if !ok {
			err = s.adapter.Connect(cctx)
			connected[s.adapter] = err
			if err != nil {
				h.log.Error().Err(err).Msg("relay adapter connect failed, notices will be dropped")
			}
		}
		s.healthy = err == nil
	}
}

// drain moves whatever is already queued into the sinks.
func (h *Hub) drain() {
	for {
		select {
		case it := <-h.in:
			if !it.finish {
				h.enqueue(it)
			}
		default:
			return
		}
	}
}

func (h *Hub) enqueue(it item) {
	s, ok := h.routes[it.configID]
	if !ok {
		h.log.Warn().Str("config", it.configID).Msg("notice for unrouted config dropped")
		return
	}
	if s == nil || !s.healthy {
		return
	}
	s.queue = append(s.queue, line{configID: it.configID, text: it.text})
}

func (h *Hub) flushAll(ctx context.Context) {
	for _, s := range h.sinks {
		h.flush(ctx, s)
	}
}

// flush sends a sink's queue in chunks. A failed chunk and everything after
// it stay queued for the next flush.
func (h *Hub) flush(ctx context.Context, s *sink) {
	if len(s.queue) == 0 {
		return
	}
	sent := 0
	for sent < len(s.queue) {
		end := sent + h.opts.ChunkSize
		if end > len(s.queue) {
			end = len(s.queue)
		}
		text := renderChunk(s.queue[sent:end])
		if err := s.adapter.Send(ctx, Message{Channel: s.channel, Text: text}); err != nil {
			h.log.Error().Err(err).Str("channel", s.channel).Int("pending", len(s.queue)-sent).Msg("relay send failed")
			break
		}
		sent = end
	}
	s.queue = append(s.queue[:0], s.queue[sent:]...)
}

// renderChunk joins lines, preceding each run of notices from one config with
// the config id.
func renderChunk(lines []line) string {
	var b strings.Builder
	prev := ""
	for i, l := range lines {
		if i == 0 || l.configID != prev {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(l.configID)
			prev = l.configID
		}
		b.WriteByte('\n')
		b.WriteString(l.text)
	}
	return b.String()
}

func (h *Hub) closeAdapters() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, a := range h.adapters {
		if err := a.Close(); err != nil {
			h.log.Warn().Err(err).Str("adapter", strings.SplitN(key, "|", 2)[0]).Msg("relay adapter close failed")
		}
	}
}
