// Package supervisor runs one session per configuration. Each session owns
// an observe connection and a control connection, rendezvouses with its
// siblings at a startup barrier, runs the observer and auto-channel engines,
// and shuts down in two stages: the first request asks every observer to
// terminate, the second aborts whatever is still running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/warden/internal/config"
	"github.com/zulandar/warden/internal/kv"
	"github.com/zulandar/warden/internal/logging"
	"github.com/zulandar/warden/internal/relay"
	"github.com/zulandar/warden/internal/tracker"
)

// ErrForcedShutdown is returned by Run when a second shutdown request
// aborted the sessions.
var ErrForcedShutdown = errors.New("supervisor: forced shutdown")

const (
	// DefaultRetries is the connection attempt ceiling in patient mode.
	DefaultRetries = 3
	// DefaultRetryDelay separates connection attempts in patient mode.
	DefaultRetryDelay = 10 * time.Second
)

// Opts configures a Supervisor.
type Opts struct {
	Entries []config.Entry
	// Patient retries failed connections. Configs with misc.systemd set
	// are patient regardless.
	Patient    bool
	Retries    int
	RetryDelay time.Duration

	Dial         DialFunc
	OpenStore    func(kv.Options) (kv.Backend, error)
	OpenRecorder func(dsn string, log *zerolog.Logger) (*tracker.Recorder, error)
	RelayDialer  relay.Dialer
	Registry     *Registry
	Log          *zerolog.Logger
}

// Supervisor owns every session of the process.
type Supervisor struct {
	opts Opts
	log  *zerolog.Logger

	signalMu sync.Mutex
	requests int
	shutdown chan struct{}
	force    chan struct{}

	storeMu  sync.Mutex
	backends map[kv.Options]kv.Backend
}

// New returns a Supervisor with defaults applied.
func New(opts Opts) *Supervisor {
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	log := logging.Component(logging.OrNop(opts.Log), "supervisor")
	if opts.Dial == nil {
		opts.Dial = DialQuery(log)
	}
	if opts.OpenStore == nil {
		opts.OpenStore = kv.Open
	}
	if opts.OpenRecorder == nil {
		opts.OpenRecorder = tracker.Open
	}
	if opts.RelayDialer == nil {
		opts.RelayDialer = RelayDialer(log)
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	return &Supervisor{
		opts:     opts,
		log:      log,
		shutdown: make(chan struct{}),
		force:    make(chan struct{}),
		backends: make(map[kv.Options]kv.Backend),
	}
}

// Registry returns the session registry.
func (s *Supervisor) Registry() *Registry { return s.opts.Registry }

// Shutdown requests a graceful stop on the first call and a forced stop on
// the second. Later calls do nothing.
func (s *Supervisor) Shutdown() {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()
	s.requests++
	switch s.requests {
	case 1:
		s.log.Info().Msg("shutdown requested, terminating sessions")
		close(s.shutdown)
	case 2:
		s.log.Warn().Msg("second shutdown request, forcing exit")
		close(s.force)
	}
}

// Run starts every session and the relay hub and blocks until they have all
// stopped. Sessions fail independently; their errors are logged, recorded
// in the registry and joined into the returned error. Run returns
// ErrForcedShutdown when a forced stop cut the sessions short.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.force:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer s.closeBackends()

	hub := relay.NewHub(relay.HubOpts{
		Dialer: s.opts.RelayDialer,
		Log:    logging.Component(s.log, "relay"),
	})

	var sessions []*session
	seen := make(map[string]string)
	for _, e := range s.opts.Entries {
		if e.Err != nil {
			s.log.Error().Err(e.Err).Str("path", e.Path).Msg("config rejected")
			continue
		}
		id := e.Config.ID()
		if prev, dup := seen[id]; dup {
			s.log.Error().Str("path", e.Path).Str("config", id).Str("first", prev).
				Msg("config duplicates another session, skipped")
			continue
		}
		seen[id] = e.Path
		s.opts.Registry.add(id, e.Path)

		target := RelayTarget(e.Config)
		if err := hub.Route(id, target); err != nil {
			s.log.Error().Err(err).Str("config", id).Msg("relay disabled for session")
			if err := hub.Route(id, relay.Target{}); err != nil {
				s.opts.Registry.fail(id, err)
				continue
			}
		}
		sessions = append(sessions, s.newSession(id, e, hub))
	}
	if len(sessions) == 0 {
		return fmt.Errorf("supervisor: no usable configuration")
	}

	start := newBarrier(len(sessions))
	for _, sess := range sessions {
		sess.barrier = start
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []error
	)
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error().Err(err).Msg("relay hub stopped")
		}
		return nil
	})
	for _, sess := range sessions {
		g.Go(func() error {
			err := sess.run(ctx)
			switch {
			case err == nil:
				s.opts.Registry.set(sess.id, PhaseStopped)
			case errors.Is(err, ErrForcedShutdown):
				s.opts.Registry.fail(sess.id, err)
			default:
				s.opts.Registry.fail(sess.id, err)
				sess.log.Error().Err(err).Msg("session ended with error")
				mu.Lock()
				failed = append(failed, fmt.Errorf("%s (%s): %w", sess.id, sess.path, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	select {
	case <-s.force:
		return ErrForcedShutdown
	default:
	}
	return errors.Join(failed...)
}

// backend returns the shared mapping backend for opts.
func (s *Supervisor) backend(opts kv.Options) (kv.Backend, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	if b, ok := s.backends[opts]; ok {
		return b, nil
	}
	b, err := s.opts.OpenStore(opts)
	if err != nil {
		return nil, err
	}
	s.backends[opts] = b
	return b, nil
}

func (s *Supervisor) closeBackends() {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close mapping store failed")
		}
	}
}
