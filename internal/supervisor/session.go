package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/zulandar/warden/internal/autochannel"
	"github.com/zulandar/warden/internal/config"
	"github.com/zulandar/warden/internal/kv"
	"github.com/zulandar/warden/internal/logging"
	"github.com/zulandar/warden/internal/observer"
	"github.com/zulandar/warden/internal/query"
	"github.com/zulandar/warden/internal/relay"
	"github.com/zulandar/warden/internal/tracker"
)

const (
	// eventQueueSize bounds the observer to auto-channel queue.
	eventQueueSize = 1024
	// stopTimeout bounds the wait for the engines after a forced stop.
	stopTimeout = 5 * time.Second
)

// session is the watchdog of one configuration.
type session struct {
	sup     *Supervisor
	id      string
	path    string
	cfg     *config.Config
	hub     *relay.Hub
	barrier *barrier
	log     *zerolog.Logger

	arrived bool
}

func (s *Supervisor) newSession(id string, e config.Entry, hub *relay.Hub) *session {
	log := s.opts.Log
	if log == nil {
		log = logging.Nop()
	}
	l := log.With().Str("config", id).Logger()
	return &session{sup: s, id: id, path: e.Path, cfg: e.Config, hub: hub, log: &l}
}

func (s *session) arrive() {
	if !s.arrived {
		s.arrived = true
		s.barrier.done()
	}
}

// run connects, waits at the barrier and supervises the engines. The relay
// stream is finished here only when the observer never started.
func (s *session) run(ctx context.Context) error {
	observerStarted := false
	defer s.arrive()
	defer func() {
		if !observerStarted {
			fctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			s.hub.Finish(fctx, s.id)
			cancel()
		}
	}()

	reg := s.sup.opts.Registry
	reg.set(s.id, PhaseConnecting)
	obsConn, ctlConn, err := s.connect(ctx)
	if err != nil {
		if errors.Is(err, errStopped) {
			return s.stoppedEarly(ctx)
		}
		return err
	}
	defer ctlConn.Close()

	backend, err := s.sup.backend(StoreOptions(s.cfg))
	if err != nil {
		obsConn.Close()
		return fmt.Errorf("open mapping store: %w", err)
	}
	store, err := backend.Fork(ctx)
	if err != nil {
		obsConn.Close()
		return fmt.Errorf("fork mapping store: %w", err)
	}
	defer store.Close()

	reg.set(s.id, PhaseWaiting)
	s.arrive()
	if !s.barrier.wait(ctx, s.sup.shutdown) {
		obsConn.Close()
		return s.stoppedEarly(ctx)
	}
	s.log.Info().Str("path", s.path).Str("server", s.cfg.Identity()).Msg("session started")
	reg.set(s.id, PhaseRunning)

	observerStarted = true
	return s.watch(ctx, obsConn, ctlConn, store)
}

// stoppedEarly reports how a session that never ran ended.
func (s *session) stoppedEarly(ctx context.Context) error {
	select {
	case <-s.sup.force:
		return ErrForcedShutdown
	default:
	}
	if ctx.Err() != nil {
		return ErrForcedShutdown
	}
	s.log.Info().Msg("shutdown before session start")
	return nil
}

var errStopped = errors.New("stopped")

// connect opens the observe and control connections. Patient sessions retry
// with a fixed delay.
func (s *session) connect(ctx context.Context) (Conn, Conn, error) {
	opts := s.sup.opts
	attempts := 1
	if opts.Patient || s.cfg.Misc.Systemd {
		attempts = opts.Retries
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			s.log.Warn().Err(lastErr).Dur("retry_in", opts.RetryDelay).Int("attempt", i+1).Msg("connect failed, retrying")
			select {
			case <-time.After(opts.RetryDelay):
			case <-s.sup.shutdown:
				return nil, nil, errStopped
			case <-ctx.Done():
				return nil, nil, errStopped
			}
		}
		obs, err := opts.Dial(ctx, s.cfg)
		if err != nil {
			lastErr = err
			continue
		}
		ctl, err := opts.Dial(ctx, s.cfg)
		if err != nil {
			obs.Close()
			return nil, nil, fmt.Errorf("connect control connection: %w", err)
		}
		return obs, ctl, nil
	}
	return nil, nil, fmt.Errorf("connect %s: %w", s.cfg.Address(), lastErr)
}

// watch runs both engines and the timers until the observer exits.
func (s *session) watch(ctx context.Context, obsConn, ctlConn Conn, store kv.Store) error {
	cfg := s.cfg
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := observer.NewQueue(observer.DefaultQueueSize, logging.Component(s.log, "observer"))
	events := make(chan autochannel.Event, eventQueueSize)

	var instance autochannel.Instance
	var acErr chan error
	if len(cfg.Server.ChannelID) > 0 {
		eng, err := autochannel.New(autochannel.EngineOpts{
			Client:          ctlConn,
			Store:           store,
			Events:          events,
			Notifier:        queue,
			Channels:        cfg.Channels(),
			PrivilegeGroup:  cfg.Server.PrivilegeGroupID,
			Permissions:     permissions(cfg),
			MovedMessage:    cfg.CustomMessage.MoveToChannel,
			ReceivedMessage: cfg.CustomMessage.Received,
			Nickname:        cfg.Nickname.AutoChannel,
			Interval:        cfg.Misc.Interval,
			MutePorter: autochannel.MutePorter{
				Enable:    cfg.MutePorter.Enable,
				Monitor:   cfg.MutePorter.Monitor,
				Target:    cfg.MutePorter.Target,
				Whitelist: cfg.MutePorter.Whitelist,
			},
			Log: logging.Component(s.log, "autochannel"),
		})
		if err != nil {
			obsConn.Close()
			return err
		}
		instance = autochannel.NewInstance(cfg.Channels(), events)
		acErr = make(chan error, 1)
		go func() { acErr <- eng.Run(sessCtx) }()
	} else {
		lctx, lcancel := context.WithTimeout(ctx, stopTimeout)
		if err := ctlConn.Logout(lctx); err != nil {
			s.log.Debug().Err(err).Msg("logout idle control connection failed")
		}
		lcancel()
	}

	var rec *tracker.Recorder
	var recorder observer.Recorder
	if dsn := cfg.Server.TrackChannelMember; dsn != "" {
		r, err := s.sup.opts.OpenRecorder(dsn, logging.Component(s.log, "tracker"))
		if err != nil {
			s.log.Error().Err(err).Msg("activity tracker disabled")
		} else {
			rec, recorder = r, r
			go r.Run(context.Background())
		}
	}
	defer func() {
		if rec != nil {
			rec.Close()
			select {
			case <-rec.Done():
			case <-time.After(stopTimeout):
				s.log.Warn().Msg("tracker did not drain in time")
			}
		}
	}()

	obs, err := observer.New(observer.EngineOpts{
		Conn:        obsConn,
		Queue:       queue,
		Relay:       s.hub,
		Recorder:    recorder,
		AutoChannel: instance,
		ConfigID:    s.id,
		Nickname:    cfg.Nickname.Observer,
		IgnoreUIDs:  cfg.Server.IgnoreUser,
		AllowIPs:    cfg.Server.WhitelistIP,
		Log:         logging.Component(s.log, "observer"),
	})
	if err != nil {
		obsConn.Close()
		cancel()
		s.join(acErr)
		return err
	}
	obsErr := make(chan error, 1)
	go func() { obsErr <- obs.Run(sessCtx) }()

	keepalive := time.NewTicker(cfg.Misc.Keepalive)
	defer keepalive.Stop()

	if sched, _ := cfg.SummarySchedule(); sched != nil {
		c := cron.New()
		c.Schedule(sched, cron.FuncJob(func() {
			queue.TrySend(observer.Request{Kind: observer.RequestSummary})
		}))
		c.Start()
		defer c.Stop()
	}

	shutdown := s.sup.shutdown
	force := s.sup.force
	for {
		select {
		case <-shutdown:
			shutdown = nil
			s.sup.opts.Registry.set(s.id, PhaseStopping)
			s.log.Info().Msg("terminating session")
			if err := queue.Send(sessCtx, observer.Request{Kind: observer.RequestTerminate}); err != nil {
				s.log.Error().Err(err).Msg("send terminate failed")
			}
		case <-force:
			return s.abort(cancel, obsConn, ctlConn, obsErr, acErr)
		case <-ctx.Done():
			return s.abort(cancel, obsConn, ctlConn, obsErr, acErr)
		case <-keepalive.C:
			queue.TrySend(observer.Request{Kind: observer.RequestKeepAlive})
		case err := <-acErr:
			acErr = nil
			if err == nil {
				// Terminated by the observer, which is on its way out.
				continue
			}
			// The observer would block on a dead engine's queue.
			cancel()
			<-obsErr
			return fmt.Errorf("auto channel: %w", err)
		case err := <-obsErr:
			acResult := s.joinOrForce(acErr)
			if err != nil {
				return err
			}
			if errors.Is(acResult, ErrForcedShutdown) {
				return acResult
			}
			if acResult != nil {
				return fmt.Errorf("auto channel: %w", acResult)
			}
			return nil
		}
	}
}

// joinOrForce waits for the auto-channel engine unless a forced stop comes
// first.
func (s *session) joinOrForce(acErr <-chan error) error {
	if acErr == nil {
		return nil
	}
	select {
	case err := <-acErr:
		return err
	case <-s.sup.force:
		return ErrForcedShutdown
	}
}

func (s *session) join(acErr <-chan error) {
	if acErr != nil {
		<-acErr
	}
}

// abort cancels the engines and waits briefly for them to return.
func (s *session) abort(cancel context.CancelFunc, obsConn, ctlConn Conn, obsErr, acErr <-chan error) error {
	s.log.Warn().Msg("aborting session")
	cancel()
	obsConn.Close()
	ctlConn.Close()
	deadline := time.After(stopTimeout)
	for _, ch := range []<-chan error{obsErr, acErr} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-deadline:
			s.log.Error().Msg("engine did not stop in time")
			return ErrForcedShutdown
		}
	}
	return ErrForcedShutdown
}

func permissions(cfg *config.Config) map[int64][]query.Permission {
	out := make(map[int64][]query.Permission)
	for cid, pairs := range cfg.ChannelPermissions() {
		perms := make([]query.Permission, 0, len(pairs))
		for _, p := range pairs {
			perms = append(perms, query.Permission{ID: p.ID, Value: p.Value})
		}
		out[cid] = perms
	}
	return out
}
