// Package observer watches the notification stream of the observe
// connection. It keeps a roster cache, forwards join and leave notices to the
// relay, forwards membership changes and reset requests to the auto-channel
// engine, lifts bans on allowlisted addresses, and is the only writer of
// private messages.
package observer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/warden/internal/autochannel"
	"github.com/zulandar/warden/internal/logging"
	"github.com/zulandar/warden/internal/query"
	"github.com/zulandar/warden/internal/tracker"
)

// ResetCommand is the private message that drops a user's mappings.
const ResetCommand = "!reset"

const shutdownTimeout = 5 * time.Second

// Conn is the observe-connection surface. *query.Conn implements it.
type Conn interface {
	ChangeNickname(ctx context.Context, nickname string) error
	Clients(ctx context.Context) ([]query.Client, error)
	RegisterEvents(ctx context.Context, kinds ...query.EventKind) error
	ReadData() (string, error)
	WriteRaw(cmd string) error
	SendTextMessageUnchecked(clid int64, text string) error
	BanDeleteUnchecked(banID int64) error
	Close() error
}

// Relay accepts rendered notices for one config.
type Relay interface {
	// Publish queues a notice without blocking and reports whether it was
	// accepted.
	Publish(configID, text string) bool
	// Finish marks the config's stream as complete.
	Finish(ctx context.Context, configID string) error
}

// Recorder stores activity rows. *tracker.Recorder implements it.
type Recorder interface {
	Record(a tracker.Activity) bool
}

// EngineOpts configures an Engine.
type EngineOpts struct {
	Conn        Conn
	Queue       *Queue
	Relay       Relay
	Recorder    Recorder
	AutoChannel autochannel.Instance

	ConfigID string
	Nickname string
	// IgnoreUIDs lists unique identifiers whose joins and leaves are not
	// relayed.
	IgnoreUIDs []string
	// AllowIPs lists addresses whose bans are lifted.
	AllowIPs []string
	Now      func() time.Time
	Log      *zerolog.Logger
}

type rosterEntry struct {
	nickname string
	uid      string
	filtered bool
}

// Engine is the observer loop of one session.
type Engine struct {
	opts   EngineOpts
	log    *zerolog.Logger
	roster map[int64]rosterEntry
}

// New validates opts and returns an Engine.
func New(opts EngineOpts) (*Engine, error) {
	if opts.Conn == nil {
		return nil, fmt.Errorf("observer: conn is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("observer: queue is required")
	}
	if opts.Relay == nil {
		return nil, fmt.Errorf("observer: relay is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts:   opts,
		log:    logging.OrNop(opts.Log),
		roster: make(map[int64]rosterEntry),
	}, nil
}

// Run bootstraps the connection and processes notifications and queued
// requests until Terminate, a connection failure, or ctx cancellation. On
// every exit it stops the auto-channel engine and finishes the relay stream.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()

	if err := e.bootstrap(ctx); err != nil {
		e.opts.Conn.Close()
		return err
	}

	chunks := make(chan string, 16)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.readLoop(chunks, readErr, stop)
	}()
	defer func() {
		close(stop)
		e.opts.Conn.Close()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("observer: read: %w", err)
		case data := <-chunks:
			if err := e.dispatch(ctx, data); err != nil {
				return err
			}
		case req := <-e.opts.Queue.C():
			done, err := e.handle(req)
			if err != nil || done {
				return err
			}
		}
	}
}

func (e *Engine) bootstrap(ctx context.Context) error {
	c := e.opts.Conn
	if err := c.ChangeNickname(ctx, e.opts.Nickname); err != nil {
		return fmt.Errorf("observer: change nickname: %w", err)
	}
	clients, err := c.Clients(ctx)
	if err != nil {
		return fmt.Errorf("observer: clientlist: %w", err)
	}
	for _, cl := range clients {
		if !cl.IsUser() {
			continue
		}
		if _, ok := e.roster[cl.ID]; ok {
			continue
		}
		e.roster[cl.ID] = rosterEntry{nickname: cl.Nickname}
		e.record(tracker.Activity{
			ClientID: cl.ID,
			UserID:   fmt.Sprintf("%d", cl.DatabaseID),
			Nickname: cl.Nickname,
			Channel:  cl.ChannelID,
		})
	}

	kinds := []query.EventKind{query.EventServer, query.EventTextPrivate}
	if e.opts.AutoChannel.Valid() {
		kinds = append(kinds, query.EventChannel)
	}
	if err := c.RegisterEvents(ctx, kinds...); err != nil {
		return fmt.Errorf("observer: %w", err)
	}
	if len(e.opts.AllowIPs) > 0 {
		if err := c.WriteRaw("banlist"); err != nil {
			e.log.Warn().Err(err).Msg("request ban list failed")
		}
	}
	e.log.Info().
		Int("roster", len(e.roster)).
		Bool("auto_channel", e.opts.AutoChannel.Valid()).
		Bool("ban_sweep", len(e.opts.AllowIPs) > 0).
		Msg("observer ready")
	return nil
}

// readLoop pushes every non-empty read into chunks until a read fails or
// stop is closed.
func (e *Engine) readLoop(chunks chan<- string, readErr chan<- error, stop <-chan struct{}) {
	for {
		data, err := e.opts.Conn.ReadData()
		if err != nil {
			select {
			case readErr <- err:
			case <-stop:
			}
			return
		}
		if data == "" {
			select {
			case <-stop:
				return
			default:
				continue
			}
		}
		select {
		case chunks <- data:
		case <-stop:
			return
		}
	}
}

// handle executes one queued request and reports whether the loop is done.
func (e *Engine) handle(req Request) (bool, error) {
	c := e.opts.Conn
	switch req.Kind {
	case RequestMessage:
		if err := c.SendTextMessageUnchecked(req.ClientID, req.Text); err != nil {
			return false, fmt.Errorf("observer: send message to %d: %w", req.ClientID, err)
		}
		e.log.Trace().Int64("client_id", req.ClientID).Msg("sent private message")
	case RequestKeepAlive:
		if err := c.WriteRaw("whoami"); err != nil {
			return false, fmt.Errorf("observer: keepalive: %w", err)
		}
		if len(e.opts.AllowIPs) > 0 {
			if err := c.WriteRaw("banlist"); err != nil {
				return false, fmt.Errorf("observer: request ban list: %w", err)
			}
		}
	case RequestSummary:
		e.publish(summaryNotice(e.opts.Now(), e.onlineNicknames()))
	case RequestTerminate:
		e.log.Info().Msg("observer terminating")
		if err := c.WriteRaw("quit"); err != nil {
			e.log.Debug().Err(err).Msg("quit failed")
		}
		return true, nil
	}
	return false, nil
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.opts.AutoChannel.SendTerminate(ctx); err != nil {
		e.log.Error().Err(err).Msg("stop auto channel failed")
	}
	if err := e.opts.Relay.Finish(ctx, e.opts.ConfigID); err != nil {
		e.log.Error().Err(err).Msg("finish relay stream failed")
	}
}

func (e *Engine) publish(text string) {
	if !e.opts.Relay.Publish(e.opts.ConfigID, text) {
		e.log.Warn().Str("notice", text).Msg("relay queue full, notice dropped")
	}
}

func (e *Engine) record(a tracker.Activity) {
	if e.opts.Recorder == nil {
		return
	}
	a.ConfigID = e.opts.ConfigID
	a.Timestamp = e.opts.Now()
	e.opts.Recorder.Record(a)
}

func (e *Engine) onlineNicknames() []string {
	var names []string
	for _, r := range e.roster {
		if !r.filtered {
			names = append(names, r.nickname)
		}
	}
	return names
}

func (e *Engine) ignored(uid string) bool {
	if uid == query.ServerQueryUID {
		return true
	}
	for _, u := range e.opts.IgnoreUIDs {
		if u == uid {
			return true
		}
	}
	return false
}

func (e *Engine) allowedIP(ip string) bool {
	for _, a := range e.opts.AllowIPs {
		if a == ip {
			return true
		}
	}
	return false
}

// lineLocal reports whether err is confined to the line it came from.
func lineLocal(err error) bool {
	return query.IsCode(err, query.CodeParse)
}

// dispatch handles one read chunk line by line. Parse failures are logged
// and skip the line; other errors end the loop.
func (e *Engine) dispatch(ctx context.Context, data string) error {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e.log.Trace().Str("line", line).Msg("notification")
		if err := e.dispatchLine(ctx, line); err != nil {
			if lineLocal(err) {
				e.log.Warn().Err(err).Str("line", line).Msg("malformed notification skipped")
				continue
			}
			return err
		}
	}
	return nil
}

func (e *Engine) dispatchLine(ctx context.Context, line string) error {
	switch {
	case strings.HasPrefix(line, query.NotifyClientEnterView):
		return e.onEnter(ctx, line)
	case strings.HasPrefix(line, query.NotifyClientLeftView):
		return e.onLeft(line)
	case strings.Contains(line, query.NotifyClientMoved):
		if e.opts.AutoChannel.Valid() {
			return e.onMoved(ctx, line)
		}
	case strings.Contains(line, query.NotifyTextMessage):
		if e.opts.AutoChannel.Valid() {
			return e.onText(ctx, line)
		}
	case strings.HasPrefix(line, query.BanListPrefix):
		return e.onBans(line)
	case query.IsStatusLine(line):
		e.onStatus(line)
	}
	return nil
}

func (e *Engine) onEnter(ctx context.Context, line string) error {
	for _, row := range query.ParseRows(line) {
		ev, err := query.Decode[query.ClientEntered](row)
		if err != nil {
			return err
		}
		filtered := e.ignored(ev.UniqueID)
		e.roster[ev.ClientID] = rosterEntry{nickname: ev.Nickname, uid: ev.UniqueID, filtered: filtered}
		if filtered {
			continue
		}
		if _, err := e.opts.AutoChannel.Send(ctx, ev.ClientID, ev.ChannelID); err != nil {
			return err
		}
		e.publish(enterNotice(e.opts.Now(), ev))
		e.record(tracker.Activity{
			ClientID: ev.ClientID,
			UserID:   ev.UniqueID,
			Nickname: ev.Nickname,
			Channel:  ev.ChannelID,
		})
	}
	return nil
}

func (e *Engine) onLeft(line string) error {
	for _, row := range query.ParseRows(line) {
		ev, err := query.Decode[query.ClientLeft](row)
		if err != nil {
			return err
		}
		entry, ok := e.roster[ev.ClientID]
		if !ok {
			e.log.Warn().Int64("client_id", ev.ClientID).Msg("leave from unknown client")
			continue
		}
		delete(e.roster, ev.ClientID)
		if entry.filtered {
			continue
		}
		e.publish(leaveNotice(e.opts.Now(), entry.nickname, ev))
		e.record(tracker.Activity{ClientID: ev.ClientID, UserID: entry.uid, Nickname: entry.nickname, Leave: true})
	}
	return nil
}

func (e *Engine) onMoved(ctx context.Context, line string) error {
	ev, err := query.DecodeLine[query.ClientMoved](line)
	if err != nil {
		return err
	}
	if _, err := e.opts.AutoChannel.Send(ctx, ev.ClientID, ev.ChannelID); err != nil {
		return err
	}
	entry := e.roster[ev.ClientID]
	e.record(tracker.Activity{
		ClientID: ev.ClientID,
		UserID:   entry.uid,
		Nickname: entry.nickname,
		Channel:  ev.ChannelID,
	})
	return nil
}

func (e *Engine) onText(ctx context.Context, line string) error {
	ev, err := query.DecodeLine[query.TextMessage](line)
	if err != nil {
		return err
	}
	if ev.Message != ResetCommand {
		return nil
	}
	if _, err := e.opts.AutoChannel.SendDelete(ctx, ev.InvokerID, ev.InvokerUID); err != nil {
		return err
	}
	e.log.Info().Str("invoker", ev.InvokerName).Str("uid", ev.InvokerUID).Msg("reset requested")
	return nil
}

func (e *Engine) onBans(line string) error {
	if len(e.opts.AllowIPs) == 0 {
		return nil
	}
	for _, row := range query.ParseRows(line) {
		ban, err := query.Decode[query.BanEntry](row)
		if err != nil {
			return err
		}
		if !e.allowedIP(ban.IP) {
			continue
		}
		if err := e.opts.Conn.BanDeleteUnchecked(ban.ID); err != nil {
			return fmt.Errorf("observer: bandel %d: %w", ban.ID, err)
		}
		e.log.Info().
			Str("ip", ban.IP).
			Int64("ban_id", ban.ID).
			Str("reason", ban.Reason).
			Str("invoker", ban.InvokerName).
			Msg("lifted ban on allowlisted address")
	}
	return nil
}

// onStatus logs failures reported for unchecked writes.
func (e *Engine) onStatus(line string) {
	st, err := query.ParseStatus(line)
	if err != nil || st.ID == query.CodeOK {
		return
	}
	e.log.Warn().Int32("code", st.ID).Str("msg", st.Message).Msg("server rejected command")
}
