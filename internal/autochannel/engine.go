// Package autochannel creates a private channel for each user who joins a
// monitored channel, at most once per user and monitored channel, and moves
// the user into it. Mappings live in a kv.Store so restarts reuse channels
// instead of creating new ones.
package autochannel

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/warden/internal/kv"
	"github.com/zulandar/warden/internal/logging"
	"github.com/zulandar/warden/internal/query"
)

// Client is the control-connection surface used by the engine. *query.Conn
// implements it.
type Client interface {
	ChangeNickname(ctx context.Context, nickname string) error
	WhoAmI(ctx context.Context) (query.WhoAmI, error)
	ServerInfo(ctx context.Context) (query.ServerInfo, error)
	Clients(ctx context.Context) ([]query.Client, error)
	CreateChannel(ctx context.Context, name string, parent int64) (query.CreatedChannel, error)
	MoveClient(ctx context.Context, clid, cid int64) error
	SetClientChannelGroup(ctx context.Context, dbid, cid, gid int64) error
	AddChannelPermissions(ctx context.Context, cid int64, perms []query.Permission) error
	ClientDatabaseIDFromUID(ctx context.Context, uid string) (query.DatabaseID, error)
	ClientInfo(ctx context.Context, clid int64) (query.ClientInfo, error)
	Logout(ctx context.Context) error
}

// Notifier delivers best-effort private messages to a client.
type Notifier interface {
	Notify(clientID int64, text string)
}

// MutePorter moves muted or idle users from Monitor to Target.
type MutePorter struct {
	Enable    bool
	Monitor   int64
	Target    int64
	Whitelist []int64
}

func (m MutePorter) whitelisted(dbid int64) bool {
	for _, id := range m.Whitelist {
		if id == dbid {
			return true
		}
	}
	return false
}

const logoutTimeout = 5 * time.Second

// EngineOpts configures an Engine.
type EngineOpts struct {
	Client   Client
	Store    kv.Store
	Events   <-chan Event
	Notifier Notifier

	Channels       []int64
	PrivilegeGroup int64
	// Permissions lists extra grants keyed by monitored channel id.
	Permissions     map[int64][]query.Permission
	MovedMessage    string
	ReceivedMessage string
	Nickname        string
	// Interval bounds each wait for an event; on expiry the engine sends a
	// keepalive and runs the mute porter.
	Interval   time.Duration
	MutePorter MutePorter
	Log        *zerolog.Logger
}

// Engine runs the mapping state machine on one control connection.
type Engine struct {
	opts EngineOpts
	log  *zerolog.Logger

	me     query.WhoAmI
	server query.ServerInfo
}

// New validates opts and returns an Engine.
func New(opts EngineOpts) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("autochannel: client is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("autochannel: store is required")
	}
	if opts.Events == nil {
		return nil, fmt.Errorf("autochannel: events channel is required")
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("autochannel: notifier is required")
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("autochannel: at least one monitored channel is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Engine{opts: opts, log: logging.OrNop(opts.Log)}, nil
}

// MappingKey is the store key for a user's channel under a monitored channel.
func MappingKey(dbid int64, serverUID string, channelID int64) string {
	return fmt.Sprintf("ts_autochannel_%d_%s_%d", dbid, serverUID, channelID)
}

// Run bootstraps the connection identity and processes events until
// Terminate, a closed queue, a session-fatal error, or ctx cancellation.
func (e *Engine) Run(ctx context.Context) error {
	c := e.opts.Client
	if err := c.ChangeNickname(ctx, e.opts.Nickname); err != nil {
		return fmt.Errorf("autochannel: change nickname: %w", err)
	}
	me, err := c.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("autochannel: whoami: %w", err)
	}
	server, err := c.ServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("autochannel: serverinfo: %w", err)
	}
	e.me, e.server = me, server
	e.log.Info().Int64("client_id", me.ClientID).Int("monitored", len(e.opts.Channels)).Msg("auto channel connected")

	skipWait := true
	for {
		if !skipWait {
			poll, stop, err := e.wait(ctx)
			if err != nil {
				return err
			}
			if stop {
				e.logout()
				return nil
			}
			if !poll {
				continue
			}
		}
		skipWait, err = e.poll(ctx)
		if err != nil {
			return err
		}
	}
}

// wait blocks for the next event or the idle interval. It reports whether a
// poll should follow and whether the engine should stop.
func (e *Engine) wait(ctx context.Context) (poll, stop bool, err error) {
	timer := time.NewTimer(e.opts.Interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, false, ctx.Err()
	case ev, ok := <-e.opts.Events:
		if !ok {
			e.log.Warn().Msg("event queue closed")
			return false, true, nil
		}
		switch ev.Kind {
		case EventTerminate:
			e.log.Debug().Msg("terminate received")
			return false, true, nil
		case EventUpdate:
			if ev.ClientID == e.me.ClientID {
				return false, false, nil
			}
			return true, false, nil
		case EventDeleteMapping:
			if err := e.reset(ctx, ev); err != nil {
				return false, false, err
			}
			return true, false, nil
		}
		return false, false, nil
	case <-timer.C:
		return false, false, e.idle(ctx)
	}
}

func (e *Engine) logout() {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	if err := e.opts.Client.Logout(ctx); err != nil {
		e.log.Warn().Err(err).Msg("logout failed")
	}
}

// fatal reports whether err ends the session. Only connection failures do;
// server statuses are handled by the caller.
func fatal(err error) bool {
	return query.IsTransport(err)
}

func (e *Engine) idle(ctx context.Context) error {
	if _, err := e.opts.Client.WhoAmI(ctx); err != nil {
		if fatal(err) {
			return fmt.Errorf("autochannel: keepalive: %w", err)
		}
		e.log.Warn().Err(err).Msg("keepalive failed")
	}
	if e.opts.MutePorter.Enable {
		return e.portMuted(ctx)
	}
	return nil
}

func (e *Engine) monitored(cid int64) bool {
	for _, id := range e.opts.Channels {
		if id == cid {
			return true
		}
	}
	return false
}

// poll walks the roster once. It returns true when a stale mapping was
// dropped and the next cycle should run without waiting.
func (e *Engine) poll(ctx context.Context) (bool, error) {
	clients, err := e.opts.Client.Clients(ctx)
	if err != nil {
		if fatal(err) {
			return false, fmt.Errorf("autochannel: clientlist: %w", err)
		}
		e.log.Error().Err(err).Msg("query clients failed")
		return false, nil
	}

	repoll := false
	for _, cl := range clients {
		if cl.DatabaseID == e.me.DatabaseID || !cl.IsUser() || !e.monitored(cl.ChannelID) {
			continue
		}
		stale, err := e.serve(ctx, cl)
		if err != nil {
			return false, err
		}
		repoll = repoll || stale
	}
	return repoll, nil
}

// serve handles one user sitting in a monitored channel.
func (e *Engine) serve(ctx context.Context, cl query.Client) (bool, error) {
	log := e.log.With().Int64("client_id", cl.ID).Str("nickname", cl.Nickname).Logger()
	key := MappingKey(cl.DatabaseID, e.server.UniqueID, cl.ChannelID)

	target, found, err := e.lookup(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("mapping lookup failed")
		return false, nil
	}

	if !found {
		target, err = e.create(ctx, cl, key, &log)
		if err != nil || target == 0 {
			return false, err
		}
	}

	if err := e.opts.Client.MoveClient(ctx, cl.ID, target); err != nil {
		if query.IsCode(err, query.CodeInvalidChannelID) {
			log.Info().Int64("channel_id", target).Msg("mapped channel is gone, dropping mapping")
			if derr := e.opts.Store.Delete(ctx, key); derr != nil {
				log.Error().Err(derr).Str("key", key).Msg("delete stale mapping failed")
			}
			return true, nil
		}
		if fatal(err) {
			return false, fmt.Errorf("autochannel: move client: %w", err)
		}
		log.Error().Err(err).Int64("channel_id", target).Msg("move client failed")
		return false, nil
	}

	e.opts.Notifier.Notify(cl.ID, e.opts.MovedMessage)
	log.Info().Int64("channel_id", target).Bool("created", !found).Msg("moved client")
	return false, nil
}

// lookup reads a mapping. A malformed stored value is logged and reported as
// absent so a fresh channel replaces it.
func (e *Engine) lookup(ctx context.Context, key string) (int64, bool, error) {
	raw, ok, err := e.opts.Store.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	cid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cid <= 0 {
		e.log.Warn().Str("key", key).Str("value", raw).Msg("malformed mapping value ignored")
		return 0, false, nil
	}
	return cid, true, nil
}

// create makes the user's channel, grants it, persists the mapping and moves
// the bot back out. It returns 0 with a nil error when this user's turn ends
// without a channel.
func (e *Engine) create(ctx context.Context, cl query.Client, key string, log *zerolog.Logger) (int64, error) {
	c := e.opts.Client
	name := cl.Nickname + "'s channel"
	var created query.CreatedChannel
	for {
		var err error
		created, err = c.CreateChannel(ctx, name, cl.ChannelID)
		if err == nil {
			break
		}
		if query.IsCode(err, query.CodeChannelNameInUse) {
			name += "1"
			continue
		}
		if fatal(err) {
			return 0, fmt.Errorf("autochannel: create channel: %w", err)
		}
		log.Error().Err(err).Str("name", name).Msg("create channel failed")
		return 0, nil
	}
	cid := created.ID

	if err := c.SetClientChannelGroup(ctx, cl.DatabaseID, cid, e.opts.PrivilegeGroup); err != nil {
		if fatal(err) {
			return 0, fmt.Errorf("autochannel: set channel group: %w", err)
		}
		log.Error().Err(err).Msg("set client channel group failed")
	}
	grants := [][]query.Permission{{query.DefaultChannelPermission}, e.opts.Permissions[cl.ChannelID]}
	for _, perms := range grants {
		if err := c.AddChannelPermissions(ctx, cid, perms); err != nil {
			if fatal(err) {
				return 0, fmt.Errorf("autochannel: add channel permissions: %w", err)
			}
			log.Error().Err(err).Msg("add channel permissions failed")
		}
	}

	// The user is still moved when persisting fails, so the new channel is
	// not left empty.
	if err := e.opts.Store.Set(ctx, key, strconv.FormatInt(cid, 10)); err != nil {
		log.Error().Err(err).Str("key", key).Msg("persist mapping failed")
	}

	if err := c.MoveClient(ctx, e.me.ClientID, cl.ChannelID); err != nil {
		if fatal(err) {
			return 0, fmt.Errorf("autochannel: move self out: %w", err)
		}
		log.Warn().Err(err).Msg("move self out of new channel failed")
	}
	log.Info().Int64("channel_id", cid).Str("name", name).Msg("created channel")
	return cid, nil
}

// reset drops every mapping of the invoker and acknowledges the request.
func (e *Engine) reset(ctx context.Context, ev Event) error {
	dbid, err := e.opts.Client.ClientDatabaseIDFromUID(ctx, ev.InvokerUID)
	if err != nil {
		if fatal(err) {
			return fmt.Errorf("autochannel: resolve %s: %w", ev.InvokerUID, err)
		}
		e.log.Error().Err(err).Str("uid", ev.InvokerUID).Msg("resolve database id failed")
		return nil
	}
	for _, ch := range e.opts.Channels {
		key := MappingKey(dbid.DatabaseID, e.server.UniqueID, ch)
		if err := e.opts.Store.Delete(ctx, key); err != nil {
			e.log.Error().Err(err).Str("key", key).Msg("delete mapping failed")
		}
	}
	e.opts.Notifier.Notify(ev.ClientID, e.opts.ReceivedMessage)
	e.log.Info().Str("uid", ev.InvokerUID).Int64("database_id", dbid.DatabaseID).Msg("mappings reset")
	return nil
}

// portMuted moves muted or idle users out of the mute porter's monitored
// channel.
func (e *Engine) portMuted(ctx context.Context) error {
	mp := e.opts.MutePorter
	clients, err := e.opts.Client.Clients(ctx)
	if err != nil {
		if fatal(err) {
			return fmt.Errorf("autochannel: mute porter clientlist: %w", err)
		}
		e.log.Error().Err(err).Msg("mute porter: query clients failed")
		return nil
	}
	for _, cl := range clients {
		if !cl.IsUser() || cl.ChannelID != mp.Monitor || mp.whitelisted(cl.DatabaseID) {
			continue
		}
		info, err := e.opts.Client.ClientInfo(ctx, cl.ID)
		if err != nil {
			if fatal(err) {
				return fmt.Errorf("autochannel: mute porter clientinfo: %w", err)
			}
			e.log.Error().Err(err).Int64("client_id", cl.ID).Msg("mute porter: query client info failed")
			continue
		}
		if !info.Muted() {
			continue
		}
		if err := e.opts.Client.MoveClient(ctx, cl.ID, mp.Target); err != nil {
			if fatal(err) {
				return fmt.Errorf("autochannel: mute porter move: %w", err)
			}
			e.log.Error().Err(err).Int64("client_id", cl.ID).Int64("target", mp.Target).Msg("mute porter: move failed")
			continue
		}
		e.log.Info().Int64("client_id", cl.ID).Int64("target", mp.Target).Msg("moved muted client")
	}
	return nil
}
