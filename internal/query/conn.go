// Package query implements the ServerQuery text protocol: command framing,
// status decoding, escaping, and typed decoding of response rows and
// notification lines. A Conn carries one command at a time and is owned by a
// single goroutine; the protocol has no request multiplexing.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zulandar/warden/internal/logging"
)

const (
	// Terminator ends every command and response.
	Terminator = "\n\r"

	bufferSize = 512

	// DefaultReadTimeout bounds a single read. A read that times out means
	// "no data yet", not a failure.
	DefaultReadTimeout = 2 * time.Second
	// DefaultDialTimeout bounds the TCP connect.
	DefaultDialTimeout = 5 * time.Second
)

// Option configures a Conn.
type Option func(*Conn)

// WithReadTimeout overrides DefaultReadTimeout.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout = d }
}

// WithLogger attaches a logger for trace output of raw traffic.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Conn) { c.log = logging.OrNop(l) }
}

// Conn is one ServerQuery session.
type Conn struct {
	nc          net.Conn
	readTimeout time.Duration
	log         *zerolog.Logger
}

// Dial connects to addr and consumes the greeting banner.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transportError("dial "+addr, err)
	}
	c := NewConn(nc, opts...)
	banner, err := c.ReadData()
	if err != nil {
		nc.Close()
		return nil, err
	}
	if banner == "" {
		c.log.Warn().Str("addr", addr).Msg("no greeting received")
	}
	return c, nil
}

// NewConn wraps an established connection without reading the banner.
func NewConn(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{nc: nc, readTimeout: DefaultReadTimeout, log: logging.Nop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// ReadData performs one bounded read cycle. It keeps reading while full
// buffers arrive and stops on a short read or once a complete status line has
// been received. It returns "" and a nil error when nothing arrived before the
// read timeout.
func (c *Conn) ReadData() (string, error) {
	buf := make([]byte, bufferSize)
	var sb strings.Builder
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return "", transportError("set read deadline", err)
		}
		n, err := c.nc.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			if isTimeout(err) {
				return sb.String(), nil
			}
			return "", transportError("read", err)
		}
		if n < bufferSize || complete(sb.String()) {
			return sb.String(), nil
		}
	}
}

func complete(s string) bool {
	return strings.Contains(s, "error id=") && strings.HasSuffix(s, Terminator)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WriteRaw writes one command without waiting for its response. The
// terminator is appended when missing.
func (c *Conn) WriteRaw(cmd string) error {
	if !strings.HasSuffix(cmd, Terminator) {
		cmd += Terminator
	}
	c.log.Trace().Str("cmd", strings.TrimSpace(cmd)).Msg("write")
	if _, err := c.nc.Write([]byte(cmd)); err != nil {
		return transportError("write", err)
	}
	return nil
}

// Exec sends cmd and reads until the status line of its response is seen or
// a read times out with nothing further to read.
func (c *Conn) Exec(ctx context.Context, cmd string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError("exec", err)
	}
	if d, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(d)
		defer c.nc.SetWriteDeadline(time.Time{})
	}
	if err := c.WriteRaw(cmd); err != nil {
		return nil, err
	}
	var raw strings.Builder
	for !complete(raw.String()) {
		chunk, err := c.ReadData()
		if err != nil {
			return nil, err
		}
		if chunk == "" {
			break
		}
		raw.WriteString(chunk)
	}
	c.log.Trace().Str("cmd", cmd).Str("resp", strings.TrimSpace(raw.String())).Msg("exec")
	return DecodeResponse(raw.String())
}

// Query sends cmd and decodes every response row into a T.
func Query[T any, PT ptrDecoder[T]](ctx context.Context, c *Conn, cmd string) ([]T, error) {
	resp, err := c.Exec(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		v, err := Decode[T, PT](row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// queryOne is Query for commands whose contract guarantees one row.
func queryOne[T any, PT ptrDecoder[T]](ctx context.Context, c *Conn, cmd string) (T, error) {
	rows, err := Query[T, PT](ctx, c, cmd)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(rows) == 0 {
		var zero T
		return zero, ErrEmptyResponse
	}
	return rows[0], nil
}

func (c *Conn) run(ctx context.Context, cmd string) error {
	_, err := c.Exec(ctx, cmd)
	return err
}

// Login authenticates the session.
func (c *Conn) Login(ctx context.Context, user, password string) error {
	return c.run(ctx, fmt.Sprintf("login %s %s", Escape(user), Escape(password)))
}

// SelectServer binds the session to virtual server sid.
func (c *Conn) SelectServer(ctx context.Context, sid int64) error {
	return c.run(ctx, "use "+strconv.FormatInt(sid, 10))
}

// EventKind names a notification class for servernotifyregister.
type EventKind string

const (
	EventServer      EventKind = "server"
	EventTextPrivate EventKind = "textprivate"
	// EventChannel subscribes to membership changes of every channel. Only
	// the first channel subscription of a session is honoured by the server.
	EventChannel EventKind = "channel"
)

// RegisterEvents subscribes the session to each kind in order.
func (c *Conn) RegisterEvents(ctx context.Context, kinds ...EventKind) error {
	for _, k := range kinds {
		cmd := "servernotifyregister event=" + string(k)
		if k == EventChannel {
			cmd += " id=0"
		}
		if err := c.run(ctx, cmd); err != nil {
			return fmt.Errorf("register %s events: %w", k, err)
		}
	}
	return nil
}

// WhoAmI returns the session's own client identity.
func (c *Conn) WhoAmI(ctx context.Context) (WhoAmI, error) {
	return queryOne[WhoAmI](ctx, c, "whoami")
}

// ServerInfo returns the selected virtual server's identity.
func (c *Conn) ServerInfo(ctx context.Context) (ServerInfo, error) {
	return queryOne[ServerInfo](ctx, c, "serverinfo")
}

// Clients returns the full client roster.
func (c *Conn) Clients(ctx context.Context) ([]Client, error) {
	clients, err := Query[Client](ctx, c, "clientlist")
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		return nil, ErrEmptyResponse
	}
	return clients, nil
}

// CreateChannel creates a channel named name under parent.
func (c *Conn) CreateChannel(ctx context.Context, name string, parent int64) (CreatedChannel, error) {
	return queryOne[CreatedChannel](ctx, c,
		fmt.Sprintf("channelcreate channel_name=%s cpid=%d channel_codec_quality=6", Escape(name), parent))
}

// MoveClient moves client clid into channel cid.
func (c *Conn) MoveClient(ctx context.Context, clid, cid int64) error {
	return c.run(ctx, fmt.Sprintf("clientmove clid=%d cid=%d", clid, cid))
}

// SetClientChannelGroup assigns channel group gid on cid to database id dbid.
func (c *Conn) SetClientChannelGroup(ctx context.Context, dbid, cid, gid int64) error {
	return c.run(ctx, fmt.Sprintf("setclientchannelgroup cgid=%d cid=%d cldbid=%d", gid, cid, dbid))
}

// AddChannelPermissions grants perms on cid in a single command.
func (c *Conn) AddChannelPermissions(ctx context.Context, cid int64, perms []Permission) error {
	if len(perms) == 0 {
		return nil
	}
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = fmt.Sprintf("permid=%d permvalue=%d", p.ID, p.Value)
	}
	return c.run(ctx, fmt.Sprintf("channeladdperm cid=%d %s", cid, strings.Join(parts, "|")))
}

// ClientDatabaseIDFromUID resolves a unique identifier to a database id.
func (c *Conn) ClientDatabaseIDFromUID(ctx context.Context, uid string) (DatabaseID, error) {
	return queryOne[DatabaseID](ctx, c, "clientgetdbidfromuid cluid="+Escape(uid))
}

// ClientInfo returns the presence flags of client clid.
func (c *Conn) ClientInfo(ctx context.Context, clid int64) (ClientInfo, error) {
	return queryOne[ClientInfo](ctx, c, "clientinfo clid="+strconv.FormatInt(clid, 10))
}

// ChangeNickname renames the session's own client.
func (c *Conn) ChangeNickname(ctx context.Context, nickname string) error {
	return c.run(ctx, "clientupdate client_nickname="+Escape(nickname))
}

func textMessage(clid int64, text string) string {
	return fmt.Sprintf("sendtextmessage targetmode=1 target=%d msg=%s", clid, Escape(text))
}

// SendTextMessage sends a private message to clid and waits for the status.
func (c *Conn) SendTextMessage(ctx context.Context, clid int64, text string) error {
	return c.run(ctx, textMessage(clid, text))
}

// SendTextMessageUnchecked writes a private message without reading the
// response; the status line arrives later on the read side.
func (c *Conn) SendTextMessageUnchecked(clid int64, text string) error {
	return c.WriteRaw(textMessage(clid, text))
}

// BanDeleteUnchecked writes a bandel for banID without reading the response.
func (c *Conn) BanDeleteUnchecked(banID int64) error {
	return c.WriteRaw("bandel banid=" + strconv.FormatInt(banID, 10))
}

// Logout sends quit and closes the connection. A missing reply is not an error.
func (c *Conn) Logout(ctx context.Context) error {
	defer c.nc.Close()
	_, err := c.Exec(ctx, "quit")
	if err == nil || IsCode(err, CodeEmptyResponse) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
