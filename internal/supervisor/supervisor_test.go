package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/zulandar/warden/internal/config"
	"github.com/zulandar/warden/internal/kv"
	"github.com/zulandar/warden/internal/query"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeConn plays both the observe and the control connection.
type fakeConn struct {
	mu        sync.Mutex
	calls     []string
	whoamiErr error
	blockQuit bool
	quitting  chan struct{}

	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{}), quitting: make(chan struct{})}
}

func (f *fakeConn) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeConn) has(s string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == s {
			return true
		}
	}
	return false
}

func (f *fakeConn) ChangeNickname(_ context.Context, name string) error {
	f.record("nickname " + name)
	return nil
}

func (f *fakeConn) Clients(context.Context) ([]query.Client, error) { return nil, nil }

func (f *fakeConn) RegisterEvents(context.Context, ...query.EventKind) error { return nil }

func (f *fakeConn) ReadData() (string, error) {
	<-f.closed
	return "", io.EOF
}

func (f *fakeConn) WriteRaw(cmd string) error {
	f.record(cmd)
	if cmd == "quit" && f.blockQuit {
		close(f.quitting)
		<-f.closed
		return io.ErrClosedPipe
	}
	return nil
}

func (f *fakeConn) SendTextMessageUnchecked(int64, string) error { return nil }
func (f *fakeConn) BanDeleteUnchecked(int64) error              { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) WhoAmI(context.Context) (query.WhoAmI, error) {
	if f.whoamiErr != nil {
		return query.WhoAmI{}, f.whoamiErr
	}
	return query.WhoAmI{ClientID: 1, DatabaseID: 100}, nil
}

func (f *fakeConn) ServerInfo(context.Context) (query.ServerInfo, error) {
	return query.ServerInfo{UniqueID: "srv="}, nil
}

func (f *fakeConn) CreateChannel(context.Context, string, int64) (query.CreatedChannel, error) {
	return query.CreatedChannel{ID: 500}, nil
}
func (f *fakeConn) MoveClient(context.Context, int64, int64) error { return nil }
func (f *fakeConn) SetClientChannelGroup(context.Context, int64, int64, int64) error {
	return nil
}
func (f *fakeConn) AddChannelPermissions(context.Context, int64, []query.Permission) error {
	return nil
}
func (f *fakeConn) ClientDatabaseIDFromUID(context.Context, string) (query.DatabaseID, error) {
	return query.DatabaseID{}, nil
}
func (f *fakeConn) ClientInfo(context.Context, int64) (query.ClientInfo, error) {
	return query.ClientInfo{}, nil
}

func (f *fakeConn) Logout(context.Context) error {
	f.record("logout")
	f.Close()
	return nil
}

// dialer hands out fake connections per config port and records order.
type dialer struct {
	mu    sync.Mutex
	conns map[int][]*fakeConn
	fails map[int]int // remaining failures per port
	setup func(port, n int, c *fakeConn)
}

func newDialer() *dialer {
	return &dialer{conns: make(map[int][]*fakeConn), fails: make(map[int]int)}
}

func (d *dialer) dial(_ context.Context, cfg *config.Config) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	port := cfg.RawQuery.Port
	if d.fails[port] != 0 {
		if d.fails[port] > 0 {
			d.fails[port]--
		}
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if d.setup != nil {
		d.setup(port, len(d.conns[port]), c)
	}
	d.conns[port] = append(d.conns[port], c)
	return c, nil
}

func (d *dialer) get(port, n int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n >= len(d.conns[port]) {
		return nil
	}
	return d.conns[port][n]
}

func entry(t *testing.T, port int, extra string) config.Entry {
	t.Helper()
	yaml := fmt.Sprintf(`
raw_query:
  user: serveradmin
  port: %d
server:
  channel_id: [5]
  privilege_group_id: 9
%s`, port, extra)
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return config.Entry{Path: fmt.Sprintf("cfg-%d.yaml", port), Config: cfg}
}

func newTestSupervisor(d *dialer, patient bool, entries ...config.Entry) *Supervisor {
	mem := kv.NewMemory()
	return New(Opts{
		Entries:    entries,
		Patient:    patient,
		RetryDelay: 10 * time.Millisecond,
		Dial:       d.dial,
		OpenStore:  func(kv.Options) (kv.Backend, error) { return mem, nil },
	})
}

func start(s *Supervisor) chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func waitPhase(t *testing.T, s *Supervisor, id string, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if info, ok := s.Registry().Get(id); ok && info.Phase == want {
			return
		}
		if time.Now().After(deadline) {
			info, _ := s.Registry().Get(id)
			t.Fatalf("session %s phase = %q, want %q", id, info.Phase, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- Shutdown ---

func TestGracefulShutdown(t *testing.T) {
	d := newDialer()
	e := entry(t, 10011, "")
	s := newTestSupervisor(d, false, e)
	done := start(s)
	id := e.Config.ID()
	waitPhase(t, s, id, PhaseRunning)

	s.Shutdown()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	obs, ctl := d.get(10011, 0), d.get(10011, 1)
	if !obs.has("nickname observer") || !obs.has("quit") {
		t.Errorf("observe conn calls = %v", obs.calls)
	}
	if !ctl.has("nickname auto channel") || !ctl.has("logout") {
		t.Errorf("control conn calls = %v", ctl.calls)
	}
	if info, _ := s.Registry().Get(id); info.Phase != PhaseStopped {
		t.Errorf("phase = %q, want stopped", info.Phase)
	}
}

func TestForcedShutdown(t *testing.T) {
	d := newDialer()
	d.setup = func(_, n int, c *fakeConn) {
		if n == 0 {
			c.blockQuit = true
		}
	}
	e := entry(t, 10011, "")
	s := newTestSupervisor(d, false, e)
	done := start(s)
	waitPhase(t, s, e.Config.ID(), PhaseRunning)

	s.Shutdown()
	select {
	case <-d.get(10011, 0).quitting:
	case <-time.After(2 * time.Second):
		t.Fatal("observer never wrote quit")
	}
	s.Shutdown()

	if err := wait(t, done); !errors.Is(err, ErrForcedShutdown) {
		t.Fatalf("Run error = %v, want ErrForcedShutdown", err)
	}
}

func TestShutdownWhileRetrying(t *testing.T) {
	d := newDialer()
	d.fails[10011] = -1
	e := entry(t, 10011, "")
	s := New(Opts{
		Entries:    []config.Entry{e},
		Patient:    true,
		RetryDelay: time.Hour,
		Dial:       d.dial,
		OpenStore:  func(kv.Options) (kv.Backend, error) { return kv.NewMemory(), nil },
	})
	done := start(s)
	waitPhase(t, s, e.Config.ID(), PhaseConnecting)
	time.Sleep(20 * time.Millisecond)

	s.Shutdown()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// --- Connect ---

func TestPatientRetry(t *testing.T) {
	d := newDialer()
	d.fails[10011] = 2
	e := entry(t, 10011, "")
	s := newTestSupervisor(d, true, e)
	done := start(s)
	waitPhase(t, s, e.Config.ID(), PhaseRunning)
	s.Shutdown()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPatientRetryGivesUp(t *testing.T) {
	d := newDialer()
	d.fails[10011] = -1
	e := entry(t, 10011, "")
	s := newTestSupervisor(d, true, e)
	err := wait(t, start(s))
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("Run error = %v", err)
	}
}

func TestFailedSessionDoesNotBlockSiblings(t *testing.T) {
	d := newDialer()
	d.fails[10012] = -1
	good, bad := entry(t, 10011, ""), entry(t, 10012, "")
	s := newTestSupervisor(d, false, good, bad)
	done := start(s)

	waitPhase(t, s, good.Config.ID(), PhaseRunning)
	waitPhase(t, s, bad.Config.ID(), PhaseFailed)
	s.Shutdown()

	err := wait(t, done)
	if err == nil || !strings.Contains(err.Error(), bad.Config.ID()) {
		t.Fatalf("Run error = %v, want failure of %s", err, bad.Config.ID())
	}
	if info, _ := s.Registry().Get(good.Config.ID()); info.Phase != PhaseStopped {
		t.Errorf("good session phase = %q", info.Phase)
	}
}

func TestAutoChannelFailureEndsSession(t *testing.T) {
	d := newDialer()
	d.setup = func(_, n int, c *fakeConn) {
		if n == 1 {
			c.whoamiErr = &query.Error{Code: query.CodeTransport, Message: "read", Err: io.EOF}
		}
	}
	e := entry(t, 10011, "")
	s := newTestSupervisor(d, false, e)

	err := wait(t, start(s))
	if err == nil || !strings.Contains(err.Error(), "auto channel") {
		t.Fatalf("Run error = %v", err)
	}
}

func TestSessionWithoutMonitoredChannels(t *testing.T) {
	d := newDialer()
	cfg, err := config.Parse([]byte("raw_query:\n  user: serveradmin\n"))
	if err != nil {
		t.Fatal(err)
	}
	e := config.Entry{Path: "plain.yaml", Config: cfg}
	s := newTestSupervisor(d, false, e)
	done := start(s)
	waitPhase(t, s, cfg.ID(), PhaseRunning)

	ctl := d.get(10011, 1)
	deadline := time.Now().Add(2 * time.Second)
	for !ctl.has("logout") {
		if time.Now().After(deadline) {
			t.Fatal("idle control connection not logged out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Shutdown()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestKeepAlive(t *testing.T) {
	d := newDialer()
	e := entry(t, 10011, "misc:\n  keepalive: 10ms\n")
	s := newTestSupervisor(d, false, e)
	done := start(s)
	waitPhase(t, s, e.Config.ID(), PhaseRunning)

	obs := d.get(10011, 0)
	deadline := time.Now().Add(2 * time.Second)
	for !obs.has("whoami") {
		if time.Now().After(deadline) {
			t.Fatal("no keepalive written")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Shutdown()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// --- Configuration ---

func TestNoUsableConfig(t *testing.T) {
	s := newTestSupervisor(newDialer(), false, config.Entry{Path: "bad.yaml", Err: errors.New("parse")})
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDuplicateConfigSkipped(t *testing.T) {
	d := newDialer()
	a := entry(t, 10011, "")
	b := entry(t, 10011, "")
	b.Path = "copy.yaml"
	s := newTestSupervisor(d, false, a, b)
	done := start(s)
	waitPhase(t, s, a.Config.ID(), PhaseRunning)
	s.Shutdown()
	if err := wait(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(s.Registry().Snapshot()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	s := New(Opts{})
	s.Shutdown()
	s.Shutdown()
	s.Shutdown()
	select {
	case <-s.force:
	default:
		t.Fatal("second Shutdown did not force")
	}
}

// --- Barrier / Registry ---

func TestBarrier(t *testing.T) {
	b := newBarrier(2)
	stop := make(chan struct{})
	b.done()
	opened := make(chan bool, 1)
	go func() { opened <- b.wait(context.Background(), stop) }()
	select {
	case <-opened:
		t.Fatal("barrier opened early")
	case <-time.After(20 * time.Millisecond):
	}
	b.done()
	if !<-opened {
		t.Fatal("barrier did not open")
	}
	b.done() // extra calls are ignored

	closed := newBarrier(1)
	close(stop)
	if closed.wait(context.Background(), stop) {
		t.Fatal("wait should report stop")
	}
	if !newBarrier(0).wait(context.Background(), nil) {
		t.Fatal("empty barrier should be open")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.add("b", "2.yaml")
	r.add("a", "1.yaml")
	r.set("a", PhaseRunning)
	r.fail("b", errors.New("boom"))
	r.set("missing", PhaseRunning)

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].StartedAt.IsZero() {
		t.Error("running session has no start time")
	}
	if snap[1].Phase != PhaseFailed || snap[1].Error != "boom" {
		t.Errorf("failed session = %+v", snap[1])
	}
}

func TestPermissions(t *testing.T) {
	e := entry(t, 10011, "permissions:\n  - channel_id: [5, 6]\n    map: [[133, 75], [134, 1]]\n")
	got := permissions(e.Config)
	if len(got[5]) != 2 || got[6][1] != (query.Permission{ID: 134, Value: 1}) {
		t.Errorf("permissions = %v", got)
	}
}
