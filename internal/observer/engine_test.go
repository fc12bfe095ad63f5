package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/warden/internal/autochannel"
	"github.com/zulandar/warden/internal/query"
	"github.com/zulandar/warden/internal/tracker"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeConn feeds scripted notification chunks and records writes.
type fakeConn struct {
	mu      sync.Mutex
	clients []query.Client
	writes  []string

	in     chan string
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan string, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) write(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fmt.Sprintf(format, args...))
}

func (f *fakeConn) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeConn) ChangeNickname(_ context.Context, name string) error {
	f.write("nickname %s", name)
	return nil
}

func (f *fakeConn) Clients(context.Context) ([]query.Client, error) {
	return f.clients, nil
}

func (f *fakeConn) RegisterEvents(_ context.Context, kinds ...query.EventKind) error {
	f.write("register %d", len(kinds))
	return nil
}

func (f *fakeConn) ReadData() (string, error) {
	select {
	case s := <-f.in:
		return s, nil
	case err := <-f.errs:
		return "", err
	case <-f.closed:
		return "", io.EOF
	}
}

func (f *fakeConn) WriteRaw(cmd string) error {
	f.write("%s", cmd)
	return nil
}

func (f *fakeConn) SendTextMessageUnchecked(clid int64, text string) error {
	f.write("msg %d %s", clid, text)
	return nil
}

func (f *fakeConn) BanDeleteUnchecked(id int64) error {
	f.write("bandel %d", id)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeRelay struct {
	mu       sync.Mutex
	notices  []string
	finished []string
}

func (r *fakeRelay) Publish(configID, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, configID+" "+text)
	return true
}

func (r *fakeRelay) Finish(_ context.Context, configID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, configID)
	return nil
}

func (r *fakeRelay) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notices...)
}

type fakeRecorder struct {
	mu   sync.Mutex
	rows []tracker.Activity
}

func (r *fakeRecorder) Record(a tracker.Activity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, a)
	return true
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type harness struct {
	conn     *fakeConn
	queue    *Queue
	relay    *fakeRelay
	recorder *fakeRecorder
	events   chan autochannel.Event
	done     chan error
	cancel   context.CancelFunc
}

func start(t *testing.T, mutate func(*EngineOpts)) *harness {
	t.Helper()
	h := &harness{
		conn:     newFakeConn(),
		queue:    NewQueue(16, nil),
		relay:    &fakeRelay{},
		recorder: &fakeRecorder{},
		events:   make(chan autochannel.Event, 16),
		done:     make(chan error, 1),
	}
	opts := EngineOpts{
		Conn:        h.conn,
		Queue:       h.queue,
		Relay:       h.relay,
		Recorder:    h.recorder,
		AutoChannel: autochannel.NewInstance([]int64{5}, h.events),
		ConfigID:    "cfg",
		Nickname:    "observer",
		Now:         func() time.Time { return fixedNow },
	}
	h.conn.clients = []query.Client{
		{ID: 3, ChannelID: 1, DatabaseID: 30, Nickname: "carol"},
		{ID: 4, ChannelID: 1, DatabaseID: 1, Type: 1, Nickname: "serveradmin"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.done <- e.Run(ctx) }()
	return h
}

func (h *harness) terminate(t *testing.T) {
	t.Helper()
	if err := h.queue.Send(context.Background(), Request{Kind: RequestTerminate}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := h.wait(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

func (h *harness) nextEvent(t *testing.T) autochannel.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no auto-channel event")
		return autochannel.Event{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(EngineOpts{}); err == nil {
		t.Fatal("expected error without conn")
	}
	if _, err := New(EngineOpts{Conn: newFakeConn()}); err == nil {
		t.Fatal("expected error without queue")
	}
	if _, err := New(EngineOpts{Conn: newFakeConn(), Queue: NewQueue(1, nil)}); err == nil {
		t.Fatal("expected error without relay")
	}
}

func TestBootstrapAndTerminate(t *testing.T) {
	h := start(t, nil)
	h.terminate(t)

	got := h.conn.written()
	want := []string{"nickname observer", "register 3", "quit"}
	if strings.Join(got, ";") != strings.Join(want, ";") {
		t.Errorf("writes = %q, want %q", got, want)
	}
	if ev := h.nextEvent(t); ev.Kind != autochannel.EventTerminate {
		t.Errorf("event = %v, want terminate", ev.Kind)
	}
	if len(h.relay.finished) != 1 || h.relay.finished[0] != "cfg" {
		t.Errorf("finished = %v", h.relay.finished)
	}
	// Only users from the roster snapshot are recorded.
	if n := h.recorder.count(); n != 1 {
		t.Errorf("recorded %d rows, want 1", n)
	}
}

func TestBootstrapWithoutAutoChannel(t *testing.T) {
	h := start(t, func(o *EngineOpts) {
		o.AutoChannel = autochannel.Instance{}
		o.AllowIPs = []string{"10.0.0.1"}
	})
	h.terminate(t)

	got := strings.Join(h.conn.written(), ";")
	if got != "nickname observer;register 2;banlist;quit" {
		t.Errorf("writes = %q", got)
	}
}

func TestEnterAndLeaveRelayed(t *testing.T) {
	h := start(t, func(o *EngineOpts) { o.IgnoreUIDs = []string{"bot="} })

	h.conn.in <- "notifycliententerview cfid=0 ctid=5 reasonid=0 clid=7 client_unique_identifier=abc= client_nickname=bob client_country=DE\n\r" +
		"notifycliententerview cfid=0 ctid=5 reasonid=0 clid=8 client_unique_identifier=bot= client_nickname=music\n\r" +
		"notifycliententerview cfid=0 ctid=1 reasonid=0 clid=9 client_unique_identifier=ServerQuery client_nickname=query\n\r"
	h.conn.in <- "notifyclientleftview cfid=5 ctid=0 reasonid=8 reasonmsg=bye clid=7\n\r" +
		"notifyclientleftview cfid=5 ctid=0 reasonid=8 clid=8\n\r"
	waitFor(t, "leave notice", func() bool { return len(h.relay.published()) >= 2 })
	h.terminate(t)

	notices := h.relay.published()
	want := []string{
		"cfg [2024-03-01 12:00:00] bob(abc=:7)[\U0001F1E9\U0001F1EA] joined",
		"cfg [2024-03-01 12:00:00] bob(7) left (bye)",
	}
	if strings.Join(notices, "\n") != strings.Join(want, "\n") {
		t.Errorf("notices = %q, want %q", notices, want)
	}

	ev := h.nextEvent(t)
	if ev.Kind != autochannel.EventUpdate || ev.ClientID != 7 || ev.ChannelID != 5 {
		t.Errorf("event = %+v, want update for 7 in 5", ev)
	}
	if ev := h.nextEvent(t); ev.Kind != autochannel.EventTerminate {
		t.Errorf("event = %v, want terminate", ev.Kind)
	}
}

func TestMovedForwardsMonitoredOnly(t *testing.T) {
	h := start(t, nil)
	h.conn.in <- "notifyclientmoved ctid=2 reasonid=0 clid=3\n\r"
	h.conn.in <- "notifyclientmoved ctid=5 reasonid=0 clid=3\n\r"

	ev := h.nextEvent(t)
	if ev.Kind != autochannel.EventUpdate || ev.ChannelID != 5 || ev.ClientID != 3 {
		t.Errorf("event = %+v", ev)
	}
	h.terminate(t)
}

func TestResetCommand(t *testing.T) {
	h := start(t, nil)
	h.conn.in <- "notifytextmessage targetmode=1 msg=hello invoker=7 invokername=bob invokeruid=abc=\n\r"
	h.conn.in <- "notifytextmessage targetmode=1 msg=!reset invokerid=7 invokername=bob invokeruid=abc=\n\r"

	ev := h.nextEvent(t)
	if ev.Kind != autochannel.EventDeleteMapping || ev.ClientID != 7 || ev.InvokerUID != "abc=" {
		t.Errorf("event = %+v, want delete for abc=", ev)
	}
	h.terminate(t)
}

func TestAllowlistedBansLifted(t *testing.T) {
	h := start(t, func(o *EngineOpts) { o.AllowIPs = []string{"10.0.0.1"} })
	h.conn.in <- "banid=1 ip=10.0.0.1 reason=spam|banid=2 ip=10.0.0.2|banid=3 ip=10.0.0.1\n\r" +
		"error id=0 msg=ok\n\r"
	waitFor(t, "bandel", func() bool {
		n := 0
		for _, w := range h.conn.written() {
			if strings.HasPrefix(w, "bandel") {
				n++
			}
		}
		return n == 2
	})
	h.terminate(t)

	var dels []string
	for _, w := range h.conn.written() {
		if strings.HasPrefix(w, "bandel") {
			dels = append(dels, w)
		}
	}
	if strings.Join(dels, ",") != "bandel 1,bandel 3" {
		t.Errorf("bandel = %v", dels)
	}
}

func TestMalformedLineSkipped(t *testing.T) {
	h := start(t, nil)
	h.conn.in <- "notifycliententerview ctid=5 clid=x client_nickname=bad client_unique_identifier=u\n\r" +
		"notifycliententerview ctid=1 clid=10 client_nickname=dave client_unique_identifier=d=\n\r"
	waitFor(t, "enter notice", func() bool { return len(h.relay.published()) == 1 })
	h.terminate(t)

	if got := h.relay.published()[0]; !strings.Contains(got, "dave(d=:10)") {
		t.Errorf("notice = %q", got)
	}
}

func TestKeepAliveAndMessages(t *testing.T) {
	h := start(t, func(o *EngineOpts) { o.AllowIPs = []string{"10.0.0.1"} })
	h.queue.Notify(3, "hello there")
	if err := h.queue.Send(context.Background(), Request{Kind: RequestKeepAlive}); err != nil {
		t.Fatal(err)
	}
	h.terminate(t)

	got := strings.Join(h.conn.written(), ";")
	if !strings.Contains(got, "msg 3 hello there;whoami;banlist;quit") {
		t.Errorf("writes = %q", got)
	}
}

func TestSummary(t *testing.T) {
	h := start(t, nil)
	h.conn.in <- "notifycliententerview ctid=1 clid=10 client_nickname=alice client_unique_identifier=a=\n\r"
	waitFor(t, "enter notice", func() bool { return len(h.relay.published()) == 1 })
	if err := h.queue.Send(context.Background(), Request{Kind: RequestSummary}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "summary", func() bool { return len(h.relay.published()) == 2 })
	h.terminate(t)

	if got := h.relay.published()[1]; got != "cfg [2024-03-01 12:00:00] 2 online: alice, carol" {
		t.Errorf("summary = %q", got)
	}
}

func TestReadErrorEndsSession(t *testing.T) {
	h := start(t, nil)
	h.conn.errs <- errors.New("connection reset")

	err := h.wait(t)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("Run error = %v", err)
	}
	if ev := h.nextEvent(t); ev.Kind != autochannel.EventTerminate {
		t.Errorf("event = %v, want terminate", ev.Kind)
	}
	if len(h.relay.finished) != 1 {
		t.Errorf("relay not finished")
	}
}

func TestContextCancel(t *testing.T) {
	h := start(t, nil)
	h.cancel()
	if err := h.wait(t); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}

func TestLeaveNotices(t *testing.T) {
	cases := []struct {
		ev   query.ClientLeft
		want string
	}{
		{query.ClientLeft{ClientID: 1, ReasonID: query.LeaveDisconnected}, "bob(1) left"},
		{query.ClientLeft{ClientID: 1, ReasonID: query.LeaveTimeout}, "bob(1) connection lost #timeout"},
		{query.ClientLeft{ClientID: 1, ReasonID: query.LeaveKicked, InvokerName: "op", InvokerUID: "o="}, "bob(1) was #kicked by op(o=) with no reason"},
		{query.ClientLeft{ClientID: 1, ReasonID: query.LeaveBanned, InvokerName: "op", InvokerUID: "o=", Reason: "spam"}, "bob(1) was #banned by op(o=): spam"},
		{query.ClientLeft{ClientID: 1, ReasonID: 4}, "bob(1) left (reason 4)"},
	}
	for _, tc := range cases {
		got := leaveNotice(fixedNow, "bob", tc.ev)
		if want := "[2024-03-01 12:00:00] " + tc.want; got != want {
			t.Errorf("leaveNotice(%d) = %q, want %q", tc.ev.ReasonID, got, want)
		}
	}
}

func TestFlag(t *testing.T) {
	for in, want := range map[string]string{
		"de":  "\U0001F1E9\U0001F1EA",
		"US":  "\U0001F1FA\U0001F1F8",
		"":    "",
		"EUR": "EUR",
		"1A":  "1A",
	} {
		if got := flag(in); got != want {
			t.Errorf("flag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQueueTrySendDropsWhenFull(t *testing.T) {
	q := NewQueue(1, nil)
	if !q.TrySend(Request{Kind: RequestKeepAlive}) {
		t.Fatal("first TrySend should succeed")
	}
	if q.TrySend(Request{Kind: RequestKeepAlive}) {
		t.Fatal("second TrySend should drop")
	}
}
