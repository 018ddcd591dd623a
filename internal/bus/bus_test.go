package bus_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/p2pbus/internal/bus"
	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/router"
	"github.com/1ureka/p2pbus/internal/session"
	"github.com/1ureka/p2pbus/internal/transport"
)

type node struct {
	r   *router.Router
	m   *session.Manager
	tcp *transport.TCPTransport
}

func newNode(t *testing.T) *node {
	t.Helper()
	r, err := router.New(router.Config{Transports: protocol.TransportTCP})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	tcp := transport.NewTCP("127.0.0.1:0", packet.NewPool(0, nil), nil)
	t.Cleanup(func() { tcp.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	err = tcp.Start(ctx, func(c transport.Conn) {
		go func() {
			if _, err := r.AttachLink(ctx, c); err != nil {
				c.Close()
			}
		}()
	})
	if err != nil {
		t.Fatalf("tcp Start: %v", err)
	}

	m := session.New(session.Config{
		Router:      r,
		Transports:  []transport.Transport{tcp},
		JoinTimeout: 5 * time.Second,
	})
	return &node{r: r, m: m, tcp: tcp}
}

func (n *node) attach(t *testing.T, label string) *bus.Attachment {
	t.Helper()
	a := bus.New(n.r, label)
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Disconnect() })
	return a
}

type joined struct {
	port   uint16
	id     uint32
	joiner string
}

// portListener admits joiners when accept is set and records the ones
// that joined. onAccept, when set, runs inside AcceptSessionJoiner.
type portListener struct {
	accept   bool
	onAccept func()
	joined   chan joined
}

func newPortListener(accept bool) *portListener {
	return &portListener{accept: accept, joined: make(chan joined, 8)}
}

func (p *portListener) AcceptSessionJoiner(uint16, string, protocol.SessionOpts) bool {
	if p.onAccept != nil {
		p.onAccept()
	}
	return p.accept
}

func (p *portListener) SessionJoined(port uint16, id uint32, joiner string) {
	p.joined <- joined{port, id, joiner}
}

type sessionRecorder struct {
	lost    chan string
	added   chan string
	removed chan string
}

func newRecorder() *sessionRecorder {
	return &sessionRecorder{
		lost:    make(chan string, 8),
		added:   make(chan string, 8),
		removed: make(chan string, 8),
	}
}

func (s *sessionRecorder) SessionLost(_ uint32, reason string)     { s.lost <- reason }
func (s *sessionRecorder) SessionMemberAdded(_ uint32, m string)   { s.added <- m }
func (s *sessionRecorder) SessionMemberRemoved(_ uint32, m string) { s.removed <- m }

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s", what)
	}
	var zero T
	return zero
}

func quiet[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestJoinSessionAcrossRouters(t *testing.T) {
	ctx := testContext(t)
	a, b := newNode(t), newNode(t)
	b.m.Resolver().Add(a.r.GUID(), transport.NameTCP, a.tcp.ListenAddr())

	host := a.attach(t, "host")
	joiner := b.attach(t, "joiner")

	pl := newPortListener(true)
	port, err := host.BindSessionPort(ctx, 0, protocol.DefaultSessionOpts(), pl)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	joinerRec := newRecorder()
	id, opts, err := joiner.JoinSession(ctx, host.UniqueName(), port, protocol.DefaultSessionOpts(), joinerRec)
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if opts.Traffic != protocol.TrafficMessages {
		t.Fatalf("granted %s", opts)
	}

	ev := recv(t, pl.joined, "SessionJoined")
	if ev.id != id || ev.port != port || ev.joiner != joiner.UniqueName() {
		t.Fatalf("SessionJoined = %+v", ev)
	}
	quiet(t, pl.joined, "second SessionJoined")

	want := []string{host.UniqueName(), joiner.UniqueName()}
	for _, att := range []*bus.Attachment{host, joiner} {
		got, err := att.SessionMembers(id)
		if err != nil || !slices.Equal(got, want) {
			t.Fatalf("%s members = %v %v, want %v", att.UniqueName(), got, err, want)
		}
	}
	info, err := joiner.SessionInfo(ctx, id)
	if err != nil || !slices.Equal(info, want) {
		t.Fatalf("SessionInfo = %v %v", info, err)
	}

	host.AddMethodHandler("Echo", func(call *protocol.Message) (any, error) {
		var s string
		if err := protocol.Unmarshal(call.Body, &s); err != nil {
			return nil, err
		}
		return s + " from " + call.Sender, nil
	})
	var echoed string
	if err := joiner.CallMethod(ctx, host.UniqueName(), "Echo", id, "hi", &echoed); err != nil {
		t.Fatalf("CallMethod: %v", err)
	}
	if echoed != "hi from "+joiner.UniqueName() {
		t.Fatalf("Echo = %q", echoed)
	}

	pings := make(chan uint32, 1)
	host.AddSignalHandler("Ping", func(sig *protocol.Message) { pings <- sig.SessionID })
	if err := joiner.Signal(host.UniqueName(), "Ping", id, nil); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if got := recv(t, pings, "Ping"); got != id {
		t.Fatalf("Ping in session 0x%08x, want 0x%08x", got, id)
	}

	hostRec := newRecorder()
	if err := host.SetSessionListener(id, hostRec); err != nil {
		t.Fatalf("SetSessionListener: %v", err)
	}
	if err := joiner.LeaveSession(ctx, id); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}
	if reason := recv(t, hostRec.lost, "SessionLost"); reason != session.ReasonLeft {
		t.Fatalf("SessionLost reason = %q", reason)
	}
	quiet(t, joinerRec.lost, "SessionLost on the leaving side")
	if _, err := host.SessionMembers(id); !errors.Is(err, bus.ErrNoSession) {
		t.Fatalf("members after lost = %v", err)
	}
}

func TestJoinSessionAsyncCallsBackOnce(t *testing.T) {
	ctx := testContext(t)
	n := newNode(t)
	host := n.attach(t, "host")
	joiner := n.attach(t, "joiner")

	pl := newPortListener(true)
	port, err := host.BindSessionPort(ctx, 25, protocol.DefaultSessionOpts(), pl)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	var calls atomic.Int32
	ids := make(chan uint32, 2)
	err = joiner.JoinSessionAsync(ctx, host.UniqueName(), port, protocol.DefaultSessionOpts(), nil,
		func(id uint32, _ protocol.SessionOpts, err error) {
			calls.Add(1)
			if err != nil {
				t.Errorf("join: %v", err)
			}
			ids <- id
		})
	if err != nil {
		t.Fatalf("JoinSessionAsync: %v", err)
	}

	id := recv(t, ids, "join callback")
	ev := recv(t, pl.joined, "SessionJoined")
	if ev.id != id {
		t.Fatalf("host saw session 0x%08x, joiner 0x%08x", ev.id, id)
	}
	quiet(t, ids, "second join callback")
	if c := calls.Load(); c != 1 {
		t.Fatalf("callback ran %d times", c)
	}
}

func TestJoinSessionRejected(t *testing.T) {
	ctx := testContext(t)
	n := newNode(t)
	host := n.attach(t, "host")
	joiner := n.attach(t, "joiner")

	pl := newPortListener(false)
	port, err := host.BindSessionPort(ctx, 0, protocol.DefaultSessionOpts(), pl)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	_, _, err = joiner.JoinSession(ctx, host.UniqueName(), port, protocol.DefaultSessionOpts(), nil)
	var je *session.JoinError
	if !errors.As(err, &je) || je.Code != protocol.JoinRejected {
		t.Fatalf("JoinSession = %v, want rejected", err)
	}
	quiet(t, pl.joined, "SessionJoined")

	if err := host.UnbindSessionPort(ctx, port); err != nil {
		t.Fatalf("UnbindSessionPort: %v", err)
	}
	_, _, err = joiner.JoinSession(ctx, host.UniqueName(), port, protocol.DefaultSessionOpts(), nil)
	if !errors.As(err, &je) || je.Code != protocol.JoinNoSession {
		t.Fatalf("JoinSession after unbind = %v, want no session", err)
	}
}

func TestBlockingCallFromCallback(t *testing.T) {
	ctx := testContext(t)
	n := newNode(t)
	host := n.attach(t, "host")
	joiner := n.attach(t, "joiner")

	pl := newPortListener(true)
	inner := make(chan error, 1)
	pl.onAccept = func() { inner <- host.RequestName(ctx, "org.example.inner") }
	port, err := host.BindSessionPort(ctx, 0, protocol.DefaultSessionOpts(), pl)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}

	if _, _, err := joiner.JoinSession(ctx, host.UniqueName(), port, protocol.DefaultSessionOpts(), nil); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if err := recv(t, inner, "inner call result"); !errors.Is(err, bus.ErrBlockingCall) {
		t.Fatalf("blocking call from callback = %v", err)
	}
}

func TestNames(t *testing.T) {
	ctx := testContext(t)
	n := newNode(t)
	svc := n.attach(t, "svc")
	other := n.attach(t, "other")
	const name = "org.example.svc"

	if err := svc.RequestName(ctx, name); err != nil {
		t.Fatalf("RequestName: %v", err)
	}
	if err := other.RequestName(ctx, name); !errors.Is(err, bus.ErrNameNotOwned) {
		t.Fatalf("second RequestName = %v", err)
	}

	// The well-known name reaches the owner for joins on this router.
	pl := newPortListener(true)
	port, err := svc.BindSessionPort(ctx, 0, protocol.DefaultSessionOpts(), pl)
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}
	if _, _, err := other.JoinSession(ctx, name, port, protocol.DefaultSessionOpts(), nil); err != nil {
		t.Fatalf("JoinSession by name: %v", err)
	}

	if err := other.ReleaseName(ctx, name); !errors.Is(err, bus.ErrNameNotOwned) {
		t.Fatalf("ReleaseName by non-owner = %v", err)
	}
	if err := svc.ReleaseName(ctx, name); err != nil {
		t.Fatalf("ReleaseName: %v", err)
	}
}

func TestCallMethodWithoutHandler(t *testing.T) {
	ctx := testContext(t)
	n := newNode(t)
	a := n.attach(t, "a")
	b := n.attach(t, "b")

	err := a.CallMethod(ctx, b.UniqueName(), "Missing", 0, nil, nil)
	var ce *router.CallError
	if !errors.As(err, &ce) || ce.Name != protocol.ErrorNoSuchMethod {
		t.Fatalf("CallMethod = %v, want %s", err, protocol.ErrorNoSuchMethod)
	}
}

func TestDisconnect(t *testing.T) {
	ctx := testContext(t)
	n := newNode(t)
	host := bus.New(n.r, "host")
	if err := host.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := host.Connect(); !errors.Is(err, bus.ErrConnected) {
		t.Fatalf("second Connect = %v", err)
	}
	joiner := n.attach(t, "joiner")

	port, err := host.BindSessionPort(ctx, 0, protocol.DefaultSessionOpts(), newPortListener(true))
	if err != nil {
		t.Fatalf("BindSessionPort: %v", err)
	}
	rec := newRecorder()
	if _, _, err := joiner.JoinSession(ctx, host.UniqueName(), port, protocol.DefaultSessionOpts(), rec); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	if err := host.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if reason := recv(t, rec.lost, "SessionLost"); reason != session.ReasonGone {
		t.Fatalf("SessionLost reason = %q", reason)
	}
	if host.IsConnected() || host.UniqueName() != "" {
		t.Fatal("still connected after Disconnect")
	}
	if err := host.RequestName(ctx, "org.example.late"); !errors.Is(err, bus.ErrNotConnected) {
		t.Fatalf("RequestName after Disconnect = %v", err)
	}
	if err := host.Disconnect(); !errors.Is(err, bus.ErrNotConnected) {
		t.Fatalf("second Disconnect = %v", err)
	}
}
