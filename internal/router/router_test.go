package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/p2pbus/internal/endpoint"
	"github.com/1ureka/p2pbus/internal/protocol"
)

func newTestRouter(t *testing.T, guid string) *Router {
	t.Helper()
	r, err := New(Config{GUID: guid, Transports: protocol.TransportTCP})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func waitMsg(t *testing.T, ch <-chan *protocol.Message) *protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestNewRouterNames(t *testing.T) {
	r := newTestRouter(t, "AAAAAAAAAAAAAAAA")
	if r.ControllerName() != ":AAAAAAAAAAAAAAAA.1" {
		t.Fatalf("ControllerName = %q", r.ControllerName())
	}

	c := newCollector()
	ep, err := r.NewEndpoint(endpoint.KindNull, c)
	if err != nil {
		t.Fatal(err)
	}
	if ep.UniqueName() != ":AAAAAAAAAAAAAAAA.2" {
		t.Fatalf("first attachment = %q", ep.UniqueName())
	}
	if ep.ControllerUniqueName() != r.ControllerName() {
		t.Fatal("attachment does not point at this router's controller")
	}

	if _, err := New(Config{GUID: "short"}); err == nil {
		t.Fatal("malformed guid accepted")
	}
}

func TestRouteAndInvalidate(t *testing.T) {
	r := newTestRouter(t, "AAAAAAAAAAAAAAAA")
	c := newCollector()
	ep, _ := r.NewEndpoint(endpoint.KindNull, c)

	var gone atomic.Int32
	r.OnEndpointGone(func(e *endpoint.Endpoint) {
		if e == ep {
			gone.Add(1)
		}
	})

	msg := &protocol.Message{Type: protocol.TypeSignal, Destination: ep.UniqueName(), Member: "Ping"}
	if err := r.Route(msg); err != nil {
		t.Fatal(err)
	}
	if len(c.msgs) != 1 {
		t.Fatalf("delivered %d messages", len(c.msgs))
	}

	h := ep.Handle()
	if !r.Invalidate(ep.UniqueName()) {
		t.Fatal("Invalidate found nothing")
	}
	if r.Invalidate(ep.UniqueName()) {
		t.Fatal("second Invalidate found the endpoint again")
	}
	if gone.Load() != 1 {
		t.Fatalf("gone listener fired %d times", gone.Load())
	}
	if ep.IsValid() {
		t.Fatal("endpoint still valid")
	}
	if _, ok := r.arena.Get(h); ok {
		t.Fatal("stale handle still resolves")
	}
	if err := r.Route(msg); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Route after invalidation = %v", err)
	}
	// A holder of the stale endpoint is told, not silently dropped.
	if err := ep.Deliver(msg); !errors.Is(err, endpoint.ErrInvalidated) {
		t.Fatalf("Deliver on stale endpoint = %v", err)
	}
}

func TestAliases(t *testing.T) {
	r := newTestRouter(t, "AAAAAAAAAAAAAAAA")
	owner := newCollector()
	other := newCollector()
	ownerEp, _ := r.NewEndpoint(endpoint.KindNull, owner)
	otherEp, _ := r.NewEndpoint(endpoint.KindNull, other)

	if err := r.AddAlias("org.example.Svc", ownerEp.UniqueName()); err != nil {
		t.Fatal(err)
	}
	if err := r.AddAlias("org.example.Svc", ownerEp.UniqueName()); err != nil {
		t.Fatalf("re-adding own alias: %v", err)
	}
	if err := r.AddAlias("org.example.Svc", otherEp.UniqueName()); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("taking a held alias = %v", err)
	}
	if err := r.AddAlias(":BBBBBBBBBBBBBBBB.2", ownerEp.UniqueName()); !errors.Is(err, ErrBadName) {
		t.Fatalf("unique name as alias = %v", err)
	}

	// The other attachment saw NameOwnerChanged.
	noc := waitMsg(t, other.ch)
	var body protocol.NameBody
	if err := protocol.Unmarshal(noc.Body, &body); err != nil {
		t.Fatal(err)
	}
	if noc.Member != protocol.MemberNameOwnerChanged || body.Name != "org.example.Svc" || body.NewOwner != ownerEp.UniqueName() {
		t.Fatalf("unexpected %s %+v", noc, body)
	}

	if err := r.Route(&protocol.Message{Type: protocol.TypeSignal, Destination: "org.example.Svc", Member: "Ping"}); err != nil {
		t.Fatal(err)
	}
	if got, ok := r.FindEndpoint("org.example.Svc"); !ok || got != ownerEp {
		t.Fatal("alias does not resolve to its owner")
	}

	if err := r.RemoveAlias("org.example.Svc", otherEp.UniqueName()); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("release by non-owner = %v", err)
	}

	// Invalidating the owner drops every alias it held.
	_ = r.AddAlias("org.example.Second", ownerEp.UniqueName())
	r.Invalidate(ownerEp.UniqueName())
	for _, name := range []string{"org.example.Svc", "org.example.Second"} {
		if _, ok := r.FindEndpoint(name); ok {
			t.Fatalf("alias %s survived its owner", name)
		}
	}
	if err := r.AddAlias("org.example.Svc", otherEp.UniqueName()); err != nil {
		t.Fatalf("alias not free after owner left: %v", err)
	}
}

func TestControllerCall(t *testing.T) {
	r := newTestRouter(t, "AAAAAAAAAAAAAAAA")

	var caller *Caller
	in := NewInbox(r.Context(), "attachment", func(msg *protocol.Message) { caller.HandleReply(msg) })
	ep, _ := r.NewEndpoint(endpoint.KindNull, in)
	caller = NewCaller(ep.UniqueName(), r.Route)

	type result struct {
		reply *protocol.Message
		err   error
	}
	call := func(member string, body any) result {
		ch := make(chan result, 1)
		err := caller.Call(context.Background(), r.ControllerName(), member, 0, body, func(m *protocol.Message, err error) {
			ch <- result{m, err}
		})
		if err != nil {
			t.Fatal(err)
		}
		select {
		case res := <-ch:
			return res
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: no reply", member)
			return result{}
		}
	}

	res := call(protocol.MemberRequestName, protocol.NameBody{Name: "org.example.Svc"})
	if res.err != nil {
		t.Fatal(res.err)
	}
	var nr protocol.NameReply
	if err := protocol.Unmarshal(res.reply.Body, &nr); err != nil || !nr.OK {
		t.Fatalf("RequestName reply %+v, %v", nr, err)
	}
	if owner, ok := r.FindEndpoint("org.example.Svc"); !ok || owner != ep {
		t.Fatal("RequestName did not install the alias")
	}

	res = call("NoSuchThing", nil)
	var ce *CallError
	if !errors.As(res.err, &ce) || ce.Name != protocol.ErrorNoSuchMethod {
		t.Fatalf("unknown method err = %v", res.err)
	}
	if caller.Pending() != 0 {
		t.Fatalf("%d calls still pending", caller.Pending())
	}
}

func TestCallerTimeout(t *testing.T) {
	var calls atomic.Int32
	errCh := make(chan error, 2)
	c := NewCaller(":AAAAAAAAAAAAAAAA.2", func(*protocol.Message) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, ":AAAAAAAAAAAAAAAA.1", "Slow", 0, nil, func(_ *protocol.Message, err error) {
		calls.Add(1)
		errCh <- err
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call never timed out")
	}

	// A late reply finds nothing to complete.
	late := &protocol.Message{Type: protocol.TypeMethodReturn, ReplySerial: 1}
	if c.HandleReply(late) {
		t.Fatal("late reply completed a finished call")
	}
	if calls.Load() != 1 {
		t.Fatalf("callback ran %d times", calls.Load())
	}
}

func TestCallerSendFailure(t *testing.T) {
	c := NewCaller(":AAAAAAAAAAAAAAAA.2", func(*protocol.Message) error { return ErrNoRoute })
	called := false
	err := c.Call(context.Background(), ":AAAAAAAAAAAAAAAA.9", "Ping", 0, nil, func(*protocol.Message, error) { called = true })
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v", err)
	}
	if called || c.Pending() != 0 {
		t.Fatal("failed send left a pending call or ran the callback")
	}
}

func linkRouters(t *testing.T, a, b *Router) (*mockLink, *mockLink) {
	t.Helper()
	la, lb := mockLinks()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.AttachLink(ctx, lb)
		errCh <- err
	}()
	if _, err := a.AttachLink(ctx, la); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	return la, lb
}

func TestLinkedRouters(t *testing.T) {
	a := newTestRouter(t, "AAAAAAAAAAAAAAAA")
	b := newTestRouter(t, "BBBBBBBBBBBBBBBB")

	var learned atomic.Value
	a.OnLink(func(h protocol.HelloBody) { learned.Store(h.GUID) })

	la, _ := linkRouters(t, a, b)
	if !a.HasLink(b.GUID()) || !b.HasLink(a.GUID()) {
		t.Fatal("links not registered")
	}
	if learned.Load() != b.GUID() {
		t.Fatalf("OnLink saw %v", learned.Load())
	}

	cb := newCollector()
	epB, _ := b.NewEndpoint(endpoint.KindNull, cb)

	msg := &protocol.Message{
		Type:        protocol.TypeSignal,
		Sender:      protocol.UniqueName(a.GUID(), 2),
		Destination: epB.UniqueName(),
		Member:      "Ping",
	}
	if err := a.Route(msg); err != nil {
		t.Fatal(err)
	}
	if got := waitMsg(t, cb.ch); got.Member != "Ping" {
		t.Fatalf("got %s", got)
	}

	// A call to a name that does not exist on B gets an error reply.
	errCh := make(chan error, 1)
	err := a.Call(context.Background(), protocol.UniqueName(b.GUID(), 99), "Ping", 0, nil, func(_ *protocol.Message, err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatal(err)
	}
	var ce *CallError
	if err := <-errCh; !errors.As(err, &ce) || ce.Name != protocol.ErrorNoRoute {
		t.Fatalf("call to missing endpoint: %v", err)
	}

	// A call B never answers fails when the link goes down.
	b.Handle("Hang", func(*protocol.Message, func(any, error)) {})
	gone := make(chan struct{})
	a.OnEndpointGone(func(ep *endpoint.Endpoint) {
		if ep.Kind() == endpoint.KindBus2Bus {
			close(gone)
		}
	})
	if err := a.Call(context.Background(), b.ControllerName(), "Hang", 0, nil, func(_ *protocol.Message, err error) {
		errCh <- err
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	la.Close()

	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("b2b endpoint not removed after link loss")
	}
	if err := <-errCh; !errors.Is(err, endpoint.ErrInvalidated) {
		t.Fatalf("pending call after link loss: %v", err)
	}
	if a.HasLink(b.GUID()) {
		t.Fatal("link still registered")
	}
	if err := a.Route(msg); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Route over dead link = %v", err)
	}
}

func TestBroadcast(t *testing.T) {
	a := newTestRouter(t, "AAAAAAAAAAAAAAAA")
	b := newTestRouter(t, "BBBBBBBBBBBBBBBB")
	linkRouters(t, a, b)

	sender := newCollector()
	local := newCollector()
	remote := newCollector()
	senderEp, _ := a.NewEndpoint(endpoint.KindNull, sender)
	a.NewEndpoint(endpoint.KindNull, local)
	b.NewEndpoint(endpoint.KindNull, remote)

	sig := &protocol.Message{Type: protocol.TypeSignal, Sender: senderEp.UniqueName(), Member: "Tick"}
	if err := a.Route(sig); err != nil {
		t.Fatal(err)
	}
	if got := waitMsg(t, local.ch); got.Member != "Tick" {
		t.Fatalf("local got %s", got)
	}
	select {
	case m := <-remote.ch:
		t.Fatalf("non-global signal crossed the link: %s", m)
	case <-time.After(50 * time.Millisecond):
	}
	if len(sender.msgs) != 0 {
		t.Fatal("sender received its own broadcast")
	}

	global := &protocol.Message{Type: protocol.TypeSignal, Flags: protocol.FlagGlobal, Sender: senderEp.UniqueName(), Member: "Tock"}
	if err := a.Route(global); err != nil {
		t.Fatal(err)
	}
	if got := waitMsg(t, remote.ch); got.Member != "Tock" {
		t.Fatalf("remote got %s", got)
	}
}
