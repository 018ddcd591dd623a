package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/p2pbus/internal/endpoint"
	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/router"
	"github.com/1ureka/p2pbus/internal/transport"
)

// node is one router with its session manager and a TCP transport.
type node struct {
	r   *router.Router
	m   *Manager
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
	r.Advertise(transport.NameTCP, tcp.ListenAddr())

	m := New(Config{
		Router:      r,
		Transports:  []transport.Transport{tcp},
		JoinTimeout: 5 * time.Second,
	})
	return &node{r: r, m: m, tcp: tcp}
}

// knows tells n where other listens.
func (n *node) knows(other *node) {
	n.m.Resolver().Add(other.r.GUID(), transport.NameTCP, other.tcp.ListenAddr())
}

type event struct {
	member string
	body   protocol.SessionEventBody
}

// member is a bare attachment: it answers AcceptSession with decide and
// records the session signals it receives.
type member struct {
	t      *testing.T
	r      *router.Router
	ep     *endpoint.Endpoint
	caller *router.Caller
	decide func(protocol.AcceptSessionBody) bool

	events chan event
	mu     sync.Mutex
	asked  int
}

func newMember(t *testing.T, n *node, decide func(protocol.AcceptSessionBody) bool) *member {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mb := &member{t: t, r: n.r, decide: decide, events: make(chan event, 64)}
	inbox := router.NewInbox(ctx, "test-member", mb.handle)
	ep, err := n.r.NewEndpoint(endpoint.KindNull, inbox)
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	mb.ep = ep
	mb.caller = router.NewCaller(ep.UniqueName(), n.r.Route)
	return mb
}

func acceptAll(protocol.AcceptSessionBody) bool { return true }

func (mb *member) name() string { return mb.ep.UniqueName() }

func (mb *member) handle(msg *protocol.Message) {
	if msg.IsReply() {
		mb.caller.HandleReply(msg)
		return
	}
	if msg.Member == protocol.MemberAcceptSession {
		var body protocol.AcceptSessionBody
		protocol.Unmarshal(msg.Body, &body)
		mb.mu.Lock()
		mb.asked++
		mb.mu.Unlock()
		raw, _ := protocol.Marshal(protocol.AcceptSessionReply{Accept: mb.decide(body)})
		mb.r.Route(msg.Reply(mb.caller.NextSerial(), raw))
		return
	}
	var body protocol.SessionEventBody
	protocol.Unmarshal(msg.Body, &body)
	mb.events <- event{member: msg.Member, body: body}
}

// call invokes a controller method and waits for the reply.
func (mb *member) call(method string, body any) (*protocol.Message, error) {
	mb.t.Helper()
	type result struct {
		msg *protocol.Message
		err error
	}
	ch := make(chan result, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := mb.caller.Call(ctx, mb.r.ControllerName(), method, 0, body, func(reply *protocol.Message, err error) {
		ch <- result{reply, err}
	})
	if err != nil {
		return nil, err
	}
	res := <-ch
	return res.msg, res.err
}

func (mb *member) bind(port uint16, opts protocol.SessionOpts) uint16 {
	mb.t.Helper()
	reply, err := mb.call(protocol.MemberBindSessionPort, protocol.BindSessionBody{Port: port, Opts: opts})
	if err != nil {
		mb.t.Fatalf("BindSessionPort: %v", err)
	}
	var body protocol.BindSessionBody
	if err := protocol.Unmarshal(reply.Body, &body); err != nil {
		mb.t.Fatalf("BindSessionPort reply: %v", err)
	}
	return body.Port
}

func (mb *member) join(host string, port uint16, opts protocol.SessionOpts) protocol.JoinSessionReply {
	mb.t.Helper()
	reply, err := mb.call(protocol.MemberJoinSession, protocol.JoinSessionBody{Host: host, Port: port, Opts: opts})
	if err != nil {
		mb.t.Fatalf("JoinSession: %v", err)
	}
	var rep protocol.JoinSessionReply
	if err := protocol.Unmarshal(reply.Body, &rep); err != nil {
		mb.t.Fatalf("JoinSession reply: %v", err)
	}
	return rep
}

func (mb *member) leave(id uint32) error {
	_, err := mb.call(protocol.MemberLeaveSession, protocol.LeaveSessionBody{SessionID: id})
	return err
}

func (mb *member) expect(method string) protocol.SessionEventBody {
	mb.t.Helper()
	select {
	case ev := <-mb.events:
		if ev.member != method {
			mb.t.Fatalf("%s got %s, want %s", mb.name(), ev.member, method)
		}
		return ev.body
	case <-time.After(5 * time.Second):
		mb.t.Fatalf("%s: no %s", mb.name(), method)
	}
	return protocol.SessionEventBody{}
}

func (mb *member) expectNothing() {
	mb.t.Helper()
	select {
	case ev := <-mb.events:
		mb.t.Fatalf("%s got unexpected %s", mb.name(), ev.member)
	case <-time.After(100 * time.Millisecond):
	}
}

func (mb *member) timesAsked() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.asked
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
