// Package bus is the application side of the router: an Attachment owns
// one unique name, talks to its router's controller object and turns the
// session signals it receives into listener callbacks.
//
// Every operation has an asynchronous core that completes through a
// callback on the attachment's dispatch goroutine. The blocking variants
// submit the asynchronous call and wait on a completion event; they must
// not be called from a callback, where they would wait on themselves.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/1ureka/p2pbus/internal/endpoint"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/router"
	"github.com/1ureka/p2pbus/internal/syncx"
	"github.com/1ureka/p2pbus/internal/util"
)

var (
	ErrNotConnected  = errors.New("bus: attachment not connected")
	ErrConnected     = errors.New("bus: attachment already connected")
	ErrBlockingCall  = errors.New("bus: blocking call made from a callback")
	ErrNameNotOwned  = errors.New("bus: name request refused")
	ErrNoSession     = errors.New("bus: not in session")
	ErrNoSuchHandler = errors.New("bus: no handler for method")
)

// MethodHandler serves a method call addressed to the attachment. The
// returned body is sent back unless the call asked for no reply.
type MethodHandler func(call *protocol.Message) (any, error)

// SignalHandler receives signals addressed to the attachment.
type SignalHandler func(sig *protocol.Message)

// Attachment is one application's connection to a router.
type Attachment struct {
	r     *router.Router
	label string

	mu     syncx.Mutex
	ep     *endpoint.Endpoint
	caller *router.Caller
	cancel context.CancelFunc

	// dispatcher is the goroutine id of the running inbox loop.
	dispatcher atomic.Int64

	ports    map[uint16]SessionPortListener
	sessions map[uint32]*memberSet
	methods  map[string]MethodHandler
	signals  map[string]SignalHandler
}

// New creates an attachment to r. label names it in logs.
func New(r *router.Router, label string) *Attachment {
	return &Attachment{
		r:        r,
		label:    label,
		mu:       syncx.Mutex{Name: "bus " + label},
		ports:    make(map[uint16]SessionPortListener),
		sessions: make(map[uint32]*memberSet),
		methods:  make(map[string]MethodHandler),
		signals:  make(map[string]SignalHandler),
	}
}

// Connect registers the attachment with its router and assigns its unique
// name.
func (a *Attachment) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ep != nil {
		return ErrConnected
	}

	ctx, cancel := context.WithCancel(a.r.Context())
	inbox := router.NewInbox(ctx, a.label, a.dispatch)
	ep, err := a.r.NewEndpoint(endpoint.KindNull, inbox)
	if err != nil {
		cancel()
		return fmt.Errorf("connect %s: %w", a.label, err)
	}
	a.ep = ep
	a.cancel = cancel
	a.caller = router.NewCaller(ep.UniqueName(), a.r.Route)
	util.LogDebug("[bus] %s connected as %s", a.label, ep.UniqueName())
	return nil
}

// Disconnect leaves the router. Bound ports are released by the router,
// sessions end for the other members, and calls still waiting for a
// reply fail with router.ErrCallAborted.
func (a *Attachment) Disconnect() error {
	a.mu.Lock()
	ep, caller, cancel := a.ep, a.caller, a.cancel
	if ep == nil {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.ep, a.caller, a.cancel = nil, nil, nil
	clear(a.ports)
	clear(a.sessions)
	a.mu.Unlock()

	a.r.Invalidate(ep.UniqueName())
	caller.Close()
	cancel()
	util.LogDebug("[bus] %s disconnected", a.label)
	return nil
}

// IsConnected reports whether Connect succeeded and Disconnect has not
// been called since.
func (a *Attachment) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ep != nil
}

// UniqueName returns the name the router assigned, or "" when not
// connected.
func (a *Attachment) UniqueName() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ep == nil {
		return ""
	}
	return a.ep.UniqueName()
}

func (a *Attachment) current() (*endpoint.Endpoint, *router.Caller, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ep == nil {
		return nil, nil, ErrNotConnected
	}
	return a.ep, a.caller, nil
}

// callAsync calls a controller method.
func (a *Attachment) callAsync(ctx context.Context, member string, body any, cb router.ReplyFunc) error {
	_, caller, err := a.current()
	if err != nil {
		return err
	}
	return caller.Call(ctx, a.r.ControllerName(), member, 0, body, cb)
}

// wait submits an asynchronous operation and blocks until its completion
// runs. start receives the completion to call exactly once; the
// operation's own context bounds how long that takes.
func (a *Attachment) wait(start func(complete func()) error) error {
	if syncx.GoroutineID() == a.dispatcher.Load() {
		return ErrBlockingCall
	}
	var done syncx.Event
	if err := start(done.Set); err != nil {
		return err
	}
	return done.Wait(context.Background())
}

// call is the blocking form of callAsync. out, when non-nil, receives the
// decoded reply body.
func (a *Attachment) call(ctx context.Context, member string, body, out any) error {
	var callErr error
	err := a.wait(func(complete func()) error {
		return a.callAsync(ctx, member, body, func(reply *protocol.Message, err error) {
			defer complete()
			if err == nil && out != nil {
				err = protocol.Unmarshal(reply.Body, out)
			}
			callErr = err
		})
	})
	if err != nil {
		return err
	}
	return callErr
}

// RequestName asks the router for the well-known name.
func (a *Attachment) RequestName(ctx context.Context, name string) error {
	var rep protocol.NameReply
	if err := a.call(ctx, protocol.MemberRequestName, protocol.NameBody{Name: name}, &rep); err != nil {
		return err
	}
	if !rep.OK {
		return fmt.Errorf("%s: %w", name, ErrNameNotOwned)
	}
	return nil
}

// ReleaseName gives up a well-known name the attachment owns.
func (a *Attachment) ReleaseName(ctx context.Context, name string) error {
	var rep protocol.NameReply
	if err := a.call(ctx, protocol.MemberReleaseName, protocol.NameBody{Name: name}, &rep); err != nil {
		return err
	}
	if !rep.OK {
		return fmt.Errorf("%s: %w", name, ErrNameNotOwned)
	}
	return nil
}

// dispatch runs on the inbox goroutine for every message delivered to the
// attachment.
func (a *Attachment) dispatch(msg *protocol.Message) {
	a.dispatcher.Store(syncx.GoroutineID())

	ep, caller, err := a.current()
	if err != nil {
		return
	}
	if msg.IsReply() {
		if !caller.HandleReply(msg) {
			util.LogDebug("[bus] %s: late or unknown reply %s", a.label, msg)
		}
		return
	}
	if msg.Sender == a.r.ControllerName() && a.sessionEvent(msg, ep.UniqueName(), caller) {
		return
	}

	switch msg.Type {
	case protocol.TypeMethodCall:
		a.serve(msg, caller)
	case protocol.TypeSignal:
		a.mu.Lock()
		fn := a.signals[msg.Member]
		a.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func (a *Attachment) reply(call *protocol.Message, caller *router.Caller, body any, err error) {
	if !call.ExpectsReply() {
		return
	}
	var out *protocol.Message
	if err == nil {
		var raw []byte
		raw, err = router.Encode(body)
		out = call.Reply(caller.NextSerial(), raw)
	}
	if err != nil {
		name := protocol.ErrorFailed
		if errors.Is(err, ErrNoSuchHandler) {
			name = protocol.ErrorNoSuchMethod
		}
		out = call.ErrorReply(caller.NextSerial(), name, err.Error())
	}
	out.Sender = a.UniqueName()
	if err := a.r.Route(out); err != nil {
		util.LogDebug("[bus] %s: reply %s undeliverable: %v", a.label, out, err)
	}
}
