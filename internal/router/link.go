package router

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/1ureka/p2pbus/internal/endpoint"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

// ProtocolVersion is sent in Hello.
const ProtocolVersion = 1

// Link is a message connection to another router. Transport connections
// satisfy it.
type Link interface {
	Send(ctx context.Context, msg *protocol.Message) error
	OnMessage(fn func(*protocol.Message))
	Done() <-chan struct{}
	Close() error
	RemoteAddr() string
}

// OnLink registers fn to run with the peer's Hello whenever a link comes
// up.
func (r *Router) OnLink(fn func(hello protocol.HelloBody)) {
	r.mu.Lock()
	r.linkListeners = append(r.linkListeners, fn)
	r.mu.Unlock()
}

// AttachLink exchanges Hello with the router at the other end of link and
// registers a bus-to-bus endpoint for it. Messages arriving on the link
// are routed from then on. The endpoint is invalidated when the link ends
// or the router closes.
func (r *Router) AttachLink(ctx context.Context, link Link) (*endpoint.Endpoint, error) {
	var (
		mu      sync.Mutex
		ep      *endpoint.Endpoint
		early   []*protocol.Message
		helloCh = make(chan protocol.HelloBody, 1)
	)

	link.OnMessage(func(msg *protocol.Message) {
		mu.Lock()
		if ep == nil {
			if msg.Type == protocol.TypeSignal && msg.Member == protocol.MemberHello {
				var h protocol.HelloBody
				if err := protocol.Unmarshal(msg.Body, &h); err == nil {
					select {
					case helloCh <- h:
					default:
					}
				}
			} else {
				early = append(early, msg)
			}
			mu.Unlock()
			return
		}
		mu.Unlock()
		r.routeFromLink(msg)
	})

	hello := protocol.HelloBody{
		GUID:       r.guid,
		Name:       r.controllerName,
		Version:    ProtocolVersion,
		Transports: r.cfg.Transports,
	}
	r.mu.Lock()
	hello.Addrs = maps.Clone(r.advertise)
	r.mu.Unlock()
	raw, err := protocol.Marshal(hello)
	if err != nil {
		return nil, err
	}
	err = link.Send(ctx, &protocol.Message{
		Type:   protocol.TypeSignal,
		Flags:  protocol.FlagNoReply,
		Serial: r.caller.NextSerial(),
		Sender: r.controllerName,
		Member: protocol.MemberHello,
		Body:   raw,
	})
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("send hello to %s: %w", link.RemoteAddr(), err)
	}

	var peer protocol.HelloBody
	select {
	case peer = <-helloCh:
	case <-link.Done():
		return nil, fmt.Errorf("link to %s closed before hello", link.RemoteAddr())
	case <-ctx.Done():
		link.Close()
		return nil, fmt.Errorf("hello from %s: %w", link.RemoteAddr(), ctx.Err())
	}

	if !protocol.ValidGUIDPrefix(peer.GUID) || peer.GUID == r.guid {
		link.Close()
		return nil, fmt.Errorf("hello from %s: bad peer guid %q", link.RemoteAddr(), peer.GUID)
	}

	sink := endpoint.SinkFunc(func(msg *protocol.Message) error {
		sctx, cancel := context.WithTimeout(r.ctx, r.cfg.SendTimeout)
		defer cancel()
		return link.Send(sctx, msg)
	})
	b2b, err := endpoint.New(endpoint.KindBus2Bus, protocol.UniqueName(peer.GUID, protocol.ControllerSuffix), sink)
	if err != nil {
		link.Close()
		return nil, err
	}
	if _, err := r.Register(b2b); err != nil {
		link.Close()
		return nil, err
	}

	mu.Lock()
	ep = b2b
	pending := early
	early = nil
	mu.Unlock()
	for _, msg := range pending {
		r.routeFromLink(msg)
	}

	go func() {
		select {
		case <-link.Done():
		case <-r.ctx.Done():
			link.Close()
		}
		util.LogInfo("[router] link to %s (%s) closed", peer.GUID, link.RemoteAddr())
		r.remove(b2b)
	}()

	util.LogSuccess("[router] linked to router %s at %s", peer.GUID, link.RemoteAddr())

	r.mu.Lock()
	listeners := slices.Clone(r.linkListeners)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(peer)
	}
	return b2b, nil
}

// routeFromLink routes a message received from another router. A call
// that cannot be routed is answered with an error so the caller does not
// wait for its timeout.
func (r *Router) routeFromLink(msg *protocol.Message) {
	err := r.Route(msg)
	if err == nil {
		return
	}
	util.LogDebug("[router] cannot route %s: %v", msg, err)
	if msg.ExpectsReply() {
		reply := msg.ErrorReply(r.caller.NextSerial(), protocol.ErrorNoRoute, err.Error())
		reply.Sender = r.controllerName
		if rerr := r.Route(reply); rerr != nil {
			util.LogDebug("[router] error reply undeliverable: %v", rerr)
		}
	}
}
