// Package router holds the routing table of one bus router: the unique and
// well-known names of every endpoint, the links to other routers and the
// router's controller object, which answers bus-level method calls.
package router

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/1ureka/p2pbus/internal/endpoint"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/syncx"
	"github.com/1ureka/p2pbus/internal/util"
)

var (
	ErrNoRoute    = errors.New("no route to destination")
	ErrNameExists = errors.New("unique name already registered")
	ErrNameTaken  = errors.New("well-known name owned by another endpoint")
	ErrNotOwner   = errors.New("endpoint does not own the name")
	ErrBadName    = errors.New("not a well-known name")
	ErrClosed     = errors.New("router closed")
)

// DefaultSendTimeout bounds a send on a router link.
const DefaultSendTimeout = 10 * time.Second

// MethodHandler serves one controller method. reply may be called from
// any goroutine, at most once; later calls are ignored. Handlers run on
// the controller's dispatch goroutine and must not block on the network.
type MethodHandler func(call *protocol.Message, reply func(body any, err error))

// Config configures a Router.
type Config struct {
	GUID        string            // unique-name prefix; generated when empty
	Stats       *util.Stats       // may be nil
	Transports  protocol.TransportMask
	Advertise   map[string]string // transport name -> address, sent in Hello
	SendTimeout time.Duration
}

// Router routes messages between endpoints.
type Router struct {
	guid           string
	controllerName string
	cfg            Config
	stats          *util.Stats

	ctx    context.Context
	cancel context.CancelFunc

	mu            syncx.Mutex
	arena         *endpoint.Arena
	names         map[string]endpoint.Handle
	aliases       map[string]endpoint.Handle
	links         map[string][]endpoint.Handle
	nextSuffix    uint32
	methods       map[string]MethodHandler
	goneListeners []func(*endpoint.Endpoint)
	linkListeners []func(protocol.HelloBody)

	controller *endpoint.Endpoint
	caller     *Caller

	advertise map[string]string
}

// New creates a router with its controller object registered.
func New(cfg Config) (*Router, error) {
	if cfg.GUID == "" {
		cfg.GUID = protocol.NewGUIDPrefix()
	}
	if !protocol.ValidGUIDPrefix(cfg.GUID) {
		return nil, fmt.Errorf("router guid %q: want %d alphanumerics", cfg.GUID, protocol.GUIDPrefixLen)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		guid:           cfg.GUID,
		controllerName: protocol.UniqueName(cfg.GUID, protocol.ControllerSuffix),
		cfg:            cfg,
		stats:          cfg.Stats,
		ctx:            ctx,
		cancel:         cancel,
		mu:             syncx.Mutex{Name: "router"},
		arena:          endpoint.NewArena(),
		names:          make(map[string]endpoint.Handle),
		aliases:        make(map[string]endpoint.Handle),
		links:          make(map[string][]endpoint.Handle),
		nextSuffix:     protocol.FirstAttachmentSuffix,
		methods:        make(map[string]MethodHandler),
		advertise:      maps.Clone(cfg.Advertise),
	}
	r.caller = NewCaller(r.controllerName, r.Route)

	inbox := NewInbox(ctx, "controller", r.dispatchController)
	ctrl, err := endpoint.New(endpoint.KindLocal, r.controllerName, inbox)
	if err != nil {
		cancel()
		return nil, err
	}
	if _, err := r.Register(ctrl); err != nil {
		cancel()
		return nil, err
	}
	r.controller = ctrl

	r.Handle(protocol.MemberRequestName, r.handleRequestName)
	r.Handle(protocol.MemberReleaseName, r.handleReleaseName)
	return r, nil
}

// Advertise sets the address sent in Hello for the named transport. Links
// that are already up keep the address they were told.
func (r *Router) Advertise(transport, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advertise == nil {
		r.advertise = make(map[string]string)
	}
	r.advertise[transport] = addr
}

// GUID returns the router's unique-name prefix.
func (r *Router) GUID() string { return r.guid }

// ControllerName returns the unique name of the controller object.
func (r *Router) ControllerName() string { return r.controllerName }

// Context is cancelled when the router closes.
func (r *Router) Context() context.Context { return r.ctx }

// Stats returns the stats object the router reports to.
func (r *Router) Stats() *util.Stats { return r.stats }

// Register adds ep to the routing table. Router links are reachable by
// their GUID prefix rather than by name, so several links to the same
// router may coexist.
func (r *Router) Register(ep *endpoint.Endpoint) (endpoint.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep.Kind() == endpoint.KindBus2Bus {
		h := r.arena.Insert(ep)
		r.links[ep.GUIDPrefix()] = append(r.links[ep.GUIDPrefix()], h)
		r.stats.AddEndpoint()
		return h, nil
	}

	if _, ok := r.names[ep.UniqueName()]; ok {
		return endpoint.Handle{}, fmt.Errorf("%s: %w", ep.UniqueName(), ErrNameExists)
	}
	h := r.arena.Insert(ep)
	r.names[ep.UniqueName()] = h
	r.stats.AddEndpoint()
	util.LogDebug("[router] registered %s", ep)
	return h, nil
}

// NewEndpoint registers an endpoint of kind with the next free unique name
// under this router's prefix.
func (r *Router) NewEndpoint(kind endpoint.Kind, sink endpoint.Sink) (*endpoint.Endpoint, error) {
	r.mu.Lock()
	n := r.nextSuffix
	r.nextSuffix++
	r.mu.Unlock()

	ep, err := endpoint.New(kind, protocol.UniqueName(r.guid, n), sink)
	if err != nil {
		return nil, err
	}
	if _, err := r.Register(ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// FindEndpoint looks up a unique or well-known name.
func (r *Router) FindEndpoint(name string) (*endpoint.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupLocked(name)
}

func (r *Router) lookupLocked(name string) (*endpoint.Endpoint, bool) {
	h, ok := r.names[name]
	if !ok {
		h, ok = r.aliases[name]
	}
	if !ok {
		return nil, false
	}
	return r.arena.Get(h)
}

// HasLink reports whether a valid link to the router with prefix guid
// exists.
func (r *Router) HasLink(guid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.linkLocked(guid)
	return ok
}

func (r *Router) linkLocked(guid string) (*endpoint.Endpoint, bool) {
	for _, h := range r.links[guid] {
		if ep, ok := r.arena.Get(h); ok && ep.IsValid() {
			return ep, true
		}
	}
	return nil, false
}

// Endpoints returns a snapshot of the live endpoints.
func (r *Router) Endpoints() []*endpoint.Endpoint {
	var out []*endpoint.Endpoint
	r.arena.Each(func(_ endpoint.Handle, ep *endpoint.Endpoint) { out = append(out, ep) })
	return out
}

// Invalidate removes the endpoint with the given unique name from the
// routing table and invalidates it.
func (r *Router) Invalidate(name string) bool {
	r.mu.Lock()
	h, ok := r.names[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ep, ok := r.arena.Get(h)
	if !ok {
		return false
	}
	r.remove(ep)
	return true
}

// remove takes ep out of every index, invalidates it and notifies
// listeners.
func (r *Router) remove(ep *endpoint.Endpoint) {
	r.mu.Lock()
	h := ep.Handle()
	if _, ok := r.arena.Remove(h); !ok {
		r.mu.Unlock()
		return
	}
	if cur, ok := r.names[ep.UniqueName()]; ok && cur == h {
		delete(r.names, ep.UniqueName())
	}
	var lost []string
	for _, alias := range ep.Aliases() {
		if r.aliases[alias] == h {
			delete(r.aliases, alias)
			lost = append(lost, alias)
		}
	}
	linkGone := false
	if ep.Kind() == endpoint.KindBus2Bus {
		guid := ep.GUIDPrefix()
		hs := r.links[guid]
		for i, lh := range hs {
			if lh == h {
				hs = append(hs[:i:i], hs[i+1:]...)
				break
			}
		}
		if len(hs) == 0 {
			delete(r.links, guid)
			linkGone = true
		} else {
			r.links[guid] = hs
		}
	}
	listeners := slices.Clone(r.goneListeners)
	r.mu.Unlock()

	ep.Invalidate()
	r.stats.RemoveEndpoint()
	util.LogDebug("[router] removed %s", ep)

	for _, alias := range lost {
		r.signalNameOwnerChanged(alias, ep.UniqueName(), "")
	}
	if linkGone {
		r.caller.FailPrefix(ep.GUIDPrefix(), fmt.Errorf("link to %s: %w", ep.GUIDPrefix(), endpoint.ErrInvalidated))
	}
	for _, fn := range listeners {
		fn(ep)
	}
}

// OnEndpointGone registers fn to run after an endpoint leaves the routing
// table.
func (r *Router) OnEndpointGone(fn func(*endpoint.Endpoint)) {
	r.mu.Lock()
	r.goneListeners = append(r.goneListeners, fn)
	r.mu.Unlock()
}

// AddAlias gives the endpoint named owner the well-known name.
func (r *Router) AddAlias(name, owner string) error {
	if name == "" || protocol.IsUniqueName(name) {
		return fmt.Errorf("%q: %w", name, ErrBadName)
	}

	r.mu.Lock()
	h, ok := r.names[owner]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", owner, ErrNoRoute)
	}
	ep, ok := r.arena.Get(h)
	if !ok || !ep.IsValid() {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", owner, endpoint.ErrInvalidated)
	}
	if cur, ok := r.aliases[name]; ok {
		r.mu.Unlock()
		if cur == h {
			return nil
		}
		return fmt.Errorf("%s: %w", name, ErrNameTaken)
	}
	r.aliases[name] = h
	ep.AddAlias(name)
	r.mu.Unlock()

	r.signalNameOwnerChanged(name, "", owner)
	return nil
}

// RemoveAlias releases a well-known name held by owner.
func (r *Router) RemoveAlias(name, owner string) error {
	r.mu.Lock()
	h, ok := r.aliases[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotOwner)
	}
	ep, ok := r.arena.Get(h)
	if !ok || ep.UniqueName() != owner {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotOwner)
	}
	delete(r.aliases, name)
	ep.RemoveAlias(name)
	r.mu.Unlock()

	r.signalNameOwnerChanged(name, owner, "")
	return nil
}

// Route delivers msg to its destination. Unique names of other routers go
// over a link to that router. An empty destination broadcasts a signal to
// every attachment of this router and, for global signals sent from here,
// to every linked router.
func (r *Router) Route(msg *protocol.Message) error {
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	if msg.Destination == "" {
		return r.broadcast(msg)
	}

	ep, err := r.resolve(msg.Destination)
	if err != nil {
		return err
	}
	return ep.Deliver(msg)
}

func (r *Router) resolve(dest string) (*endpoint.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.lookupLocked(dest); ok {
		if !ep.IsValid() {
			return nil, fmt.Errorf("%s: %w", dest, endpoint.ErrInvalidated)
		}
		return ep, nil
	}
	if protocol.IsUniqueName(dest) {
		prefix, _, err := protocol.ParseUniqueName(dest)
		if err == nil && prefix != r.guid {
			if ep, ok := r.linkLocked(prefix); ok {
				return ep, nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", dest, ErrNoRoute)
}

func (r *Router) broadcast(msg *protocol.Message) error {
	fromHere := true
	if prefix, _, err := protocol.ParseUniqueName(msg.Sender); err == nil {
		fromHere = prefix == r.guid
	}

	seen := make(map[string]bool)
	var errs []error
	r.arena.Each(func(_ endpoint.Handle, ep *endpoint.Endpoint) {
		if !ep.IsValid() || ep.UniqueName() == msg.Sender {
			return
		}
		switch ep.Kind() {
		case endpoint.KindLocal:
			return
		case endpoint.KindBus2Bus:
			guid := ep.GUIDPrefix()
			if !fromHere || msg.Flags&protocol.FlagGlobal == 0 || seen[guid] {
				return
			}
			seen[guid] = true
		}
		if err := ep.Deliver(msg); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// Close invalidates every endpoint and fails pending controller calls.
func (r *Router) Close() error {
	r.cancel()
	r.caller.Close()
	for _, ep := range r.Endpoints() {
		r.remove(ep)
	}
	return nil
}
