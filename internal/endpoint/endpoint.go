// Package endpoint models the router's view of one connection: an
// attachment in this process, a remote client, or a link to another
// router. Endpoints are owned by an Arena and referenced by Handle.
package endpoint

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/syncx"
)

// ErrInvalidated is returned when traffic is routed to an endpoint whose
// connection has gone.
var ErrInvalidated = errors.New("endpoint invalidated")

// Kind says what sits behind an endpoint.
type Kind uint8

const (
	KindNull       Kind = iota // attachment living in the router's process
	KindLocal                  // the router's own controller object
	KindRemote                 // client attachment connected over a transport
	KindBus2Bus                // link to another router
	KindNullLegacy             // in-process attachment speaking the legacy protocol
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindBus2Bus:
		return "bus2bus"
	case KindNullLegacy:
		return "null-legacy"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Sink receives the messages routed to an endpoint.
type Sink interface {
	Deliver(msg *protocol.Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg *protocol.Message) error

// Deliver calls f(msg).
func (f SinkFunc) Deliver(msg *protocol.Message) error { return f(msg) }

// Endpoint is one connection known to the router.
type Endpoint struct {
	name       string
	controller string
	kind       Kind
	sink       Sink

	valid      atomic.Bool
	invalidate sync.Once

	mu        syncx.Mutex
	handle    Handle
	sessions  map[uint32]struct{}
	aliases   map[string]struct{}
	onInvalid []func(*Endpoint)
}

// New creates a valid endpoint. name must be a well-formed unique name so
// that the controller name can always be derived.
func New(kind Kind, name string, sink Sink) (*Endpoint, error) {
	controller, err := protocol.ControllerName(name)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("endpoint %s: nil sink", name)
	}
	ep := &Endpoint{
		name:       name,
		controller: controller,
		kind:       kind,
		sink:       sink,
		mu:         syncx.Mutex{Name: "endpoint " + name},
		sessions:   make(map[uint32]struct{}),
		aliases:    make(map[string]struct{}),
	}
	ep.valid.Store(true)
	return ep, nil
}

// UniqueName returns the endpoint's unique bus name.
func (e *Endpoint) UniqueName() string { return e.name }

// ControllerUniqueName returns the name of the controller object of the
// router that owns this endpoint.
func (e *Endpoint) ControllerUniqueName() string { return e.controller }

// GUIDPrefix returns the router prefix of the unique name.
func (e *Endpoint) GUIDPrefix() string {
	prefix, _, _ := protocol.ParseUniqueName(e.name)
	return prefix
}

// Kind returns the endpoint kind.
func (e *Endpoint) Kind() Kind { return e.kind }

// IsValid reports whether the endpoint still accepts new traffic.
func (e *Endpoint) IsValid() bool { return e.valid.Load() }

// Invalidate marks the endpoint unusable for new traffic and runs the
// OnInvalidate hooks. Only the first call has an effect. The endpoint
// object stays usable for inspection by anyone still holding it.
func (e *Endpoint) Invalidate() {
	e.invalidate.Do(func() {
		e.valid.Store(false)

		e.mu.Lock()
		hooks := e.onInvalid
		e.onInvalid = nil
		e.mu.Unlock()

		for _, fn := range hooks {
			fn(e)
		}
	})
}

// OnInvalidate registers fn to run once when the endpoint is invalidated.
// If it already is, fn runs immediately.
func (e *Endpoint) OnInvalidate(fn func(*Endpoint)) {
	e.mu.Lock()
	if e.IsValid() {
		e.onInvalid = append(e.onInvalid, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	fn(e)
}

// Deliver hands msg to the endpoint's sink. It fails with ErrInvalidated
// once the endpoint is invalid.
func (e *Endpoint) Deliver(msg *protocol.Message) error {
	if !e.IsValid() {
		return fmt.Errorf("%s: %w", e.name, ErrInvalidated)
	}
	return e.sink.Deliver(msg)
}

// Handle returns the arena handle, zero before insertion.
func (e *Endpoint) Handle() Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

func (e *Endpoint) setHandle(h Handle) {
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()
}

// AddSession records that the endpoint takes part in session id.
func (e *Endpoint) AddSession(id uint32) {
	e.mu.Lock()
	e.sessions[id] = struct{}{}
	e.mu.Unlock()
}

// RemoveSession forgets session id.
func (e *Endpoint) RemoveSession(id uint32) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}

// InSession reports whether the endpoint takes part in session id.
func (e *Endpoint) InSession(id uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[id]
	return ok
}

// Sessions returns the session ids in ascending order.
func (e *Endpoint) Sessions() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint32, 0, len(e.sessions))
	for id := range e.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddAlias records a well-known name owned by the endpoint.
func (e *Endpoint) AddAlias(name string) {
	e.mu.Lock()
	e.aliases[name] = struct{}{}
	e.mu.Unlock()
}

// RemoveAlias forgets a well-known name.
func (e *Endpoint) RemoveAlias(name string) {
	e.mu.Lock()
	delete(e.aliases, name)
	e.mu.Unlock()
}

// Aliases returns the well-known names in sorted order.
func (e *Endpoint) Aliases() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.aliases))
	for n := range e.aliases {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s endpoint %s", e.kind, e.name)
}
