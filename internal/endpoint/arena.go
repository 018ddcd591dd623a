package endpoint

import (
	"fmt"

	"github.com/1ureka/p2pbus/internal/syncx"
)

// Handle is a stable reference to an arena slot. A handle whose slot was
// removed, or reused for another endpoint, no longer resolves.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("%d@%d", h.index, h.gen) }

type slot struct {
	gen uint32
	ep  *Endpoint
}

// Arena owns the live endpoints of a router.
type Arena struct {
	mu    syncx.Mutex
	slots []slot
	free  []uint32
	live  int
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{mu: syncx.Mutex{Name: "endpoint-arena"}}
}

// Insert stores ep and returns its handle.
func (a *Arena) Insert(ep *Endpoint) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.ep = ep
	a.live++

	h := Handle{index: idx, gen: s.gen}
	ep.setHandle(h)
	return h
}

// Get resolves h. Stale and zero handles report false.
func (a *Arena) Get(h Handle) (*Endpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.IsZero() || int(h.index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.index]
	if s.gen != h.gen || s.ep == nil {
		return nil, false
	}
	return s.ep, true
}

// Remove frees the slot of h and returns the endpoint it held. Removing a
// stale handle is a no-op.
func (a *Arena) Remove(h Handle) (*Endpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.IsZero() || int(h.index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[h.index]
	if s.gen != h.gen || s.ep == nil {
		return nil, false
	}
	ep := s.ep
	s.ep = nil
	a.free = append(a.free, h.index)
	a.live--
	return ep, true
}

// Len returns the number of live endpoints.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Each calls fn for every live endpoint in slot order.
func (a *Arena) Each(fn func(Handle, *Endpoint)) {
	a.mu.Lock()
	type entry struct {
		h  Handle
		ep *Endpoint
	}
	entries := make([]entry, 0, a.live)
	for i, s := range a.slots {
		if s.ep != nil {
			entries = append(entries, entry{Handle{uint32(i), s.gen}, s.ep})
		}
	}
	a.mu.Unlock()

	for _, e := range entries {
		fn(e.h, e.ep)
	}
}
