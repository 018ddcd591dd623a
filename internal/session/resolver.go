package session

import (
	"sync"

	"github.com/1ureka/p2pbus/internal/protocol"
)

// Resolver maps router GUIDs to the bus addresses their transports listen
// on. Static entries come from configuration; learned ones from the Hello
// of routers we have linked to, so a lost link can be redialed.
type Resolver struct {
	mu      sync.RWMutex
	static  map[string]map[string]string
	learned map[string]map[string]string
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		static:  make(map[string]map[string]string),
		learned: make(map[string]map[string]string),
	}
}

// Add records a configured address for guid on the named transport.
func (r *Resolver) Add(guid, transport, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	put(r.static, guid, transport, addr)
}

// Learn records the addresses a peer router advertised.
func (r *Resolver) Learn(hello protocol.HelloBody) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for transport, addr := range hello.Addrs {
		if addr != "" {
			put(r.learned, hello.GUID, transport, addr)
		}
	}
}

// Lookup returns the address of guid on the named transport. Configured
// addresses win over learned ones.
func (r *Resolver) Lookup(guid, transport string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addr, ok := r.static[guid][transport]; ok {
		return addr, true
	}
	addr, ok := r.learned[guid][transport]
	return addr, ok
}

func put(m map[string]map[string]string, guid, transport, addr string) {
	byTransport, ok := m[guid]
	if !ok {
		byTransport = make(map[string]string)
		m[guid] = byTransport
	}
	byTransport[transport] = addr
}
