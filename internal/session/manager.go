// Package session multiplexes sessions over router links. The host's router
// runs the creator side (bound ports, negotiation, the host's accept
// decision); the joiner's router runs the joiner side (transport choice,
// link setup, AttachSession). Both sides keep the member set of every
// session they take part in and report link loss to their members.
package session

import (
	"cmp"
	"errors"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/router"
	"github.com/1ureka/p2pbus/internal/syncx"
	"github.com/1ureka/p2pbus/internal/transport"
	"github.com/1ureka/p2pbus/internal/util"
)

var (
	ErrNoTransport = errors.New("no transport can reach the router")
	ErrPortInUse   = errors.New("session port already bound")
	ErrNotBound    = errors.New("session port not bound")
	ErrNoSession   = errors.New("no such session")
	ErrNotLocal    = errors.New("endpoint is not attached to this router")
)

// DefaultJoinTimeout bounds connecting, AttachSession and the host's
// accept decision together.
const DefaultJoinTimeout = 30 * time.Second

// Session lost reasons.
const (
	ReasonLeft     = "member left"
	ReasonLinkLost = "link lost"
	ReasonGone     = "member disconnected"
)

// Config configures a Manager.
type Config struct {
	Router      *router.Router
	Transports  []transport.Transport
	Resolver    *Resolver // created when nil
	JoinTimeout time.Duration
}

type portKey struct {
	host string
	port uint16
}

type binding struct {
	host      string
	port      uint16
	opts      protocol.SessionOpts
	state     CreatorState
	sessionID uint32 // the open multipoint session, 0 when none
}

type session struct {
	id      uint32
	host    string
	port    uint16
	opts    protocol.SessionOpts
	members []string
}

func (s *session) has(name string) bool { return slices.Contains(s.members, name) }

func (s *session) remove(name string) bool {
	i := slices.Index(s.members, name)
	if i < 0 {
		return false
	}
	s.members = slices.Delete(s.members, i, i+1)
	return true
}

func (s *session) snapshot() Session {
	return Session{
		ID:      s.id,
		Host:    s.host,
		Port:    s.port,
		Opts:    s.opts,
		Members: slices.Clone(s.members),
	}
}

// Manager runs the session controller methods of one router.
type Manager struct {
	r          *router.Router
	transports []transport.Transport
	resolver   *Resolver
	stats      *util.Stats
	timeout    time.Duration

	mu          syncx.Mutex
	ports       map[portKey]*binding
	sessions    map[uint32]*session
	attempts    map[uint64]*JoinAttempt // in flight
	finished    []JoinAttempt           // last finishedAttempts terminal ones
	nextAttempt uint64
}

// finishedAttempts bounds the history of terminal join attempts.
const finishedAttempts = 32

// New creates a manager and installs its controller methods on the router.
func New(cfg Config) *Manager {
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	m := &Manager{
		r:          cfg.Router,
		transports: cfg.Transports,
		resolver:   cfg.Resolver,
		stats:      cfg.Router.Stats(),
		timeout:    cfg.JoinTimeout,
		mu:         syncx.Mutex{Name: "session-manager"},
		ports:      make(map[portKey]*binding),
		sessions:   make(map[uint32]*session),
		attempts:   make(map[uint64]*JoinAttempt),
	}

	m.r.OnLink(m.resolver.Learn)
	m.r.OnEndpointGone(m.endpointGone)

	m.r.Handle(protocol.MemberBindSessionPort, m.handleBind)
	m.r.Handle(protocol.MemberUnbindSession, m.handleUnbind)
	m.r.Handle(protocol.MemberJoinSession, m.handleJoin)
	m.r.Handle(protocol.MemberLeaveSession, m.handleLeave)
	m.r.Handle(protocol.MemberGetSessionInfo, m.handleInfo)
	m.r.Handle(protocol.MemberAttachSession, m.handleAttach)
	m.r.Handle(protocol.MemberDetachSession, m.handleDetach)
	return m
}

// Resolver returns the address resolver used for joins.
func (m *Manager) Resolver() *Resolver { return m.resolver }

// ---------------------------------------------------------------------------
// Session ports
// ---------------------------------------------------------------------------

// BindSessionPort binds port for host, a local attachment. Port 0 picks
// the lowest free port.
func (m *Manager) BindSessionPort(host string, port uint16, opts protocol.SessionOpts) (uint16, error) {
	ep, ok := m.r.FindEndpoint(host)
	if !ok || ep.GUIDPrefix() != m.r.GUID() {
		return 0, ErrNotLocal
	}
	host = ep.UniqueName()

	m.mu.Lock()
	defer m.mu.Unlock()

	if port == 0 {
		for p := uint16(1); p != 0; p++ {
			if _, used := m.ports[portKey{host, p}]; !used {
				port = p
				break
			}
		}
		if port == 0 {
			return 0, ErrPortInUse
		}
	}
	key := portKey{host, port}
	if _, ok := m.ports[key]; ok {
		return 0, ErrPortInUse
	}
	m.ports[key] = &binding{host: host, port: port, opts: opts, state: CreatorBound}
	util.LogDebug("[session] %s bound port %d (%s)", host, port, opts)
	return port, nil
}

// UnbindSessionPort releases a port bound by host. Sessions already
// established on it are not affected.
func (m *Manager) UnbindSessionPort(host string, port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := portKey{host, port}
	if _, ok := m.ports[key]; !ok {
		return ErrNotBound
	}
	delete(m.ports, key)
	return nil
}

// CreatorState reports the state of host's binding of port.
func (m *Manager) CreatorState(host string, port uint16) CreatorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.ports[portKey{host, port}]; ok {
		return b.state
	}
	return CreatorUnbound
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Session returns a snapshot of session id.
func (m *Manager) Session(id uint32) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Sessions returns snapshots of every session, ordered by id.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	slices.SortFunc(out, func(a, b Session) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Attempt returns a snapshot of join attempt id.
func (m *Manager) Attempt(id uint64) (JoinAttempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[id]; ok {
		return *a, true
	}
	for _, a := range m.finished {
		if a.ID == id {
			return a, true
		}
	}
	return JoinAttempt{}, false
}

// Finished returns the most recent terminal join attempts, oldest first.
func (m *Manager) Finished() []JoinAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.finished)
}

// Attempts returns snapshots of the join attempts in flight, oldest first.
func (m *Manager) Attempts() []JoinAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JoinAttempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, *a)
	}
	slices.SortFunc(out, func(a, b JoinAttempt) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// newSessionIDLocked returns a random id not in use on this router.
func (m *Manager) newSessionIDLocked() uint32 {
	for {
		id := rand.Uint32()
		if _, used := m.sessions[id]; id != 0 && !used {
			return id
		}
	}
}

// guidOf returns the router prefix of a unique name, or "" for other names.
func guidOf(name string) string {
	prefix, _, err := protocol.ParseUniqueName(name)
	if err != nil {
		return ""
	}
	return prefix
}

// tagSession marks the local endpoint name as taking part in session id.
func (m *Manager) tagSession(name string, id uint32, in bool) {
	if guidOf(name) != m.r.GUID() {
		return
	}
	if ep, ok := m.r.FindEndpoint(name); ok {
		if in {
			ep.AddSession(id)
		} else {
			ep.RemoveSession(id)
		}
	}
}

func (m *Manager) signal(dest, member string, id uint32, body protocol.SessionEventBody) {
	if err := m.r.Signal(dest, member, id, body); err != nil {
		util.LogDebug("[session 0x%08x] %s to %s undeliverable: %v", id, member, dest, err)
	}
}
