package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/p2pbus/internal/stun"
	"github.com/1ureka/p2pbus/internal/util"
)

// DefaultKeepAliveInterval is how often reflexive mappings are refreshed.
const DefaultKeepAliveInterval = 15 * time.Second

// PermissionRefreshInterval is how often TURN permissions are reinstalled.
// The server drops a permission five minutes after it was last refreshed.
const PermissionRefreshInterval = 4 * time.Minute

// ErrNoAllocation is returned for permission requests without a TURN
// allocation.
var ErrNoAllocation = errors.New("ice: no TURN allocation")

// GatherConfig names the servers used for gathering and the policies that
// govern their transactions.
type GatherConfig struct {
	STUNServer   netip.AddrPort // zero value disables server-reflexive gathering
	TURNServer   netip.AddrPort // zero value disables relayed gathering
	TURNUsername string
	TURNPassword string

	Policy            RetransmitPolicy
	KeepAliveInterval time.Duration
	Software          string
}

// allocation is the client side of one TURN allocation.
type allocation struct {
	server   netip.AddrPort
	username string
	realm    string
	nonce    string
	key      []byte
	relayed  *Candidate
	lifetime time.Duration

	permissions []netip.Addr
}

// Gatherer collects the local candidates of one Mux and keeps the
// reflexive and relayed ones alive.
type Gatherer struct {
	mux *Mux
	cfg GatherConfig
	now func() time.Time

	mu         sync.Mutex
	candidates []*Candidate
	alloc      *allocation
	servers    map[stun.Method]*StunActivity // Binding: STUN server, Allocate: TURN server
}

// NewGatherer creates a gatherer sending through mux.
func NewGatherer(mux *Mux, cfg GatherConfig) *Gatherer {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.Software == "" {
		cfg.Software = "p2pbus"
	}
	return &Gatherer{mux: mux, cfg: cfg, now: time.Now, servers: make(map[stun.Method]*StunActivity)}
}

// ServerActivity returns the activity of the last gathering transaction
// of method m: Binding for the STUN server, Allocate for the TURN server.
func (g *Gatherer) ServerActivity(m stun.Method) (*StunActivity, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.servers[m]
	return a, ok
}

// serverActivity starts a fresh activity for a transaction sent from
// host's base, leaving host's own activity untouched.
func (g *Gatherer) serverActivity(m stun.Method, host *Candidate) *StunActivity {
	a := NewStunActivity(g.cfg.Policy)
	a.Candidate = host
	g.mu.Lock()
	g.servers[m] = a
	g.mu.Unlock()
	return a
}

// Candidates returns the candidates gathered so far.
func (g *Gatherer) Candidates() []*Candidate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Candidate(nil), g.candidates...)
}

func (g *Gatherer) add(c *Candidate) {
	g.mu.Lock()
	g.candidates = append(g.candidates, c)
	g.mu.Unlock()
}

// Gather collects host candidates for the mux socket, a server-reflexive
// candidate from the STUN server and a relayed candidate from the TURN
// server. A server that fails is skipped: the candidates found so far are
// returned together with an error joining every server failure.
func (g *Gatherer) Gather(ctx context.Context) ([]*Candidate, error) {
	base := g.mux.LocalAddr()

	hosts, err := hostAddrs(base)
	if err != nil {
		return nil, err
	}
	var first *Candidate
	for _, addr := range hosts {
		c, err := g.newCandidate(CandidateHost, addr, addr, netip.AddrPort{})
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = c
		}
		g.add(c)
		util.LogDebug("[ice] gathered %s", c)
	}

	var errs []error
	if g.cfg.STUNServer.IsValid() {
		if err := g.gatherReflexive(ctx, first); err != nil {
			util.LogWarning("[ice] STUN server %s: %v", g.cfg.STUNServer, err)
			errs = append(errs, fmt.Errorf("stun %s: %w", g.cfg.STUNServer, err))
		}
	}
	if g.cfg.TURNServer.IsValid() {
		if err := g.gatherRelayed(ctx, first); err != nil {
			util.LogWarning("[ice] TURN server %s: %v", g.cfg.TURNServer, err)
			errs = append(errs, fmt.Errorf("turn %s: %w", g.cfg.TURNServer, err))
		}
	}

	return g.Candidates(), errors.Join(errs...)
}

func (g *Gatherer) newCandidate(t CandidateType, addr, base, server netip.AddrPort) (*Candidate, error) {
	c, err := NewCandidate(t, addr, base, server)
	if err != nil {
		return nil, err
	}
	if err := NewStunActivity(g.cfg.Policy).SetCandidate(c, g.now()); err != nil {
		return nil, err
	}
	return c, nil
}

// gatherReflexive runs a Binding transaction on an activity of its own, so
// an unanswered server leaves that activity failed.
func (g *Gatherer) gatherReflexive(ctx context.Context, host *Candidate) error {
	act := g.serverActivity(stun.MethodBinding, host)

	req := stun.New(stun.ClassRequest, stun.MethodBinding,
		stun.Software{Description: g.cfg.Software}, stun.Fingerprint{})
	resp, err := g.mux.RoundTrip(ctx, req, g.cfg.STUNServer, act.Retransmit)
	if err != nil {
		return err
	}
	if resp.Class != stun.ClassSuccessResponse {
		return responseError(resp)
	}

	mapped, ok := mappedAddress(resp)
	if !ok {
		return fmt.Errorf("%w: binding response without mapped address", stun.ErrBadAttribute)
	}
	c, err := g.newCandidate(CandidateServerReflexive, mapped, host.Base, g.cfg.STUNServer)
	if err != nil {
		return err
	}
	g.add(c)
	util.LogDebug("[ice] gathered %s", c)
	return nil
}

// gatherRelayed allocates a relayed address, answering the server's
// long-term credential challenge.
func (g *Gatherer) gatherRelayed(ctx context.Context, host *Candidate) error {
	act := g.serverActivity(stun.MethodAllocate, host)

	a := &allocation{server: g.cfg.TURNServer, username: g.cfg.TURNUsername}
	req := stun.New(stun.ClassRequest, stun.MethodAllocate,
		stun.RequestedTransport{Protocol: stun.RequestedTransportUDP},
		stun.Software{Description: g.cfg.Software},
		stun.Fingerprint{})
	resp, err := g.mux.RoundTrip(ctx, req, a.server, act.Retransmit)
	if err != nil {
		return err
	}

	if resp.Class == stun.ClassErrorResponse {
		code, _ := stun.Find[stun.ErrorCode](resp)
		if code.Code != 401 {
			return responseError(resp)
		}
		if err := a.challenge(resp, g.cfg.TURNPassword); err != nil {
			return err
		}

		req = stun.New(stun.ClassRequest, stun.MethodAllocate, a.authenticated(
			stun.RequestedTransport{Protocol: stun.RequestedTransportUDP},
			stun.Software{Description: g.cfg.Software},
		)...)
		act.Retransmit.Arm(g.cfg.Policy)
		if resp, err = g.mux.RoundTrip(ctx, req, a.server, act.Retransmit); err != nil {
			return err
		}
	}
	if resp.Class != stun.ClassSuccessResponse {
		return responseError(resp)
	}
	if a.key != nil {
		if err := resp.CheckIntegrity(a.key); err != nil {
			return err
		}
	}

	relayedAddr, ok := stun.Find[stun.XorRelayedAddress](resp)
	if !ok {
		return fmt.Errorf("%w: allocate response without relayed address", stun.ErrBadAttribute)
	}
	a.lifetime = 10 * time.Minute
	if lt, ok := stun.Find[stun.Lifetime](resp); ok {
		a.lifetime = time.Duration(lt.Seconds) * time.Second
	}

	c, err := g.newCandidate(CandidateRelayed, relayedAddr.Addr, relayedAddr.Addr, a.server)
	if err != nil {
		return err
	}
	c.Lifetime = a.lifetime
	c.PermissionActivity = newPermissionActivity(c, g.cfg.Policy)
	a.relayed = c

	g.mu.Lock()
	g.alloc = a
	g.mu.Unlock()
	g.add(c)
	util.LogDebug("[ice] gathered %s (lifetime %s)", c, a.lifetime)

	if mapped, ok := mappedAddress(resp); ok && !g.hasReflexive(mapped) {
		if srflx, err := g.newCandidate(CandidateServerReflexive, mapped, host.Base, a.server); err == nil {
			g.add(srflx)
		}
	}
	return nil
}

func (g *Gatherer) hasReflexive(addr netip.AddrPort) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.candidates {
		if c.Type == CandidateServerReflexive && c.Addr == addr {
			return true
		}
	}
	return false
}

// challenge records realm and nonce from a 401 response.
func (a *allocation) challenge(resp *stun.Message, password string) error {
	realm, ok1 := stun.Find[stun.Realm](resp)
	nonce, ok2 := stun.Find[stun.Nonce](resp)
	if !ok1 || !ok2 {
		return fmt.Errorf("%w: 401 without REALM and NONCE", stun.ErrBadAttribute)
	}
	a.realm, a.nonce = realm.Value, nonce.Value
	a.key = stun.LongTermKey(a.username, a.realm, password)
	return nil
}

// authenticated appends the long-term credential attributes to attrs.
func (a *allocation) authenticated(attrs ...stun.Attribute) []stun.Attribute {
	return append(attrs,
		stun.Username{Name: a.username},
		stun.Realm{Value: a.realm},
		stun.Nonce{Value: a.nonce},
		stun.MessageIntegrity{Key: a.key},
		stun.Fingerprint{},
	)
}

// Maintain sends keepalives for reflexive candidates and refreshes the TURN
// allocation until ctx is done.
func (g *Gatherer) Maintain(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.KeepAliveInterval / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := g.KeepAlive(ctx); err != nil {
				util.LogWarning("[ice] keepalive: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// KeepAlive runs one maintenance pass: a Binding indication for every
// reflexive candidate whose keepalive is due, and a Refresh for the
// allocation when its candidate is due. Relayed allocations are refreshed
// at the keepalive interval or at half their lifetime, whichever is first.
func (g *Gatherer) KeepAlive(ctx context.Context) error {
	now := g.now()
	var errs []error

	for _, c := range g.Candidates() {
		if c.Activity == nil {
			continue
		}
		rt := c.Activity.Retransmit
		switch c.Type {
		case CandidateServerReflexive:
			if !rt.KeepAliveDue(now, g.cfg.KeepAliveInterval) {
				continue
			}
			ind := stun.New(stun.ClassIndication, stun.MethodBinding, stun.Fingerprint{})
			if err := g.mux.Send(ind, c.Server); err != nil {
				errs = append(errs, err)
				continue
			}
			rt.RecordKeepAlive(now)

		case CandidateRelayed:
			interval := g.cfg.KeepAliveInterval
			if half := c.Lifetime / 2; half > 0 && half < interval {
				interval = half
			}
			if rt.KeepAliveDue(now, interval) {
				if err := g.refresh(ctx, c.Lifetime); err != nil {
					errs = append(errs, err)
				} else {
					rt.RecordKeepAlive(now)
				}
			}

			pa := c.PermissionActivity
			if pa != nil && pa.Retransmit.KeepAliveDue(now, min(g.cfg.KeepAliveInterval, PermissionRefreshInterval)) {
				if err := g.refreshPermissions(ctx); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// CreatePermission lets peers send to the relayed candidate. The TURN
// server only relays traffic from addresses holding a permission; KeepAlive
// reinstalls every permission before it expires, on the relayed
// candidate's PermissionActivity.
func (g *Gatherer) CreatePermission(ctx context.Context, peers ...netip.Addr) error {
	g.mu.Lock()
	a := g.alloc
	var perms []netip.Addr
	if a != nil {
		for _, p := range peers {
			if !slices.Contains(a.permissions, p) {
				a.permissions = append(a.permissions, p)
			}
		}
		perms = slices.Clone(a.permissions)
	}
	g.mu.Unlock()
	if a == nil {
		return ErrNoAllocation
	}
	return g.sendPermissions(ctx, a, perms)
}

func (g *Gatherer) refreshPermissions(ctx context.Context) error {
	g.mu.Lock()
	a := g.alloc
	var perms []netip.Addr
	if a != nil {
		perms = slices.Clone(a.permissions)
	}
	g.mu.Unlock()
	if a == nil || len(perms) == 0 {
		return nil
	}
	return g.sendPermissions(ctx, a, perms)
}

// sendPermissions runs one CreatePermission transaction for perms. On
// success the permission activity enters keepalive mode, stamped now.
func (g *Gatherer) sendPermissions(ctx context.Context, a *allocation, perms []netip.Addr) error {
	attrs := make([]stun.Attribute, 0, len(perms))
	for _, p := range perms {
		attrs = append(attrs, stun.XorPeerAddress{Addr: netip.AddrPortFrom(p, 0)})
	}
	act := a.relayed.PermissionActivity
	if err := g.authRoundTrip(ctx, a, stun.MethodCreatePermission, act.Retransmit, attrs...); err != nil {
		return fmt.Errorf("create permission: %w", err)
	}
	act.Retransmit.EnterKeepAlive(g.now())
	util.LogDebug("[ice] permissions on %s for %v", a.relayed.Addr, perms)
	return nil
}

// Release deletes the TURN allocation by refreshing it with a zero
// lifetime.
func (g *Gatherer) Release(ctx context.Context) error {
	g.mu.Lock()
	a := g.alloc
	g.alloc = nil
	g.mu.Unlock()
	if a == nil {
		return nil
	}
	return g.refreshAllocation(ctx, a, 0)
}

func (g *Gatherer) refresh(ctx context.Context, lifetime time.Duration) error {
	g.mu.Lock()
	a := g.alloc
	g.mu.Unlock()
	if a == nil {
		return nil
	}
	return g.refreshAllocation(ctx, a, lifetime)
}

func (g *Gatherer) refreshAllocation(ctx context.Context, a *allocation, lifetime time.Duration) error {
	return g.authRoundTrip(ctx, a, stun.MethodRefresh, NewRetransmit(g.cfg.Policy),
		stun.Lifetime{Seconds: uint32(lifetime / time.Second)})
}

// authRoundTrip sends an authenticated request of method m to the TURN
// server, retrying once with the fresh nonce of a 401 or 438 answer. rt is
// re-armed for every request.
func (g *Gatherer) authRoundTrip(ctx context.Context, a *allocation, m stun.Method, rt *Retransmit, attrs ...stun.Attribute) error {
	send := func() (*stun.Message, error) {
		rt.Arm(g.cfg.Policy)
		req := stun.New(stun.ClassRequest, m, a.authenticated(slices.Clip(attrs)...)...)
		return g.mux.RoundTrip(ctx, req, a.server, rt)
	}

	resp, err := send()
	if err != nil {
		return err
	}
	if resp.Class == stun.ClassErrorResponse {
		code, _ := stun.Find[stun.ErrorCode](resp)
		if code.Code != 401 && code.Code != 438 {
			return responseError(resp)
		}
		// Stale nonce: take the new one and try once more.
		if nonce, ok := stun.Find[stun.Nonce](resp); ok {
			a.nonce = nonce.Value
		}
		if resp, err = send(); err != nil {
			return err
		}
	}
	if resp.Class != stun.ClassSuccessResponse {
		return responseError(resp)
	}
	return resp.CheckIntegrity(a.key)
}

func mappedAddress(m *stun.Message) (netip.AddrPort, bool) {
	if x, ok := stun.Find[stun.XorMappedAddress](m); ok {
		return x.Addr, true
	}
	if x, ok := stun.Find[stun.MappedAddress](m); ok {
		return x.Addr, true
	}
	return netip.AddrPort{}, false
}

// ResponseError is a STUN error response surfaced as a Go error.
type ResponseError struct {
	Method stun.Method
	Code   int
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("ice: %s failed: %d %s", e.Method, e.Code, e.Reason)
}

func responseError(m *stun.Message) error {
	code, _ := stun.Find[stun.ErrorCode](m)
	return &ResponseError{Method: m.Method, Code: code.Code, Reason: code.Reason}
}

// hostAddrs expands an unspecified bind address into the machine's usable
// interface addresses of the same family.
func hostAddrs(base netip.AddrPort) ([]netip.AddrPort, error) {
	if !base.Addr().IsUnspecified() {
		return []netip.AddrPort{base}, nil
	}

	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}
	var out []netip.AddrPort
	for _, a := range ifAddrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		ip := prefix.Addr().Unmap()
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.Is4() != base.Addr().Unmap().Is4() {
			continue
		}
		out = append(out, netip.AddrPortFrom(ip, base.Port()))
	}
	if len(out) == 0 {
		out = append(out, netip.AddrPortFrom(netip.IPv4Unspecified(), base.Port()))
	}
	return out, nil
}
