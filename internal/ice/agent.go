package ice

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/p2pbus/internal/stun"
	"github.com/1ureka/p2pbus/internal/syncx"
	"github.com/1ureka/p2pbus/internal/util"
)

// ErrNoPair is returned by Connect when every candidate pair failed.
var ErrNoPair = errors.New("ice: no candidate pair succeeded")

// Credentials are the short-term ICE credentials of one agent.
type Credentials struct {
	Ufrag string
	Pwd   string
}

// NewCredentials generates fresh random credentials.
func NewCredentials() Credentials {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	pwd := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Credentials{Ufrag: id[:8], Pwd: pwd}
}

// Pair is a local/remote candidate pair.
type Pair struct {
	Local    *Candidate
	Remote   *Candidate
	Priority uint64
}

func (p Pair) String() string {
	return fmt.Sprintf("%s -> %s (%d)", p.Local.Addr, p.Remote.Addr, p.Priority)
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	Controlling bool
	Local       Credentials
	Policy      RetransmitPolicy
}

// Agent runs ICE connectivity checks over a Mux. The controlling agent
// checks pairs in priority order and nominates the first that succeeds;
// the controlled agent answers checks and adopts the nominated pair.
type Agent struct {
	mux         *Mux
	cfg         AgentConfig
	tiebreaker  uint64
	nominatedEv syncx.Event

	mu       sync.Mutex
	remote   Credentials
	locals   []*Candidate
	remotes  []*Candidate
	selected *Pair
}

// NewAgent creates an agent answering checks that arrive on mux.
func NewAgent(mux *Mux, cfg AgentConfig) *Agent {
	if cfg.Local.Ufrag == "" {
		cfg.Local = NewCredentials()
	}
	var tb [8]byte
	_, _ = rand.Read(tb[:])

	a := &Agent{mux: mux, cfg: cfg, tiebreaker: binary.BigEndian.Uint64(tb[:])}
	mux.OnMessage(a.handle)
	return a
}

// LocalCredentials returns the credentials to advertise to the peer.
func (a *Agent) LocalCredentials() Credentials { return a.cfg.Local }

// SetLocalCandidates sets the candidates to check from.
func (a *Agent) SetLocalCandidates(cands []*Candidate) {
	a.mu.Lock()
	a.locals = append([]*Candidate(nil), cands...)
	a.mu.Unlock()
}

// SetRemote records the peer's credentials and candidates.
func (a *Agent) SetRemote(creds Credentials, cands []*Candidate) {
	a.mu.Lock()
	a.remote = creds
	a.remotes = append(a.remotes, cands...)
	a.mu.Unlock()
}

// AddRemoteCandidate adds a trickled remote candidate.
func (a *Agent) AddRemoteCandidate(c *Candidate) {
	a.mu.Lock()
	a.remotes = append(a.remotes, c)
	a.mu.Unlock()
}

// RemoteCandidates returns the signaled and learned remote candidates.
func (a *Agent) RemoteCandidates() []*Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Candidate(nil), a.remotes...)
}

// Pairs returns the candidate pairs in check order. Relayed local
// candidates are left out: checks are only sent from the local socket.
func (a *Agent) Pairs() []Pair {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[netip.AddrPort]bool)
	var pairs []Pair
	for _, l := range a.locals {
		if l.Type == CandidateRelayed {
			continue
		}
		for _, r := range a.remotes {
			if l.Addr.Addr().Is4() != r.Addr.Addr().Is4() || seen[r.Addr] {
				continue
			}
			seen[r.Addr] = true
			g, d := l.Priority, r.Priority
			if !a.cfg.Controlling {
				g, d = r.Priority, l.Priority
			}
			pairs = append(pairs, Pair{Local: l, Remote: r, Priority: PairPriority(g, d)})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Priority > pairs[j].Priority })
	return pairs
}

// Selected returns the nominated pair, if any.
func (a *Agent) Selected() (Pair, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selected == nil {
		return Pair{}, false
	}
	return *a.selected, true
}

// Connect checks pairs until one is nominated. A controlling agent returns
// the first pair whose check succeeds; a controlled agent also sends checks
// so its NAT opens toward the peer, then waits for the peer's nomination.
func (a *Agent) Connect(ctx context.Context) (Pair, error) {
	pairs := a.Pairs()
	if len(pairs) == 0 {
		return Pair{}, ErrNoPair
	}

	if !a.cfg.Controlling {
		for _, p := range pairs {
			go func(p Pair) { _ = a.check(ctx, p) }(p)
		}
		if err := a.nominatedEv.Wait(ctx); err != nil {
			return Pair{}, err
		}
		p, _ := a.Selected()
		return p, nil
	}

	var errs []error
	for _, p := range pairs {
		if err := a.check(ctx, p); err != nil {
			util.LogDebug("[ice] check %s failed: %v", p, err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		a.mu.Lock()
		a.selected = &p
		a.mu.Unlock()
		a.nominatedEv.Set()
		util.LogInfo("[ice] nominated %s", p)
		return p, nil
	}
	return Pair{}, errors.Join(append([]error{ErrNoPair}, errs...)...)
}

// check sends one connectivity check on p and verifies the answer.
func (a *Agent) check(ctx context.Context, p Pair) error {
	a.mu.Lock()
	remote := a.remote
	a.mu.Unlock()

	prflx, _ := Priority(CandidatePeerReflexive, DefaultLocalPreference, p.Local.Component)
	attrs := []stun.Attribute{
		stun.Username{Name: remote.Ufrag + ":" + a.cfg.Local.Ufrag},
		stun.Priority{Value: prflx},
	}
	if a.cfg.Controlling {
		attrs = append(attrs, stun.IceControlling{Tiebreaker: a.tiebreaker}, stun.UseCandidate{})
	} else {
		attrs = append(attrs, stun.IceControlled{Tiebreaker: a.tiebreaker})
	}
	key := stun.ShortTermKey(remote.Pwd)
	attrs = append(attrs, stun.MessageIntegrity{Key: key}, stun.Fingerprint{})

	req := stun.New(stun.ClassRequest, stun.MethodBinding, attrs...)
	resp, err := a.mux.RoundTrip(ctx, req, p.Remote.Addr, NewRetransmit(a.cfg.Policy))
	if err != nil {
		return err
	}
	if resp.Class != stun.ClassSuccessResponse {
		return responseError(resp)
	}
	return resp.CheckIntegrity(key)
}

// handle answers connectivity checks addressed to this agent.
func (a *Agent) handle(msg *stun.Message, from netip.AddrPort) {
	if msg.Method != stun.MethodBinding || msg.Class != stun.ClassRequest {
		return
	}
	user, ok := stun.Find[stun.Username](msg)
	if !ok {
		return
	}
	local, _, _ := strings.Cut(user.Name, ":")
	key := stun.ShortTermKey(a.cfg.Local.Pwd)
	if local != a.cfg.Local.Ufrag {
		a.reject(msg, from, 401, "Unauthorized")
		return
	}
	if err := msg.CheckIntegrity(key); err != nil {
		util.LogDebug("[ice] check from %s: %v", from, err)
		a.reject(msg, from, 401, "Unauthorized")
		return
	}

	remote := a.learnRemote(msg, from)
	resp := stun.NewResponse(msg, stun.ClassSuccessResponse,
		stun.XorMappedAddress{Addr: from},
		stun.MessageIntegrity{Key: key},
		stun.Fingerprint{})
	if err := a.mux.Send(resp, from); err != nil {
		util.LogWarning("[ice] answer check from %s: %v", from, err)
		return
	}

	if !a.cfg.Controlling && msg.Has(stun.AttrUseCandidate) && !a.nominatedEv.IsSet() {
		a.mu.Lock()
		var base *Candidate
		for _, l := range a.locals {
			if l.Type == CandidateHost {
				base = l
				break
			}
		}
		if base != nil {
			a.selected = &Pair{Local: base, Remote: remote, Priority: PairPriority(remote.Priority, base.Priority)}
		}
		a.mu.Unlock()
		if base != nil {
			util.LogInfo("[ice] peer nominated %s", from)
			a.nominatedEv.Set()
		}
	}
}

// learnRemote returns the remote candidate for from, adding a
// peer-reflexive one when the address is new.
func (a *Agent) learnRemote(msg *stun.Message, from netip.AddrPort) *Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.remotes {
		if r.Addr == from {
			return r
		}
	}
	c, _ := NewCandidate(CandidatePeerReflexive, from, from, netip.AddrPort{})
	if prio, ok := stun.Find[stun.Priority](msg); ok {
		c.Priority = prio.Value
	}
	c.Activity = NewStunActivity(a.cfg.Policy)
	_ = c.Activity.SetCandidate(c, time.Now())
	a.remotes = append(a.remotes, c)
	util.LogDebug("[ice] learned %s", c)
	return c
}

func (a *Agent) reject(msg *stun.Message, to netip.AddrPort, code int, reason string) {
	resp := stun.NewResponse(msg, stun.ClassErrorResponse,
		stun.ErrorCode{Code: code, Reason: reason}, stun.Fingerprint{})
	_ = a.mux.Send(resp, to)
}
