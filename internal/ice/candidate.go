// Package ice implements the candidate side of NAT traversal: candidate
// gathering against STUN/TURN servers, per-candidate retransmission and
// keepalive tracking, and ICE connectivity checks between two agents.
package ice

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/1ureka/p2pbus/internal/util"
)

// CandidateType identifies how a candidate address was obtained.
type CandidateType uint8

const (
	CandidateHost CandidateType = iota + 1
	CandidateServerReflexive
	CandidatePeerReflexive
	CandidateRelayed
)

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateRelayed:
		return "relay"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Type preferences and the local preference used for every candidate of a
// single-homed agent.
const (
	PreferenceHost            = 126
	PreferencePeerReflexive   = 110
	PreferenceServerReflexive = 100
	PreferenceRelayed         = 0

	DefaultLocalPreference = 65535

	// ComponentRTP is the only component a bus link uses.
	ComponentRTP = 1
)

// TypePreference returns the type preference of t, or an *InvariantError
// for values outside the candidate kinds.
func TypePreference(t CandidateType) (uint32, error) {
	switch t {
	case CandidateHost:
		return PreferenceHost, nil
	case CandidateServerReflexive:
		return PreferenceServerReflexive, nil
	case CandidatePeerReflexive:
		return PreferencePeerReflexive, nil
	case CandidateRelayed:
		return PreferenceRelayed, nil
	default:
		return 0, &InvariantError{What: "no type preference for candidate kind " + t.String()}
	}
}

// Priority computes a candidate priority:
//
//	(typePref << 24) + (localPref << 8) + (256 - component)
//
// with each field masked to its width.
func Priority(t CandidateType, localPref uint32, component uint16) (uint32, error) {
	typePref, err := TypePreference(t)
	if err != nil {
		return 0, err
	}
	return (typePref<<24)&0x7e000000 + (localPref<<8)&0x00ffff00 + 256 - uint32(component), nil
}

// PairPriority computes the priority of a candidate pair from the
// controlling agent's candidate priority g and the controlled agent's d.
func PairPriority(g, d uint32) uint64 {
	lo, hi := uint64(g), uint64(d)
	if lo > hi {
		lo, hi = hi, lo
	}
	p := lo<<32 + 2*hi
	if g > d {
		p++
	}
	return p
}

// Foundation groups candidates that share type, base address, server and
// protocol; candidates with equal foundations are expected to behave alike
// under NAT.
func Foundation(t CandidateType, base netip.Addr, server netip.AddrPort, protocol string) string {
	return strconv.FormatUint(uint64(util.Hash32(t.String(), base.String(), server.String(), protocol)), 10)
}

// Candidate is one transport address at which an agent may be reached.
type Candidate struct {
	Type       CandidateType
	Addr       netip.AddrPort // transport address
	Base       netip.AddrPort // local address the candidate sends from
	Server     netip.AddrPort // STUN/TURN server that produced it, if any
	Component  uint16
	Protocol   string
	Priority   uint32
	Foundation string

	// Lifetime is the allocation lifetime of a relayed candidate.
	Lifetime time.Duration

	// Activity tracks retransmission or keepalive state for the candidate.
	Activity *StunActivity
	// PermissionActivity tracks the TURN permission refresh of a relayed
	// candidate, separate from the allocation refresh in Activity.
	PermissionActivity *StunActivity
}

// NewCandidate fills in priority and foundation for a candidate of type t.
func NewCandidate(t CandidateType, addr, base, server netip.AddrPort) (*Candidate, error) {
	prio, err := Priority(t, DefaultLocalPreference, ComponentRTP)
	if err != nil {
		return nil, err
	}
	return &Candidate{
		Type:       t,
		Addr:       addr,
		Base:       base,
		Server:     server,
		Component:  ComponentRTP,
		Protocol:   "udp",
		Priority:   prio,
		Foundation: Foundation(t, base.Addr(), server, "udp"),
	}, nil
}

// String renders the candidate in SDP attribute form.
func (c *Candidate) String() string {
	s := fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.Addr.Addr(), c.Addr.Port(), c.Type)
	if c.Type != CandidateHost && c.Base.IsValid() {
		s += fmt.Sprintf(" raddr %s rport %d", c.Base.Addr(), c.Base.Port())
	}
	return s
}

// ParseCandidate reads a candidate in the SDP attribute form produced by
// String. For a host candidate the base is its own address; for the other
// kinds it is the related address when one is given.
func ParseCandidate(s string) (*Candidate, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(s), "a="))
	if len(fields) < 8 || !strings.HasPrefix(fields[0], "candidate:") || fields[6] != "typ" {
		return nil, fmt.Errorf("ice: malformed candidate %q", s)
	}
	comp, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("ice: candidate component: %w", err)
	}
	prio, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("ice: candidate priority: %w", err)
	}
	addr, err := parseAddrPort(fields[4], fields[5])
	if err != nil {
		return nil, err
	}

	c := &Candidate{
		Foundation: strings.TrimPrefix(fields[0], "candidate:"),
		Component:  uint16(comp),
		Protocol:   strings.ToLower(fields[2]),
		Priority:   uint32(prio),
		Addr:       addr,
		Base:       addr,
	}
	switch fields[7] {
	case "host":
		c.Type = CandidateHost
	case "srflx":
		c.Type = CandidateServerReflexive
	case "prflx":
		c.Type = CandidatePeerReflexive
	case "relay":
		c.Type = CandidateRelayed
	default:
		return nil, fmt.Errorf("ice: unknown candidate type %q", fields[7])
	}

	rest := fields[8:]
	for len(rest) >= 4 && rest[0] == "raddr" && rest[2] == "rport" {
		base, err := parseAddrPort(rest[1], rest[3])
		if err != nil {
			return nil, err
		}
		if c.Type != CandidateHost {
			c.Base = base
		}
		rest = rest[4:]
	}
	return c, nil
}

func parseAddrPort(ip, port string) (netip.AddrPort, error) {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("ice: candidate address: %w", err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("ice: candidate port: %w", err)
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(p)), nil
}

// InvariantError reports an internal consistency violation such as an
// unknown candidate kind.
type InvariantError struct {
	What string
}

func (e *InvariantError) Error() string { return "ice: invariant violated: " + e.What }
