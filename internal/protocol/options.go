package protocol

import (
	"fmt"
	"math/bits"
	"strings"
)

// TransportMask is a bit set over transports. The bit values travel in
// session negotiation and must not be renumbered.
type TransportMask uint16

const (
	TransportNone      TransportMask = 0x0000
	TransportLocal     TransportMask = 0x0001
	TransportBluetooth TransportMask = 0x0002
	TransportTCP       TransportMask = 0x0004
	TransportWWAN      TransportMask = 0x0008
	TransportLAN       TransportMask = 0x0010
	TransportICE       TransportMask = 0x0020
	TransportProximity TransportMask = 0x0040
	TransportWFD       TransportMask = 0x0080
	TransportUDP       TransportMask = 0x0100

	// TransportWLAN is the legacy name of the TCP bit; both names share
	// 0x0004 on the wire.
	TransportWLAN = TransportTCP

	TransportIP  = TransportTCP | TransportUDP
	TransportAny = TransportMask(0xFFFF) &^ TransportWFD
)

var transportNames = []struct {
	bit  TransportMask
	name string
}{
	{TransportLocal, "local"},
	{TransportBluetooth, "bluetooth"},
	{TransportTCP, "tcp"},
	{TransportWWAN, "wwan"},
	{TransportLAN, "lan"},
	{TransportICE, "ice"},
	{TransportProximity, "proximity"},
	{TransportWFD, "wfd"},
	{TransportUDP, "udp"},
}

// Bits returns the single-bit masks set in m in ascending order.
func (m TransportMask) Bits() []TransportMask {
	var out []TransportMask
	for v := uint16(m); v != 0; v &= v - 1 {
		out = append(out, TransportMask(1)<<bits.TrailingZeros16(v))
	}
	return out
}

func (m TransportMask) String() string {
	if m == TransportNone {
		return "none"
	}
	if m == TransportAny {
		return "any"
	}
	var parts []string
	for _, b := range m.Bits() {
		name := fmt.Sprintf("0x%04x", uint16(b))
		for _, tn := range transportNames {
			if tn.bit == b {
				name = tn.name
				break
			}
		}
		parts = append(parts, name)
	}
	return strings.Join(parts, "|")
}

// ParseTransportMask parses a "|" or "," separated list of transport
// names, plus "ip", "any" and the legacy "wlan".
func ParseTransportMask(s string) (TransportMask, error) {
	var m TransportMask
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		f = strings.ToLower(strings.TrimSpace(f))
		switch f {
		case "any":
			m |= TransportAny
			continue
		case "ip":
			m |= TransportIP
			continue
		case "wlan":
			m |= TransportWLAN
			continue
		}
		found := false
		for _, tn := range transportNames {
			if tn.name == f {
				m |= tn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown transport %q", f)
		}
	}
	return m, nil
}

// TrafficType says what a session carries.
type TrafficType uint8

const (
	TrafficMessages      TrafficType = 0x01
	TrafficRawUnreliable TrafficType = 0x02
	TrafficRawReliable   TrafficType = 0x04
)

func (t TrafficType) String() string {
	switch t {
	case TrafficMessages:
		return "messages"
	case TrafficRawUnreliable:
		return "raw-unreliable"
	case TrafficRawReliable:
		return "raw-reliable"
	default:
		return fmt.Sprintf("traffic(0x%02x)", uint8(t))
	}
}

// Proximity limits how far away session peers may be.
type Proximity uint8

const (
	ProximityAny      Proximity = 0xFF
	ProximityPhysical Proximity = 0x01
	ProximityNetwork  Proximity = 0x02
)

// SessionOpts are the options a session is bound or joined with.
type SessionOpts struct {
	Traffic      TrafficType   `cbor:"1,keyasint"`
	IsMultipoint bool          `cbor:"2,keyasint"`
	Proximity    Proximity     `cbor:"3,keyasint"`
	Transports   TransportMask `cbor:"4,keyasint"`
}

// DefaultSessionOpts are point-to-point message sessions over any
// transport.
func DefaultSessionOpts() SessionOpts {
	return SessionOpts{
		Traffic:    TrafficMessages,
		Proximity:  ProximityAny,
		Transports: TransportAny,
	}
}

// IsCompatible reports whether o and other overlap in transports, traffic
// and proximity. Multipoint does not take part.
func (o SessionOpts) IsCompatible(other SessionOpts) bool {
	return o.Transports&other.Transports != 0 &&
		o.Traffic&other.Traffic != 0 &&
		o.Proximity&other.Proximity != 0
}

// Negotiate combines the creator's options o with a joiner's request:
// transports and proximity are intersected, traffic and multipoint are
// the creator's.
func (o SessionOpts) Negotiate(joiner SessionOpts) (SessionOpts, bool) {
	if !o.IsCompatible(joiner) {
		return SessionOpts{}, false
	}
	return SessionOpts{
		Traffic:      o.Traffic,
		IsMultipoint: o.IsMultipoint,
		Proximity:    o.Proximity & joiner.Proximity,
		Transports:   o.Transports & joiner.Transports,
	}, true
}

func (o SessionOpts) String() string {
	return fmt.Sprintf("traffic=%s multipoint=%v proximity=0x%02x transports=%s",
		o.Traffic, o.IsMultipoint, uint8(o.Proximity), o.Transports)
}
