package stun

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// AttrType is the 16-bit attribute type. Types below 0x8000 are
// comprehension-required.
type AttrType uint16

const (
	AttrMappedAddress      AttrType = 0x0001
	AttrUsername           AttrType = 0x0006
	AttrMessageIntegrity   AttrType = 0x0008
	AttrErrorCode          AttrType = 0x0009
	AttrUnknownAttributes  AttrType = 0x000A
	AttrChannelNumber      AttrType = 0x000C
	AttrLifetime           AttrType = 0x000D
	AttrXorPeerAddress     AttrType = 0x0012
	AttrData               AttrType = 0x0013
	AttrRealm              AttrType = 0x0014
	AttrNonce              AttrType = 0x0015
	AttrXorRelayedAddress  AttrType = 0x0016
	AttrEvenPort           AttrType = 0x0018
	AttrRequestedTransport AttrType = 0x0019
	AttrDontFragment       AttrType = 0x001A
	AttrXorMappedAddress   AttrType = 0x0020
	AttrReservationToken   AttrType = 0x0022
	AttrPriority           AttrType = 0x0024
	AttrUseCandidate       AttrType = 0x0025
	AttrSoftware           AttrType = 0x8022
	AttrAlternateServer    AttrType = 0x8023
	AttrFingerprint        AttrType = 0x8028
	AttrIceControlled      AttrType = 0x8029
	AttrIceControlling     AttrType = 0x802A
)

// ComprehensionRequired reports whether an agent that does not know the
// type must reject the message.
func (t AttrType) ComprehensionRequired() bool { return t < 0x8000 }

func (t AttrType) String() string {
	if name, ok := attrNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

var attrNames = map[AttrType]string{
	AttrMappedAddress:      "MAPPED-ADDRESS",
	AttrUsername:           "USERNAME",
	AttrMessageIntegrity:   "MESSAGE-INTEGRITY",
	AttrErrorCode:          "ERROR-CODE",
	AttrUnknownAttributes:  "UNKNOWN-ATTRIBUTES",
	AttrChannelNumber:      "CHANNEL-NUMBER",
	AttrLifetime:           "LIFETIME",
	AttrXorPeerAddress:     "XOR-PEER-ADDRESS",
	AttrData:               "DATA",
	AttrRealm:              "REALM",
	AttrNonce:              "NONCE",
	AttrXorRelayedAddress:  "XOR-RELAYED-ADDRESS",
	AttrEvenPort:           "EVEN-PORT",
	AttrRequestedTransport: "REQUESTED-TRANSPORT",
	AttrDontFragment:       "DONT-FRAGMENT",
	AttrXorMappedAddress:   "XOR-MAPPED-ADDRESS",
	AttrReservationToken:   "RESERVATION-TOKEN",
	AttrPriority:           "PRIORITY",
	AttrUseCandidate:       "USE-CANDIDATE",
	AttrSoftware:           "SOFTWARE",
	AttrAlternateServer:    "ALTERNATE-SERVER",
	AttrFingerprint:        "FINGERPRINT",
	AttrIceControlled:      "ICE-CONTROLLED",
	AttrIceControlling:     "ICE-CONTROLLING",
}

// Attribute is one of the attribute kinds defined in this package. The set
// is closed: the unexported marker keeps other packages from adding kinds,
// and the codec switches over the concrete types.
type Attribute interface {
	Type() AttrType
	attribute()
}

// ---------------------------------------------------------------------------
// Attribute kinds
// ---------------------------------------------------------------------------

// RequestedTransportUDP is the protocol number TURN allocations ask for.
const RequestedTransportUDP = 17

type (
	// MappedAddress is the plain (non-XORed) reflexive address of RFC 3489.
	MappedAddress struct{ Addr netip.AddrPort }
	// AlternateServer redirects the client to another server.
	AlternateServer struct{ Addr netip.AddrPort }
	// XorMappedAddress is the reflexive transport address seen by the server.
	XorMappedAddress struct{ Addr netip.AddrPort }
	// XorPeerAddress names the remote peer of a TURN permission or Send.
	XorPeerAddress struct{ Addr netip.AddrPort }
	// XorRelayedAddress is the address a TURN server allocated for the client.
	XorRelayedAddress struct{ Addr netip.AddrPort }

	Username struct{ Name string }
	Software struct{ Description string }
	Realm    struct{ Value string }
	Nonce    struct{ Value string }

	// MessageIntegrity carries the HMAC-SHA1 of the message. Key is used to
	// compute the HMAC when the message is rendered and is never sent.
	MessageIntegrity struct {
		Key  []byte
		HMAC [20]byte
	}
	// Fingerprint is the CRC-32 of the message XORed with 0x5354554e. It is
	// computed when the message is rendered.
	Fingerprint struct{ CRC uint32 }

	ErrorCode struct {
		Code   int
		Reason string
	}
	UnknownAttributes struct{ Types []AttrType }

	ChannelNumber      struct{ Number uint16 }
	Lifetime           struct{ Seconds uint32 }
	Data               struct{ Payload []byte }
	EvenPort           struct{ ReserveNext bool }
	RequestedTransport struct{ Protocol uint8 }
	DontFragment       struct{}
	ReservationToken   struct{ Token [8]byte }

	Priority       struct{ Value uint32 }
	UseCandidate   struct{}
	IceControlled  struct{ Tiebreaker uint64 }
	IceControlling struct{ Tiebreaker uint64 }

	// Unknown keeps a comprehension-optional attribute this codec does not
	// interpret so that it survives a parse/render cycle.
	Unknown struct {
		AttrType AttrType
		Value    []byte
	}
)

func (MappedAddress) Type() AttrType      { return AttrMappedAddress }
func (AlternateServer) Type() AttrType    { return AttrAlternateServer }
func (XorMappedAddress) Type() AttrType   { return AttrXorMappedAddress }
func (XorPeerAddress) Type() AttrType     { return AttrXorPeerAddress }
func (XorRelayedAddress) Type() AttrType  { return AttrXorRelayedAddress }
func (Username) Type() AttrType           { return AttrUsername }
func (Software) Type() AttrType           { return AttrSoftware }
func (Realm) Type() AttrType              { return AttrRealm }
func (Nonce) Type() AttrType              { return AttrNonce }
func (MessageIntegrity) Type() AttrType   { return AttrMessageIntegrity }
func (Fingerprint) Type() AttrType        { return AttrFingerprint }
func (ErrorCode) Type() AttrType          { return AttrErrorCode }
func (UnknownAttributes) Type() AttrType  { return AttrUnknownAttributes }
func (ChannelNumber) Type() AttrType      { return AttrChannelNumber }
func (Lifetime) Type() AttrType           { return AttrLifetime }
func (Data) Type() AttrType               { return AttrData }
func (EvenPort) Type() AttrType           { return AttrEvenPort }
func (RequestedTransport) Type() AttrType { return AttrRequestedTransport }
func (DontFragment) Type() AttrType       { return AttrDontFragment }
func (ReservationToken) Type() AttrType   { return AttrReservationToken }
func (Priority) Type() AttrType           { return AttrPriority }
func (UseCandidate) Type() AttrType       { return AttrUseCandidate }
func (IceControlled) Type() AttrType      { return AttrIceControlled }
func (IceControlling) Type() AttrType     { return AttrIceControlling }
func (u Unknown) Type() AttrType          { return u.AttrType }

func (MappedAddress) attribute()      {}
func (AlternateServer) attribute()    {}
func (XorMappedAddress) attribute()   {}
func (XorPeerAddress) attribute()     {}
func (XorRelayedAddress) attribute()  {}
func (Username) attribute()           {}
func (Software) attribute()           {}
func (Realm) attribute()              {}
func (Nonce) attribute()              {}
func (MessageIntegrity) attribute()   {}
func (Fingerprint) attribute()        {}
func (ErrorCode) attribute()          {}
func (UnknownAttributes) attribute()  {}
func (ChannelNumber) attribute()      {}
func (Lifetime) attribute()           {}
func (Data) attribute()               {}
func (EvenPort) attribute()           {}
func (RequestedTransport) attribute() {}
func (DontFragment) attribute()       {}
func (ReservationToken) attribute()   {}
func (Priority) attribute()           {}
func (UseCandidate) attribute()       {}
func (IceControlled) attribute()      {}
func (IceControlling) attribute()     {}
func (Unknown) attribute()            {}

// ---------------------------------------------------------------------------
// Sizes
// ---------------------------------------------------------------------------

// payloadLen returns the unpadded payload length of a.
func payloadLen(a Attribute) (int, error) {
	switch a := a.(type) {
	case MappedAddress:
		return addressLen(a.Addr)
	case AlternateServer:
		return addressLen(a.Addr)
	case XorMappedAddress:
		return addressLen(a.Addr)
	case XorPeerAddress:
		return addressLen(a.Addr)
	case XorRelayedAddress:
		return addressLen(a.Addr)
	case Username:
		return len(a.Name), nil
	case Software:
		return len(a.Description), nil
	case Realm:
		return len(a.Value), nil
	case Nonce:
		return len(a.Value), nil
	case MessageIntegrity:
		return 20, nil
	case Fingerprint, ChannelNumber, Lifetime, RequestedTransport, Priority:
		return 4, nil
	case ErrorCode:
		return 4 + len(a.Reason), nil
	case UnknownAttributes:
		return 2 * len(a.Types), nil
	case Data:
		return len(a.Payload), nil
	case EvenPort:
		return 1, nil
	case DontFragment, UseCandidate:
		return 0, nil
	case ReservationToken, IceControlled, IceControlling:
		return 8, nil
	case Unknown:
		return len(a.Value), nil
	default:
		return 0, &InvariantError{What: fmt.Sprintf("attribute kind %T is not part of the codec", a)}
	}
}

// AttributeSize returns the number of bytes a occupies on the wire,
// header and padding included.
func AttributeSize(a Attribute) (int, error) {
	n, err := payloadLen(a)
	if err != nil {
		return 0, err
	}
	return attrHeaderSize + n + padding(n), nil
}

func addressLen(ap netip.AddrPort) (int, error) {
	addr := ap.Addr().Unmap()
	switch {
	case addr.Is4():
		return 8, nil
	case addr.Is6():
		return 20, nil
	default:
		return 0, &InvariantError{What: fmt.Sprintf("address %v is neither IPv4 nor IPv6", ap)}
	}
}

// ---------------------------------------------------------------------------
// Render
// ---------------------------------------------------------------------------

// RenderAttribute writes a (header, payload and zero padding) to the front
// of buf, appends the written region to sg and returns the rest of buf.
// msg provides the transaction id for XORed addresses. Nothing is written
// when buf cannot hold the whole attribute.
func RenderAttribute(buf []byte, sg *ScatterGatherList, a Attribute, msg *Message) ([]byte, error) {
	n, err := payloadLen(a)
	if err != nil {
		return buf, err
	}
	if err := checkAttribute(a, msg); err != nil {
		return buf, err
	}
	if n > 0xffff {
		return buf, fmt.Errorf("%w: %s payload of %d bytes", ErrBadAttribute, a.Type(), n)
	}
	size := attrHeaderSize + n + padding(n)
	if len(buf) < size {
		return buf, tooSmall(size, len(buf))
	}

	out := buf[:size]
	binary.BigEndian.PutUint16(out[0:2], uint16(a.Type()))
	binary.BigEndian.PutUint16(out[2:4], uint16(n))
	if err := encodePayload(out[attrHeaderSize:attrHeaderSize+n], a, msg); err != nil {
		return buf, err
	}
	clear(out[attrHeaderSize+n:])

	if sg != nil {
		sg.AddBuffer(out)
	}
	return buf[size:], nil
}

// checkAttribute reports the encoding failures of a that do not depend on
// the output buffer.
func checkAttribute(a Attribute, msg *Message) error {
	switch a := a.(type) {
	case ErrorCode:
		if a.Code < 300 || a.Code > 699 {
			return fmt.Errorf("%w: error code %d out of range", ErrBadAttribute, a.Code)
		}
	case XorMappedAddress, XorPeerAddress, XorRelayedAddress:
		if msg == nil {
			return &InvariantError{What: "XOR address rendered outside a message"}
		}
	}
	return nil
}

func encodePayload(p []byte, a Attribute, msg *Message) error {
	switch a := a.(type) {
	case MappedAddress:
		putAddress(p, a.Addr, nil)
	case AlternateServer:
		putAddress(p, a.Addr, nil)
	case XorMappedAddress:
		return putXorAddress(p, a.Addr, msg)
	case XorPeerAddress:
		return putXorAddress(p, a.Addr, msg)
	case XorRelayedAddress:
		return putXorAddress(p, a.Addr, msg)
	case Username:
		copy(p, a.Name)
	case Software:
		copy(p, a.Description)
	case Realm:
		copy(p, a.Value)
	case Nonce:
		copy(p, a.Value)
	case MessageIntegrity:
		copy(p, a.HMAC[:])
	case Fingerprint:
		binary.BigEndian.PutUint32(p, a.CRC)
	case ErrorCode:
		p[0], p[1] = 0, 0
		p[2] = byte(a.Code / 100)
		p[3] = byte(a.Code % 100)
		copy(p[4:], a.Reason)
	case UnknownAttributes:
		for i, t := range a.Types {
			binary.BigEndian.PutUint16(p[2*i:], uint16(t))
		}
	case ChannelNumber:
		binary.BigEndian.PutUint16(p[0:2], a.Number)
		p[2], p[3] = 0, 0
	case Lifetime:
		binary.BigEndian.PutUint32(p, a.Seconds)
	case Data:
		copy(p, a.Payload)
	case EvenPort:
		p[0] = 0
		if a.ReserveNext {
			p[0] = 0x80
		}
	case RequestedTransport:
		p[0] = a.Protocol
		p[1], p[2], p[3] = 0, 0, 0
	case DontFragment, UseCandidate:
	case ReservationToken:
		copy(p, a.Token[:])
	case Priority:
		binary.BigEndian.PutUint32(p, a.Value)
	case IceControlled:
		binary.BigEndian.PutUint64(p, a.Tiebreaker)
	case IceControlling:
		binary.BigEndian.PutUint64(p, a.Tiebreaker)
	case Unknown:
		copy(p, a.Value)
	default:
		return &InvariantError{What: fmt.Sprintf("attribute kind %T is not part of the codec", a)}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parse
// ---------------------------------------------------------------------------

// ParseAttribute decodes the attribute at the front of buf and returns it
// together with the rest of buf past its padding. msg provides the
// transaction id for XORed addresses.
//
// An unknown comprehension-required type yields an *UnknownAttributeError
// with rest still advanced, so that a caller can keep collecting them.
func ParseAttribute(buf []byte, msg *Message) (Attribute, []byte, error) {
	if len(buf) < attrHeaderSize {
		return nil, buf, tooSmall(attrHeaderSize, len(buf))
	}
	t := AttrType(binary.BigEndian.Uint16(buf[0:2]))
	n := int(binary.BigEndian.Uint16(buf[2:4]))
	size := attrHeaderSize + n + padding(n)
	if len(buf) < size {
		return nil, buf, tooSmall(size, len(buf))
	}

	a, err := decodePayload(t, buf[attrHeaderSize:attrHeaderSize+n], msg)
	return a, buf[size:], err
}

func decodePayload(t AttrType, p []byte, msg *Message) (Attribute, error) {
	fixed := func(n int) error {
		if len(p) != n {
			return fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrBadAttribute, t, len(p), n)
		}
		return nil
	}

	switch t {
	case AttrMappedAddress, AttrAlternateServer:
		ap, err := getAddress(p, nil)
		if err != nil {
			return nil, err
		}
		if t == AttrMappedAddress {
			return MappedAddress{Addr: ap}, nil
		}
		return AlternateServer{Addr: ap}, nil

	case AttrXorMappedAddress, AttrXorPeerAddress, AttrXorRelayedAddress:
		if msg == nil {
			return nil, &InvariantError{What: "XOR address parsed outside a message"}
		}
		ap, err := getAddress(p, &msg.TransactionID)
		if err != nil {
			return nil, err
		}
		switch t {
		case AttrXorMappedAddress:
			return XorMappedAddress{Addr: ap}, nil
		case AttrXorPeerAddress:
			return XorPeerAddress{Addr: ap}, nil
		default:
			return XorRelayedAddress{Addr: ap}, nil
		}

	case AttrUsername:
		return Username{Name: string(p)}, nil
	case AttrSoftware:
		return Software{Description: string(p)}, nil
	case AttrRealm:
		return Realm{Value: string(p)}, nil
	case AttrNonce:
		return Nonce{Value: string(p)}, nil

	case AttrMessageIntegrity:
		if err := fixed(20); err != nil {
			return nil, err
		}
		var mi MessageIntegrity
		copy(mi.HMAC[:], p)
		return mi, nil

	case AttrFingerprint:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return Fingerprint{CRC: binary.BigEndian.Uint32(p)}, nil

	case AttrErrorCode:
		if len(p) < 4 {
			return nil, fmt.Errorf("%w: ERROR-CODE payload is %d bytes", ErrBadAttribute, len(p))
		}
		class, number := int(p[2]&0x07), int(p[3])
		if class < 3 || class > 6 || number > 99 {
			return nil, fmt.Errorf("%w: error code %d%02d", ErrBadAttribute, class, number)
		}
		return ErrorCode{Code: class*100 + number, Reason: string(p[4:])}, nil

	case AttrUnknownAttributes:
		if len(p)%2 != 0 {
			return nil, fmt.Errorf("%w: UNKNOWN-ATTRIBUTES payload is %d bytes", ErrBadAttribute, len(p))
		}
		types := make([]AttrType, len(p)/2)
		for i := range types {
			types[i] = AttrType(binary.BigEndian.Uint16(p[2*i:]))
		}
		return UnknownAttributes{Types: types}, nil

	case AttrChannelNumber:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return ChannelNumber{Number: binary.BigEndian.Uint16(p)}, nil

	case AttrLifetime:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return Lifetime{Seconds: binary.BigEndian.Uint32(p)}, nil

	case AttrData:
		return Data{Payload: append([]byte(nil), p...)}, nil

	case AttrEvenPort:
		if err := fixed(1); err != nil {
			return nil, err
		}
		return EvenPort{ReserveNext: p[0]&0x80 != 0}, nil

	case AttrRequestedTransport:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return RequestedTransport{Protocol: p[0]}, nil

	case AttrDontFragment:
		if err := fixed(0); err != nil {
			return nil, err
		}
		return DontFragment{}, nil

	case AttrReservationToken:
		if err := fixed(8); err != nil {
			return nil, err
		}
		var rt ReservationToken
		copy(rt.Token[:], p)
		return rt, nil

	case AttrPriority:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return Priority{Value: binary.BigEndian.Uint32(p)}, nil

	case AttrUseCandidate:
		if err := fixed(0); err != nil {
			return nil, err
		}
		return UseCandidate{}, nil

	case AttrIceControlled, AttrIceControlling:
		if err := fixed(8); err != nil {
			return nil, err
		}
		tb := binary.BigEndian.Uint64(p)
		if t == AttrIceControlled {
			return IceControlled{Tiebreaker: tb}, nil
		}
		return IceControlling{Tiebreaker: tb}, nil
	}

	if t.ComprehensionRequired() {
		return nil, &UnknownAttributeError{Types: []AttrType{t}}
	}
	return Unknown{AttrType: t, Value: append([]byte(nil), p...)}, nil
}

// ---------------------------------------------------------------------------
// Addresses
// ---------------------------------------------------------------------------

const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// putAddress writes family, port and address. When id is non-nil the port
// is XORed with the top of the magic cookie and the address with the
// cookie (IPv4) or the whole transaction id (IPv6).
func putAddress(p []byte, ap netip.AddrPort, id *TransactionID) {
	addr := ap.Addr().Unmap()
	port := ap.Port()
	p[0] = 0
	if id != nil {
		port ^= uint16(MagicCookie >> 16)
	}
	binary.BigEndian.PutUint16(p[2:4], port)

	if addr.Is4() {
		p[1] = familyIPv4
		ip := addr.As4()
		copy(p[4:8], ip[:])
	} else {
		p[1] = familyIPv6
		ip := addr.As16()
		copy(p[4:20], ip[:])
	}
	if id != nil {
		for i := 4; i < len(p); i++ {
			p[i] ^= id.b[i-4]
		}
	}
}

func putXorAddress(p []byte, ap netip.AddrPort, msg *Message) error {
	if msg == nil {
		return &InvariantError{What: "XOR address rendered outside a message"}
	}
	putAddress(p, ap, &msg.TransactionID)
	return nil
}

func getAddress(p []byte, id *TransactionID) (netip.AddrPort, error) {
	if len(p) < 4 {
		return netip.AddrPort{}, fmt.Errorf("%w: address payload is %d bytes", ErrBadAttribute, len(p))
	}
	family := p[1]
	port := binary.BigEndian.Uint16(p[2:4])
	if id != nil {
		port ^= uint16(MagicCookie >> 16)
	}

	var raw []byte
	switch {
	case family == familyIPv4 && len(p) == 8:
		raw = make([]byte, 4)
	case family == familyIPv6 && len(p) == 20:
		raw = make([]byte, 16)
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: address family %d with %d byte payload", ErrBadAttribute, family, len(p))
	}
	copy(raw, p[4:])
	if id != nil {
		for i := range raw {
			raw[i] ^= id.b[i]
		}
	}

	addr, _ := netip.AddrFromSlice(raw)
	return netip.AddrPortFrom(addr, port), nil
}
