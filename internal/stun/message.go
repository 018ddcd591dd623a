package stun

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

// Message is a STUN message: class, method, transaction id and an ordered
// list of attributes.
type Message struct {
	Class         Class
	Method        Method
	TransactionID TransactionID
	Attrs         []Attribute

	raw             []byte // wire bytes retained by Parse
	integrityOffset int    // offset of MESSAGE-INTEGRITY in raw, or -1
}

// New returns a message of the given class and method with a fresh
// transaction id.
func New(c Class, m Method, attrs ...Attribute) *Message {
	return &Message{
		Class:           c,
		Method:          m,
		TransactionID:   NewTransactionID(),
		Attrs:           attrs,
		integrityOffset: -1,
	}
}

// NewResponse returns a response of class c to req, reusing its method and
// transaction id.
func NewResponse(req *Message, c Class, attrs ...Attribute) *Message {
	return &Message{
		Class:           c,
		Method:          req.Method,
		TransactionID:   req.TransactionID,
		Attrs:           attrs,
		integrityOffset: -1,
	}
}

// Add appends attributes in order.
func (m *Message) Add(attrs ...Attribute) {
	m.Attrs = append(m.Attrs, attrs...)
}

// Get returns the first attribute of type t.
func (m *Message) Get(t AttrType) (Attribute, bool) {
	for _, a := range m.Attrs {
		if a.Type() == t {
			return a, true
		}
	}
	return nil, false
}

// Find returns the first attribute of kind T in m.
func Find[T Attribute](m *Message) (T, bool) {
	for _, a := range m.Attrs {
		if v, ok := a.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Has reports whether m carries an attribute of type t.
func (m *Message) Has(t AttrType) bool {
	_, ok := m.Get(t)
	return ok
}

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s id=%s", m.Method, m.Class, m.TransactionID.String())
	for _, a := range m.Attrs {
		b.WriteString(" ")
		b.WriteString(a.Type().String())
	}
	return b.String()
}

// Size returns the rendered size of m.
func (m *Message) Size() (int, error) {
	size := HeaderSize
	for _, a := range m.Attrs {
		n, err := AttributeSize(a)
		if err != nil {
			return 0, err
		}
		size += n
	}
	return size, nil
}

// validateOrder checks that only FINGERPRINT follows MESSAGE-INTEGRITY and
// that FINGERPRINT is last.
func (m *Message) validateOrder() error {
	seenMI := false
	for i, a := range m.Attrs {
		switch a.Type() {
		case AttrMessageIntegrity:
			if seenMI {
				return ErrAttributeOrder
			}
			seenMI = true
		case AttrFingerprint:
			if i != len(m.Attrs)-1 {
				return ErrAttributeOrder
			}
		default:
			if seenMI {
				return ErrAttributeOrder
			}
		}
	}
	return nil
}

// RenderBinary writes m to the front of buf, appends the written regions
// to sg and returns the rest of buf. MESSAGE-INTEGRITY and FINGERPRINT
// values are computed over the bytes rendered before them. Nothing is
// written, and sg is left alone, when buf cannot hold the whole message or
// an attribute cannot be encoded.
func (m *Message) RenderBinary(buf []byte, sg *ScatterGatherList) ([]byte, error) {
	if !IsTypeOK(m.Class, m.Method) {
		return buf, fmt.Errorf("%w: %s %s", ErrBadMessageType, m.Method, m.Class)
	}
	if err := m.validateOrder(); err != nil {
		return buf, err
	}
	size, err := m.Size()
	if err != nil {
		return buf, err
	}
	if len(buf) < size {
		return buf, tooSmall(size, len(buf))
	}
	for _, a := range m.Attrs {
		if err := checkAttribute(a, m); err != nil {
			return buf, err
		}
	}

	// Regions are collected locally and handed to sg only once the whole
	// message rendered.
	var local *ScatterGatherList
	if sg != nil {
		local = &ScatterGatherList{}
	}
	out := buf[:size]
	binary.BigEndian.PutUint16(out[0:2], encodeType(m.Class, m.Method))
	copy(out[4:HeaderSize], m.TransactionID.b[:])
	if local != nil {
		local.AddBuffer(out[:HeaderSize])
	}

	cur := out[HeaderSize:]
	for _, a := range m.Attrs {
		off := size - len(cur)
		switch v := a.(type) {
		case MessageIntegrity:
			binary.BigEndian.PutUint16(out[2:4], uint16(off+attrHeaderSize+20-HeaderSize))
			mac := hmac.New(sha1.New, v.Key)
			mac.Write(out[:off])
			copy(v.HMAC[:], mac.Sum(nil))
			a = v
		case Fingerprint:
			binary.BigEndian.PutUint16(out[2:4], uint16(off+attrHeaderSize+4-HeaderSize))
			v.CRC = crc32.ChecksumIEEE(out[:off]) ^ fingerprintXOR
			a = v
		}
		if cur, err = RenderAttribute(cur, local, a, m); err != nil {
			return buf, err
		}
	}
	binary.BigEndian.PutUint16(out[2:4], uint16(size-HeaderSize))

	if sg != nil {
		for _, b := range local.bufs {
			sg.AddBuffer(b)
		}
	}
	return buf[size:], nil
}

// Marshal renders m into a new buffer.
func (m *Message) Marshal() ([]byte, error) {
	size, err := m.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := m.RenderBinary(buf, nil); err != nil {
		return nil, err
	}
	return buf, nil
}

// Parse decodes the message at the front of buf into m and returns the rest
// of buf. A FINGERPRINT, when present, is verified; MESSAGE-INTEGRITY is
// kept for CheckIntegrity because the key usually depends on the message
// contents. Attributes after MESSAGE-INTEGRITY other than FINGERPRINT are
// ignored.
func (m *Message) Parse(buf []byte) ([]byte, error) {
	if len(buf) < HeaderSize {
		return buf, tooSmall(HeaderSize, len(buf))
	}
	if buf[0]&0xc0 != 0 {
		return buf, ErrNotSTUN
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length%4 != 0 {
		return buf, fmt.Errorf("%w: %d is not a multiple of 4", ErrBadLength, length)
	}
	total := HeaderSize + length
	if len(buf) < total {
		return buf, tooSmall(total, len(buf))
	}
	if binary.BigEndian.Uint32(buf[4:8]) != MagicCookie {
		return buf, fmt.Errorf("%w: missing magic cookie", ErrNotSTUN)
	}

	c, meth := decodeType(binary.BigEndian.Uint16(buf[0:2]))
	if !IsTypeOK(c, meth) {
		return buf, fmt.Errorf("%w: %s %s", ErrBadMessageType, meth, c)
	}

	*m = Message{Class: c, Method: meth, integrityOffset: -1}
	if err := m.TransactionID.parse(buf[4:HeaderSize]); err != nil {
		return buf, err
	}
	m.raw = append([]byte(nil), buf[:total]...)

	var unknown []AttrType
	body := m.raw[HeaderSize:]
	for len(body) > 0 {
		off := total - len(body)
		a, rest, err := ParseAttribute(body, m)
		if err != nil {
			if u, ok := err.(*UnknownAttributeError); ok {
				unknown = append(unknown, u.Types...)
				body = rest
				continue
			}
			return buf, err
		}
		body = rest

		switch v := a.(type) {
		case Fingerprint:
			if len(body) != 0 {
				return buf, ErrAttributeOrder
			}
			if crc32.ChecksumIEEE(m.raw[:off])^fingerprintXOR != v.CRC {
				return buf, ErrFingerprint
			}
		case MessageIntegrity:
			if m.integrityOffset >= 0 {
				continue
			}
			m.integrityOffset = off
		default:
			if m.integrityOffset >= 0 {
				continue
			}
		}
		m.Attrs = append(m.Attrs, a)
	}

	if len(unknown) > 0 {
		return buf[total:], &UnknownAttributeError{Types: unknown}
	}

	hasUser, hasMI := m.Has(AttrUsername), m.integrityOffset >= 0
	if m.Class.IsResponse() && hasUser {
		return buf[total:], ErrResponseWithUsername
	}
	if m.Class == ClassRequest && hasUser != hasMI {
		return buf[total:], ErrBadRequest
	}

	return buf[total:], nil
}

// Raw returns the wire bytes of a parsed message.
func (m *Message) Raw() []byte { return m.raw }

// CheckIntegrity verifies the MESSAGE-INTEGRITY of a parsed message
// against key.
func (m *Message) CheckIntegrity(key []byte) error {
	if m.integrityOffset < 0 || m.raw == nil {
		return ErrNoIntegrity
	}
	mi, ok := Find[MessageIntegrity](m)
	if !ok {
		return ErrNoIntegrity
	}

	off := m.integrityOffset
	prefix := append([]byte(nil), m.raw[:off]...)
	binary.BigEndian.PutUint16(prefix[2:4], uint16(off+attrHeaderSize+20-HeaderSize))

	mac := hmac.New(sha1.New, key)
	mac.Write(prefix)
	if !hmac.Equal(mac.Sum(nil), mi.HMAC[:]) {
		return ErrIntegrity
	}
	return nil
}

// ShortTermKey returns the MESSAGE-INTEGRITY key for short-term
// credentials (ICE connectivity checks).
func ShortTermKey(password string) []byte {
	return []byte(password)
}

// LongTermKey returns the MESSAGE-INTEGRITY key for long-term credentials
// (TURN): MD5(username ":" realm ":" password).
func LongTermKey(username, realm, password string) []byte {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return sum[:]
}
