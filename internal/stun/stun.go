// Package stun implements the STUN message and attribute codec (RFC 5389,
// RFC 5766 and the ICE attributes of RFC 8445) used for NAT traversal.
//
// Messages render into caller-provided buffers and record the rendered
// regions in a ScatterGatherList so that links supporting vectored writes
// can send them without another copy. All integers are big-endian.
package stun

import (
	"errors"
	"fmt"
)

const (
	// MagicCookie is the fixed value at bytes 4..7 of every message.
	MagicCookie uint32 = 0x2112A442

	// HeaderSize is the size of the fixed message header.
	HeaderSize = 20

	attrHeaderSize = 4
	fingerprintXOR = 0x5354554e
)

// Class is the message class encoded in the C0/C1 bits of the type field.
type Class uint16

const (
	ClassRequest         Class = 0x0
	ClassIndication      Class = 0x1
	ClassSuccessResponse Class = 0x2
	ClassErrorResponse   Class = 0x3
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return fmt.Sprintf("class(%d)", uint16(c))
	}
}

// IsResponse reports whether c is one of the two response classes.
func (c Class) IsResponse() bool {
	return c == ClassSuccessResponse || c == ClassErrorResponse
}

// Method is the 12-bit STUN method.
type Method uint16

const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	default:
		return fmt.Sprintf("method(0x%03x)", uint16(m))
	}
}

// IsTypeOK reports whether the class is allowed for the method. Binding
// accepts every class; the TURN allocation methods have no indications;
// Send and Data exist only as indications.
func IsTypeOK(c Class, m Method) bool {
	switch m {
	case MethodBinding:
		return c <= ClassErrorResponse
	case MethodAllocate, MethodRefresh, MethodCreatePermission, MethodChannelBind:
		return c == ClassRequest || c == ClassSuccessResponse || c == ClassErrorResponse
	case MethodSend, MethodData:
		return c == ClassIndication
	default:
		return false
	}
}

// encodeType interleaves the class bits into the method as laid out in
// RFC 5389 section 6.
func encodeType(c Class, m Method) uint16 {
	mv, cv := uint16(m), uint16(c)
	return (mv & 0x000f) | (mv&0x0070)<<1 | (mv&0x0f80)<<2 | (cv&0x1)<<4 | (cv&0x2)<<7
}

func decodeType(t uint16) (Class, Method) {
	c := (t>>4)&0x1 | (t>>7)&0x2
	m := t&0x000f | (t>>1)&0x0070 | (t>>2)&0x0f80
	return Class(c), Method(m)
}

// padding returns the number of zero bytes that follow a payload of n bytes.
func padding(n int) int {
	return -n & 3
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	ErrBufferTooSmall       = errors.New("stun: buffer too small")
	ErrNotSTUN              = errors.New("stun: not a STUN message")
	ErrBadLength            = errors.New("stun: bad message length")
	ErrBadMessageType       = errors.New("stun: class not allowed for method")
	ErrBadAttribute         = errors.New("stun: malformed attribute")
	ErrUnknownAttribute     = errors.New("stun: unknown comprehension-required attribute")
	ErrAttributeOrder       = errors.New("stun: attribute after MESSAGE-INTEGRITY or FINGERPRINT")
	ErrFingerprint          = errors.New("stun: fingerprint mismatch")
	ErrIntegrity            = errors.New("stun: message integrity mismatch")
	ErrNoIntegrity          = errors.New("stun: message has no MESSAGE-INTEGRITY")
	ErrResponseWithUsername = errors.New("stun: response carries USERNAME")
	ErrBadRequest           = errors.New("stun: USERNAME and MESSAGE-INTEGRITY must appear together")
)

func tooSmall(need, have int) error {
	return fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, need, have)
}

// UnknownAttributeError lists the comprehension-required attribute types a
// message carried that this codec does not understand. A server answers it
// with a 420 error response listing the same types.
type UnknownAttributeError struct {
	Types []AttrType
}

func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("stun: unknown comprehension-required attributes %v", e.Types)
}

func (e *UnknownAttributeError) Unwrap() error { return ErrUnknownAttribute }

// InvariantError reports an internal consistency violation, such as an
// attribute value the codec was never built to handle.
type InvariantError struct {
	What string
}

func (e *InvariantError) Error() string { return "stun: invariant violated: " + e.What }
