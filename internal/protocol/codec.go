package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrTooShort is returned when a frame ends before its declared content.
var ErrTooShort = errors.New("message too short")

// ErrFieldTooLong is returned when a string field exceeds 65535 bytes.
var ErrFieldTooLong = errors.New("message field too long")

// Size returns the encoded size of msg.
func Size(msg *Message) int {
	return HeaderSize + 2 + len(msg.Sender) + 2 + len(msg.Destination) + 2 + len(msg.Member) + 4 + len(msg.Body)
}

// Encode serializes a Message into a new byte slice.
func Encode(msg *Message) ([]byte, error) {
	buf := make([]byte, Size(msg))
	if _, err := EncodeTo(buf, msg); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo serializes msg into buf and returns the number of bytes
// written. buf must hold Size(msg) bytes.
func EncodeTo(buf []byte, msg *Message) (int, error) {
	size := Size(msg)
	if len(buf) < size {
		return 0, fmt.Errorf("%w: buffer holds %d bytes, message needs %d", ErrTooShort, len(buf), size)
	}
	for _, s := range [...]string{msg.Sender, msg.Destination, msg.Member} {
		if len(s) > math.MaxUint16 {
			return 0, fmt.Errorf("%w: %d bytes", ErrFieldTooLong, len(s))
		}
	}

	buf[0] = msg.Type
	buf[1] = msg.Flags
	binary.BigEndian.PutUint32(buf[2:6], msg.Serial)
	binary.BigEndian.PutUint32(buf[6:10], msg.ReplySerial)
	binary.BigEndian.PutUint32(buf[10:14], msg.SessionID)

	off := HeaderSize
	for _, s := range [...]string{msg.Sender, msg.Destination, msg.Member} {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(s)))
		off += 2
		off += copy(buf[off:], s)
	}
	binary.BigEndian.PutUint32(buf[off:], uint32(len(msg.Body)))
	off += 4
	off += copy(buf[off:], msg.Body)
	return off, nil
}

// Decode deserializes a byte slice into a Message. The message does not
// alias data.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrTooShort, len(data), HeaderSize)
	}
	msg := &Message{
		Type:        data[0],
		Flags:       data[1],
		Serial:      binary.BigEndian.Uint32(data[2:6]),
		ReplySerial: binary.BigEndian.Uint32(data[6:10]),
		SessionID:   binary.BigEndian.Uint32(data[10:14]),
	}

	rest := data[HeaderSize:]
	var fields [3]string
	for i := range fields {
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: string field %d header", ErrTooShort, i)
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n {
			return nil, fmt.Errorf("%w: string field %d needs %d bytes, have %d", ErrTooShort, i, n, len(rest))
		}
		fields[i] = string(rest[:n])
		rest = rest[n:]
	}
	msg.Sender, msg.Destination, msg.Member = fields[0], fields[1], fields[2]

	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: body length", ErrTooShort)
	}
	n := binary.BigEndian.Uint32(rest)
	rest = rest[4:]
	if uint64(len(rest)) < uint64(n) {
		return nil, fmt.Errorf("%w: body needs %d bytes, have %d", ErrTooShort, n, len(rest))
	}
	if n > 0 {
		msg.Body = make([]byte, n)
		copy(msg.Body, rest[:n])
	}
	return msg, nil
}
