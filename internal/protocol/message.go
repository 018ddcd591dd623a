// Package protocol defines the bus message framing exchanged between
// routers and attachments, the session option contract and the shape of
// unique bus names.
package protocol

import "fmt"

// Message type constants.
const (
	TypeMethodCall   uint8 = 0x01 // Call expecting a reply unless FlagNoReply is set
	TypeMethodReturn uint8 = 0x02 // Successful reply, ReplySerial names the call
	TypeError        uint8 = 0x03 // Error reply, Member carries the error name
	TypeSignal       uint8 = 0x04 // One-way notification
)

// Message flags.
const (
	FlagNoReply uint8 = 0x01 // Caller does not want a reply
	FlagGlobal  uint8 = 0x02 // Signal may be forwarded to other routers
)

// HeaderSize is the fixed header size: Type(1) + Flags(1) + Serial(4) +
// ReplySerial(4) + SessionID(4).
const HeaderSize = 14

// Message is one bus message.
type Message struct {
	Type        uint8
	Flags       uint8
	Serial      uint32 // sender-assigned, never 0
	ReplySerial uint32 // serial of the call a reply answers
	SessionID   uint32 // 0 for messages outside any session
	Sender      string // unique name of the sending endpoint
	Destination string // unique or well-known name, empty for broadcast signals
	Member      string // method, signal or error name
	Body        []byte // CBOR-encoded arguments
}

// IsReply reports whether m answers a method call.
func (m *Message) IsReply() bool {
	return m.Type == TypeMethodReturn || m.Type == TypeError
}

// ExpectsReply reports whether m is a call that wants an answer.
func (m *Message) ExpectsReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReply == 0
}

// Reply builds a method return for call carrying body.
func (m *Message) Reply(serial uint32, body []byte) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		Serial:      serial,
		ReplySerial: m.Serial,
		SessionID:   m.SessionID,
		Sender:      m.Destination,
		Destination: m.Sender,
		Member:      m.Member,
		Body:        body,
	}
}

// ErrorReply builds an error reply for call.
func (m *Message) ErrorReply(serial uint32, name, text string) *Message {
	body, _ := Marshal(ErrorBody{Message: text})
	return &Message{
		Type:        TypeError,
		Serial:      serial,
		ReplySerial: m.Serial,
		SessionID:   m.SessionID,
		Sender:      m.Destination,
		Destination: m.Sender,
		Member:      name,
		Body:        body,
	}
}

func (m *Message) String() string {
	var kind string
	switch m.Type {
	case TypeMethodCall:
		kind = "call"
	case TypeMethodReturn:
		kind = "return"
	case TypeError:
		kind = "error"
	case TypeSignal:
		kind = "signal"
	default:
		kind = fmt.Sprintf("type(%d)", m.Type)
	}
	return fmt.Sprintf("%s %s #%d %s -> %s", kind, m.Member, m.Serial, m.Sender, m.Destination)
}
