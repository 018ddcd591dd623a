package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/syncx"
)

// ErrCallAborted is returned to pending calls when their caller shuts down.
var ErrCallAborted = errors.New("call aborted")

// CallError is an error reply received for a method call.
type CallError struct {
	Name    string
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// ReplyFunc receives the outcome of a method call: the reply message, or
// an error when the call failed, timed out or got an error reply.
type ReplyFunc func(reply *protocol.Message, err error)

type pendingCall struct {
	dest string
	cb   ReplyFunc
	stop func() bool
}

// Caller correlates outgoing method calls with their replies by serial.
// Every call completes exactly once: by a reply, by its context, or by
// Fail.
type Caller struct {
	self    string
	send    func(*protocol.Message) error
	serials protocol.SerialGen

	mu      syncx.Mutex
	pending map[uint32]*pendingCall
}

// NewCaller creates a caller sending as self through send.
func NewCaller(self string, send func(*protocol.Message) error) *Caller {
	return &Caller{
		self:    self,
		send:    send,
		mu:      syncx.Mutex{Name: "caller " + self},
		pending: make(map[uint32]*pendingCall),
	}
}

// NextSerial returns a serial for a message that is not a tracked call.
func (c *Caller) NextSerial() uint32 { return c.serials.Next() }

// Call sends a method call and returns without waiting. cb runs exactly
// once, on the goroutine that delivers the reply or on a timer goroutine
// when ctx ends first.
func (c *Caller) Call(ctx context.Context, dest, member string, sessionID uint32, body any, cb ReplyFunc) error {
	raw, err := Encode(body)
	if err != nil {
		return err
	}
	serial := c.serials.Next()
	msg := &protocol.Message{
		Type:        protocol.TypeMethodCall,
		Serial:      serial,
		SessionID:   sessionID,
		Sender:      c.self,
		Destination: dest,
		Member:      member,
		Body:        raw,
	}

	p := &pendingCall{dest: dest, cb: cb}
	c.mu.Lock()
	c.pending[serial] = p
	p.stop = context.AfterFunc(ctx, func() {
		c.complete(serial, nil, fmt.Errorf("%s to %s: %w", member, dest, ctx.Err()))
	})
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		if c.take(serial) != nil {
			p.stop()
		}
		return fmt.Errorf("%s to %s: %w", member, dest, err)
	}
	return nil
}

// HandleReply completes the call that msg answers. It reports false when
// msg is not a reply to a pending call.
func (c *Caller) HandleReply(msg *protocol.Message) bool {
	if !msg.IsReply() {
		return false
	}
	if msg.Type == protocol.TypeError {
		var body protocol.ErrorBody
		_ = protocol.Unmarshal(msg.Body, &body)
		return c.complete(msg.ReplySerial, nil, &CallError{Name: msg.Member, Message: body.Message})
	}
	return c.complete(msg.ReplySerial, msg, nil)
}

// Fail completes every pending call whose destination matches with err.
func (c *Caller) Fail(match func(dest string) bool, err error) {
	c.mu.Lock()
	var serials []uint32
	for s, p := range c.pending {
		if match(p.dest) {
			serials = append(serials, s)
		}
	}
	c.mu.Unlock()

	for _, s := range serials {
		c.complete(s, nil, err)
	}
}

// FailPrefix fails the calls addressed to names of the router prefix.
func (c *Caller) FailPrefix(prefix string, err error) {
	c.Fail(func(dest string) bool { return strings.HasPrefix(dest, ":"+prefix+".") }, err)
}

// Close fails every pending call with ErrCallAborted.
func (c *Caller) Close() {
	c.Fail(func(string) bool { return true }, ErrCallAborted)
}

// Pending returns the number of calls awaiting a reply.
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Caller) take(serial uint32) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[serial]
	delete(c.pending, serial)
	return p
}

func (c *Caller) complete(serial uint32, reply *protocol.Message, err error) bool {
	p := c.take(serial)
	if p == nil {
		return false
	}
	if p.stop != nil {
		p.stop()
	}
	p.cb(reply, err)
	return true
}

// Encode marshals body for a message; nil and []byte pass through.
func Encode(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	default:
		raw, err := protocol.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		return raw, nil
	}
}
