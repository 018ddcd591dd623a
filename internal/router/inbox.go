package router

import (
	"context"
	"errors"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

// InboxBufferSize is the number of messages an inbox holds before Deliver
// starts failing.
const InboxBufferSize = 256

// ErrInboxFull is returned when a consumer falls too far behind.
var ErrInboxFull = errors.New("inbox full")

// Inbox is an endpoint sink that hands messages to a single dispatch
// goroutine, so handlers never run on the goroutine that routed the
// message.
type Inbox struct {
	name string
	ch   chan *protocol.Message
}

// NewInbox starts a dispatch goroutine calling handle for every delivered
// message until ctx is done.
func NewInbox(ctx context.Context, name string, handle func(*protocol.Message)) *Inbox {
	in := &Inbox{name: name, ch: make(chan *protocol.Message, InboxBufferSize)}
	go func() {
		for {
			select {
			case msg := <-in.ch:
				handle(msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return in
}

// Deliver queues msg for the dispatch goroutine.
func (in *Inbox) Deliver(msg *protocol.Message) error {
	select {
	case in.ch <- msg:
		return nil
	default:
		util.LogWarning("[router] %s inbox full, refusing %s", in.name, msg)
		return ErrInboxFull
	}
}
