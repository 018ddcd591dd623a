package bus

import (
	"context"
	"fmt"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/router"
)

// AddMethodHandler serves member on this attachment, replacing any
// previous handler.
func (a *Attachment) AddMethodHandler(member string, fn MethodHandler) {
	a.mu.Lock()
	a.methods[member] = fn
	a.mu.Unlock()
}

// AddSignalHandler delivers signals named member to fn.
func (a *Attachment) AddSignalHandler(member string, fn SignalHandler) {
	a.mu.Lock()
	a.signals[member] = fn
	a.mu.Unlock()
}

func (a *Attachment) serve(call *protocol.Message, caller *router.Caller) {
	a.mu.Lock()
	fn := a.methods[call.Member]
	a.mu.Unlock()
	if fn == nil {
		a.reply(call, caller, nil, fmt.Errorf("%s: %w", call.Member, ErrNoSuchHandler))
		return
	}
	body, err := fn(call)
	a.reply(call, caller, body, err)
}

// CallMethodAsync calls member on dest. sessionID is 0 outside a
// session. cb runs once on the dispatch goroutine.
func (a *Attachment) CallMethodAsync(ctx context.Context, dest, member string, sessionID uint32, body any, cb router.ReplyFunc) error {
	_, caller, err := a.current()
	if err != nil {
		return err
	}
	return caller.Call(ctx, dest, member, sessionID, body, cb)
}

// CallMethod is the blocking form of CallMethodAsync. out, when non-nil,
// receives the decoded reply body. Error replies come back as
// *router.CallError.
func (a *Attachment) CallMethod(ctx context.Context, dest, member string, sessionID uint32, body, out any) error {
	var callErr error
	err := a.wait(func(complete func()) error {
		return a.CallMethodAsync(ctx, dest, member, sessionID, body, func(reply *protocol.Message, err error) {
			defer complete()
			if err == nil && out != nil {
				err = protocol.Unmarshal(reply.Body, out)
			}
			callErr = err
		})
	})
	if err != nil {
		return err
	}
	return callErr
}

// Signal sends a one-way signal to dest. An empty dest broadcasts to the
// router's attachments.
func (a *Attachment) Signal(dest, member string, sessionID uint32, body any) error {
	ep, caller, err := a.current()
	if err != nil {
		return err
	}
	raw, err := router.Encode(body)
	if err != nil {
		return err
	}
	return a.r.Route(&protocol.Message{
		Type:        protocol.TypeSignal,
		Flags:       protocol.FlagNoReply,
		Serial:      caller.NextSerial(),
		SessionID:   sessionID,
		Sender:      ep.UniqueName(),
		Destination: dest,
		Member:      member,
		Body:        raw,
	})
}
