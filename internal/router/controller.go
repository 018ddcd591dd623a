package router

import (
	"context"
	"sync"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

// Handle installs the controller handler for member, replacing any
// previous one.
func (r *Router) Handle(member string, fn MethodHandler) {
	r.mu.Lock()
	r.methods[member] = fn
	r.mu.Unlock()
}

// Call invokes member on dest from the controller object. cb runs once
// with the reply or the failure.
func (r *Router) Call(ctx context.Context, dest, member string, sessionID uint32, body any, cb ReplyFunc) error {
	return r.caller.Call(ctx, dest, member, sessionID, body, cb)
}

// Signal sends a signal from the controller object. An empty dest
// broadcasts to this router's attachments.
func (r *Router) Signal(dest, member string, sessionID uint32, body any) error {
	raw, err := Encode(body)
	if err != nil {
		return err
	}
	return r.Route(&protocol.Message{
		Type:        protocol.TypeSignal,
		Flags:       protocol.FlagNoReply,
		Serial:      r.caller.NextSerial(),
		SessionID:   sessionID,
		Sender:      r.controllerName,
		Destination: dest,
		Member:      member,
		Body:        raw,
	})
}

// dispatchController runs on the controller's inbox goroutine.
func (r *Router) dispatchController(msg *protocol.Message) {
	if msg.IsReply() {
		if !r.caller.HandleReply(msg) {
			util.LogDebug("[router] late or unknown reply %s", msg)
		}
		return
	}

	r.mu.Lock()
	fn := r.methods[msg.Member]
	r.mu.Unlock()

	if fn == nil {
		if msg.ExpectsReply() {
			r.routeReply(msg.ErrorReply(r.caller.NextSerial(), protocol.ErrorNoSuchMethod, msg.Member))
		} else {
			util.LogDebug("[router] no handler for %s", msg)
		}
		return
	}
	fn(msg, r.replier(msg))
}

// replier returns the reply function handed to a MethodHandler.
func (r *Router) replier(call *protocol.Message) func(body any, err error) {
	var once sync.Once
	return func(body any, err error) {
		once.Do(func() {
			if !call.ExpectsReply() {
				return
			}
			if err != nil {
				r.routeReply(call.ErrorReply(r.caller.NextSerial(), protocol.ErrorFailed, err.Error()))
				return
			}
			raw, encErr := Encode(body)
			if encErr != nil {
				r.routeReply(call.ErrorReply(r.caller.NextSerial(), protocol.ErrorFailed, encErr.Error()))
				return
			}
			r.routeReply(call.Reply(r.caller.NextSerial(), raw))
		})
	}
}

func (r *Router) routeReply(reply *protocol.Message) {
	reply.Sender = r.controllerName
	if err := r.Route(reply); err != nil {
		util.LogDebug("[router] reply %s undeliverable: %v", reply, err)
	}
}

func (r *Router) handleRequestName(call *protocol.Message, reply func(any, error)) {
	var body protocol.NameBody
	if err := protocol.Unmarshal(call.Body, &body); err != nil {
		reply(nil, err)
		return
	}
	err := r.AddAlias(body.Name, call.Sender)
	reply(protocol.NameReply{OK: err == nil}, nil)
}

func (r *Router) handleReleaseName(call *protocol.Message, reply func(any, error)) {
	var body protocol.NameBody
	if err := protocol.Unmarshal(call.Body, &body); err != nil {
		reply(nil, err)
		return
	}
	err := r.RemoveAlias(body.Name, call.Sender)
	reply(protocol.NameReply{OK: err == nil}, nil)
}

func (r *Router) signalNameOwnerChanged(name, oldOwner, newOwner string) {
	body := protocol.NameBody{Name: name, OldOwner: oldOwner, NewOwner: newOwner}
	if err := r.Signal("", protocol.MemberNameOwnerChanged, 0, body); err != nil {
		util.LogDebug("[router] NameOwnerChanged(%s): %v", name, err)
	}
}
