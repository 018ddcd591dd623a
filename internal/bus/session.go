package bus

import (
	"context"
	"fmt"
	"slices"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/router"
	"github.com/1ureka/p2pbus/internal/session"
	"github.com/1ureka/p2pbus/internal/util"
)

// SessionPortListener decides on joiners of a bound port and hears about
// the ones admitted.
type SessionPortListener interface {
	AcceptSessionJoiner(port uint16, joiner string, opts protocol.SessionOpts) bool
	SessionJoined(port uint16, id uint32, joiner string)
}

// SessionListener hears about changes to a session the attachment is in.
type SessionListener interface {
	SessionLost(id uint32, reason string)
	SessionMemberAdded(id uint32, member string)
	SessionMemberRemoved(id uint32, member string)
}

// JoinCallback receives the outcome of JoinSessionAsync. err is a
// *session.JoinError when the router answered with a failure code.
type JoinCallback func(id uint32, opts protocol.SessionOpts, err error)

// memberSet is the attachment's view of one session.
type memberSet struct {
	port     uint16
	opts     protocol.SessionOpts
	members  []string
	listener SessionListener
}

func (s *memberSet) add(name string) {
	if !slices.Contains(s.members, name) {
		s.members = append(s.members, name)
	}
}

// BindSessionPort binds port, or the lowest free port when port is 0, and
// returns the bound port. l decides on every joiner.
func (a *Attachment) BindSessionPort(ctx context.Context, port uint16, opts protocol.SessionOpts, l SessionPortListener) (uint16, error) {
	var bound protocol.BindSessionBody
	err := a.wait(func(complete func()) error {
		return a.callAsync(ctx, protocol.MemberBindSessionPort, protocol.BindSessionBody{Port: port, Opts: opts},
			func(reply *protocol.Message, err error) {
				defer complete()
				if err == nil {
					err = protocol.Unmarshal(reply.Body, &bound)
				}
				if err != nil {
					bound.Port = 0
					return
				}
				// Registered on the dispatch goroutine, before any
				// AcceptSession for the port can be handled.
				a.mu.Lock()
				a.ports[bound.Port] = l
				a.mu.Unlock()
			})
	})
	if err != nil {
		return 0, err
	}
	if bound.Port == 0 {
		return 0, fmt.Errorf("bind session port %d: refused", port)
	}
	return bound.Port, nil
}

// UnbindSessionPort stops accepting joiners on port. Sessions already
// established through it are unaffected.
func (a *Attachment) UnbindSessionPort(ctx context.Context, port uint16) error {
	if err := a.call(ctx, protocol.MemberUnbindSession, protocol.BindSessionBody{Port: port}, nil); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.ports, port)
	a.mu.Unlock()
	return nil
}

// JoinSessionAsync asks the router to join the session bound to port by
// host. cb runs once on the dispatch goroutine; on success l is already
// installed for the new session. l may be nil.
func (a *Attachment) JoinSessionAsync(ctx context.Context, host string, port uint16, opts protocol.SessionOpts, l SessionListener, cb JoinCallback) error {
	body := protocol.JoinSessionBody{Host: host, Port: port, Opts: opts}
	return a.callAsync(ctx, protocol.MemberJoinSession, body, func(reply *protocol.Message, err error) {
		var rep protocol.JoinSessionReply
		if err == nil {
			err = protocol.Unmarshal(reply.Body, &rep)
		}
		if err = session.ReplyError(rep, err); err != nil {
			cb(0, protocol.SessionOpts{}, err)
			return
		}

		a.mu.Lock()
		s := &memberSet{port: port, opts: rep.Opts, listener: l}
		for _, m := range rep.Members {
			s.add(m)
		}
		a.sessions[rep.SessionID] = s
		a.mu.Unlock()
		cb(rep.SessionID, rep.Opts, nil)
	})
}

// JoinSession is the blocking form of JoinSessionAsync.
func (a *Attachment) JoinSession(ctx context.Context, host string, port uint16, opts protocol.SessionOpts, l SessionListener) (uint32, protocol.SessionOpts, error) {
	var (
		id      uint32
		granted protocol.SessionOpts
		joinErr error
	)
	err := a.wait(func(complete func()) error {
		return a.JoinSessionAsync(ctx, host, port, opts, l, func(sid uint32, o protocol.SessionOpts, err error) {
			id, granted, joinErr = sid, o, err
			complete()
		})
	})
	if err != nil {
		return 0, protocol.SessionOpts{}, err
	}
	return id, granted, joinErr
}

// LeaveSession leaves session id. The other members are told; this
// attachment gets no SessionLost for it.
func (a *Attachment) LeaveSession(ctx context.Context, id uint32) error {
	a.mu.Lock()
	_, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("leave 0x%08x: %w", id, ErrNoSession)
	}
	if err := a.call(ctx, protocol.MemberLeaveSession, protocol.LeaveSessionBody{SessionID: id}, nil); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
	return nil
}

// SessionMembers returns the members of session id as this attachment
// has seen them, in join order.
func (a *Attachment) SessionMembers(id uint32) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session 0x%08x: %w", id, ErrNoSession)
	}
	return slices.Clone(s.members), nil
}

// SessionInfo asks the router for its record of session id.
func (a *Attachment) SessionInfo(ctx context.Context, id uint32) ([]string, error) {
	var info protocol.SessionInfoBody
	if err := a.call(ctx, protocol.MemberGetSessionInfo, protocol.SessionInfoBody{SessionID: id}, &info); err != nil {
		return nil, err
	}
	return info.Members, nil
}

// SetSessionListener replaces the listener of session id. nil removes it.
func (a *Attachment) SetSessionListener(id uint32, l SessionListener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return fmt.Errorf("session 0x%08x: %w", id, ErrNoSession)
	}
	s.listener = l
	return nil
}

// sessionEvent handles the session members the controller calls or
// signals. It reports false for anything else.
func (a *Attachment) sessionEvent(msg *protocol.Message, self string, caller *router.Caller) bool {
	switch msg.Member {
	case protocol.MemberAcceptSession:
		var body protocol.AcceptSessionBody
		if err := protocol.Unmarshal(msg.Body, &body); err != nil {
			a.reply(msg, caller, nil, err)
			return true
		}
		a.mu.Lock()
		l := a.ports[body.Port]
		a.mu.Unlock()
		accept := l != nil && l.AcceptSessionJoiner(body.Port, body.Joiner, body.Opts)
		a.reply(msg, caller, protocol.AcceptSessionReply{Accept: accept}, nil)
		return true

	case protocol.MemberSessionJoined, protocol.MemberSessionLost,
		protocol.MemberSessionMemberAdded, protocol.MemberSessionMemberRemoved:
	default:
		return false
	}

	var ev protocol.SessionEventBody
	if err := protocol.Unmarshal(msg.Body, &ev); err != nil {
		util.LogDebug("[bus] %s: bad %s: %v", a.label, msg.Member, err)
		return true
	}

	a.mu.Lock()
	s := a.sessions[ev.SessionID]
	var (
		portListener SessionPortListener
		listener     SessionListener
	)
	switch msg.Member {
	case protocol.MemberSessionJoined:
		portListener = a.ports[ev.Port]
		if s == nil {
			s = &memberSet{port: ev.Port, opts: ev.Opts, members: []string{self}}
			a.sessions[ev.SessionID] = s
		}
		s.add(ev.Member)
	case protocol.MemberSessionMemberAdded:
		if s != nil {
			s.add(ev.Member)
		}
	case protocol.MemberSessionMemberRemoved:
		if s != nil {
			s.members = slices.DeleteFunc(s.members, func(m string) bool { return m == ev.Member })
		}
	case protocol.MemberSessionLost:
		delete(a.sessions, ev.SessionID)
	}
	if s != nil {
		listener = s.listener
	}
	a.mu.Unlock()

	switch msg.Member {
	case protocol.MemberSessionJoined:
		if portListener != nil {
			portListener.SessionJoined(ev.Port, ev.SessionID, ev.Member)
		}
	case protocol.MemberSessionMemberAdded:
		if listener != nil {
			listener.SessionMemberAdded(ev.SessionID, ev.Member)
		}
	case protocol.MemberSessionMemberRemoved:
		if listener != nil {
			listener.SessionMemberRemoved(ev.SessionID, ev.Member)
		}
	case protocol.MemberSessionLost:
		if listener != nil {
			listener.SessionLost(ev.SessionID, ev.Reason)
		}
	}
	return true
}
