package session

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/router"
	"github.com/1ureka/p2pbus/internal/util"
)

// JoinFunc receives the outcome of a join exactly once.
type JoinFunc func(protocol.JoinSessionReply)

// Join starts joining joiner, a local attachment, to the session port
// req.Port of req.Host and returns the attempt id. done runs once with
// the outcome, on another goroutine when the host is remote.
func (m *Manager) Join(joiner string, req protocol.JoinSessionBody, done JoinFunc) uint64 {
	m.mu.Lock()
	m.nextAttempt++
	a := &JoinAttempt{
		ID:     m.nextAttempt,
		Joiner: joiner,
		Host:   req.Host,
		Port:   req.Port,
		Opts:   req.Opts,
		State:  JoinerIdle,
	}
	m.attempts[a.ID] = a
	m.mu.Unlock()

	m.setState(a.ID, JoinerRequesting)
	finish := func(rep protocol.JoinSessionReply, reason string) {
		m.finish(a.ID, rep, reason)
		done(rep)
	}

	if ep, ok := m.r.FindEndpoint(req.Host); ok && ep.GUIDPrefix() == m.r.GUID() {
		m.setState(a.ID, JoinerPending)
		m.attach(protocol.AttachSessionBody{
			Port:    req.Port,
			Joiner:  joiner,
			Creator: ep.UniqueName(),
			Opts:    req.Opts,
		}, m.r.GUID(), func(rep protocol.JoinSessionReply) {
			finish(rep, "")
		})
		return a.ID
	}

	guid := guidOf(req.Host)
	switch guid {
	case "":
		// Well-known names are only resolved on this router.
		finish(failure(protocol.JoinUnreachable), fmt.Sprintf("%q is not a local name", req.Host))
		return a.ID
	case m.r.GUID():
		finish(failure(protocol.JoinNoSession), "no such endpoint")
		return a.ID
	}

	go m.joinRemote(a.ID, guid, joiner, req, finish)
	return a.ID
}

// joinRemote links to the host's router if needed and asks it to attach
// joiner to the session.
func (m *Manager) joinRemote(id uint64, guid, joiner string, req protocol.JoinSessionBody, finish func(protocol.JoinSessionReply, string)) {
	ctx, cancel := context.WithTimeout(m.r.Context(), m.timeout)

	if !m.r.HasLink(guid) {
		tr, addr, err := SelectTransport(req.Opts.Transports, m.transports, m.resolver, guid)
		if err != nil {
			cancel()
			finish(failure(protocol.JoinUnreachable), err.Error())
			return
		}
		m.mu.Lock()
		m.attempts[id].Transport = tr.Name()
		m.mu.Unlock()

		util.LogDebug("[session] joining %s: connecting over %s to %s", req.Host, tr.Name(), addr)
		conn, err := tr.Connect(ctx, addr)
		if err != nil {
			cancel()
			finish(failure(protocol.JoinConnectFailed), err.Error())
			return
		}
		if _, err := m.r.AttachLink(ctx, conn); err != nil {
			cancel()
			finish(failure(protocol.JoinConnectFailed), err.Error())
			return
		}
	}

	m.setState(id, JoinerPending)
	body := protocol.AttachSessionBody{
		Port:    req.Port,
		Joiner:  joiner,
		Creator: req.Host,
		Opts:    req.Opts,
	}
	err := m.r.Call(ctx, protocol.UniqueName(guid, protocol.ControllerSuffix), protocol.MemberAttachSession, 0, body,
		func(reply *protocol.Message, err error) {
			cancel()
			if err != nil {
				finish(failure(protocol.JoinFailed), err.Error())
				return
			}
			var rep protocol.JoinSessionReply
			if err := protocol.Unmarshal(reply.Body, &rep); err != nil {
				finish(failure(protocol.JoinFailed), err.Error())
				return
			}
			if rep.Code == protocol.JoinSuccess {
				m.joined(rep, req, joiner)
			}
			finish(rep, "")
		})
	if err != nil {
		cancel()
		finish(failure(protocol.JoinFailed), err.Error())
	}
}

// joined records a session established with a remote host.
func (m *Manager) joined(rep protocol.JoinSessionReply, req protocol.JoinSessionBody, joiner string) {
	m.mu.Lock()
	s, ok := m.sessions[rep.SessionID]
	if !ok {
		s = &session{id: rep.SessionID, host: req.Host, port: req.Port, opts: rep.Opts}
		m.sessions[rep.SessionID] = s
	}
	for _, member := range rep.Members {
		if !s.has(member) {
			s.members = append(s.members, member)
		}
	}
	m.mu.Unlock()
	m.tagSession(joiner, rep.SessionID, true)
}

func (m *Manager) setState(id uint64, state JoinerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attempts[id]; ok {
		a.State = state
	}
}

func (m *Manager) finish(id uint64, rep protocol.JoinSessionReply, reason string) {
	m.mu.Lock()
	a := m.attempts[id]
	a.Reply = rep.Code
	a.Reason = reason
	a.SessionID = rep.SessionID
	if rep.Code == protocol.JoinSuccess {
		a.State = JoinerEstablished
	} else {
		a.State = JoinerFailed
	}
	snapshot := *a
	delete(m.attempts, id)
	if len(m.finished) == finishedAttempts {
		m.finished = slices.Delete(m.finished, 0, 1)
	}
	m.finished = append(m.finished, snapshot)
	m.mu.Unlock()

	if snapshot.State == JoinerEstablished {
		m.stats.SessionEstablished()
		util.LogSuccess("[session 0x%08x] %s joined %s port %d", snapshot.SessionID, snapshot.Joiner, snapshot.Host, snapshot.Port)
	} else {
		m.stats.SessionFailed()
		util.LogWarning("[session] %s joining %s port %d: %s %s", snapshot.Joiner, snapshot.Host, snapshot.Port, snapshot.Reply, reason)
	}
}

func failure(code protocol.JoinReply) protocol.JoinSessionReply {
	return protocol.JoinSessionReply{Code: code}
}

// ReplyError converts a JoinSession reply into an error, nil on success.
func ReplyError(rep protocol.JoinSessionReply, callErr error) error {
	if callErr != nil {
		var ce *router.CallError
		if errors.As(callErr, &ce) {
			return &JoinError{Code: protocol.JoinFailed, Reason: ce.Message}
		}
		return callErr
	}
	if rep.Code != protocol.JoinSuccess {
		return &JoinError{Code: rep.Code}
	}
	return nil
}
