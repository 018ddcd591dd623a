package session

import (
	"context"
	"slices"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

// attach runs the creator side of a join: find the binding, negotiate the
// options, ask the host and, once it accepts, add the joiner to the
// session. joinerGUID is the router the joiner is attached to. done runs
// exactly once; the host's SessionJoined follows it.
func (m *Manager) attach(req protocol.AttachSessionBody, joinerGUID string, done JoinFunc) {
	ep, ok := m.r.FindEndpoint(req.Creator)
	if !ok || ep.GUIDPrefix() != m.r.GUID() {
		done(failure(protocol.JoinNoSession))
		return
	}
	host := ep.UniqueName()

	m.mu.Lock()
	b, ok := m.ports[portKey{host, req.Port}]
	if !ok {
		m.mu.Unlock()
		done(failure(protocol.JoinNoSession))
		return
	}
	if req.Joiner == host {
		m.mu.Unlock()
		done(failure(protocol.JoinAlreadyJoined))
		return
	}
	if s, ok := m.sessions[b.sessionID]; ok && s.has(req.Joiner) {
		m.mu.Unlock()
		done(failure(protocol.JoinAlreadyJoined))
		return
	}
	b.state = CreatorAwaitingJoin
	opts, ok := b.opts.Negotiate(req.Opts)
	if !ok {
		b.state = CreatorBound
		m.mu.Unlock()
		util.LogDebug("[session] %s port %d: joiner %s wants %s, bound with %s", host, req.Port, req.Joiner, req.Opts, b.opts)
		done(failure(protocol.JoinBadSessionOpts))
		return
	}
	id := b.sessionID
	if id == 0 || !b.opts.IsMultipoint {
		id = m.newSessionIDLocked()
	}
	if b.opts.IsMultipoint {
		b.sessionID = id
	}
	b.state = CreatorNegotiating
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.r.Context(), m.timeout)
	accept := protocol.AcceptSessionBody{Port: req.Port, SessionID: id, Joiner: req.Joiner, Opts: opts}
	err := m.r.Call(ctx, host, protocol.MemberAcceptSession, id, accept, func(reply *protocol.Message, err error) {
		cancel()
		var decision protocol.AcceptSessionReply
		if err == nil {
			err = protocol.Unmarshal(reply.Body, &decision)
		}
		if err != nil || !decision.Accept {
			m.mu.Lock()
			b.state = CreatorRejected
			m.mu.Unlock()
			if err != nil {
				util.LogDebug("[session 0x%08x] AcceptSession on %s: %v", id, host, err)
			}
			done(failure(protocol.JoinRejected))
			return
		}
		m.accepted(b, id, opts, req, joinerGUID, done)
	})
	if err != nil {
		cancel()
		m.mu.Lock()
		b.state = CreatorRejected
		m.mu.Unlock()
		done(failure(protocol.JoinFailed))
	}
}

// accepted completes a join the host agreed to.
func (m *Manager) accepted(b *binding, id uint32, opts protocol.SessionOpts, req protocol.AttachSessionBody, joinerGUID string, done JoinFunc) {
	// The joiner may have disappeared while the host was deciding.
	reachable := false
	if joinerGUID == m.r.GUID() {
		_, reachable = m.r.FindEndpoint(req.Joiner)
	} else {
		reachable = m.r.HasLink(joinerGUID)
	}
	if !reachable {
		done(failure(protocol.JoinFailed))
		return
	}

	m.mu.Lock()
	b.state = CreatorAccepted
	s, ok := m.sessions[id]
	if !ok {
		s = &session{id: id, host: b.host, port: b.port, opts: opts, members: []string{b.host}}
		m.sessions[id] = s
	}
	var others []string
	for _, member := range s.members {
		if member != b.host {
			others = append(others, member)
		}
	}
	s.members = append(s.members, req.Joiner)
	members := slices.Clone(s.members)
	m.mu.Unlock()

	m.tagSession(b.host, id, true)
	m.tagSession(req.Joiner, id, true)
	if joinerGUID != m.r.GUID() {
		m.stats.SessionEstablished()
	}
	util.LogInfo("[session 0x%08x] %s accepted %s on port %d", id, b.host, req.Joiner, b.port)

	done(protocol.JoinSessionReply{Code: protocol.JoinSuccess, SessionID: id, Opts: opts, Members: members})

	m.signal(b.host, protocol.MemberSessionJoined, id, protocol.SessionEventBody{
		SessionID: id,
		Port:      b.port,
		Member:    req.Joiner,
		Opts:      opts,
	})
	if opts.IsMultipoint {
		for _, member := range others {
			m.signal(member, protocol.MemberSessionMemberAdded, id, protocol.SessionEventBody{
				SessionID: id,
				Port:      b.port,
				Member:    req.Joiner,
			})
		}
	}
}
