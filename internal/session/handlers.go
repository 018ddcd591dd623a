package session

import (
	"fmt"

	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

// Controller methods called by local attachments: BindSessionPort,
// UnbindSessionPort, JoinSession, LeaveSession, GetSessionInfo. Called by
// other routers' controllers: AttachSession, DetachSession.

func (m *Manager) fromLocal(call *protocol.Message) error {
	if guidOf(call.Sender) != m.r.GUID() {
		return fmt.Errorf("%s from %s: %w", call.Member, call.Sender, ErrNotLocal)
	}
	return nil
}

func (m *Manager) handleBind(call *protocol.Message, reply func(any, error)) {
	if err := m.fromLocal(call); err != nil {
		reply(nil, err)
		return
	}
	var body protocol.BindSessionBody
	if err := protocol.Unmarshal(call.Body, &body); err != nil {
		reply(nil, err)
		return
	}
	port, err := m.BindSessionPort(call.Sender, body.Port, body.Opts)
	if err != nil {
		reply(nil, err)
		return
	}
	reply(protocol.BindSessionBody{Port: port, Opts: body.Opts}, nil)
}

func (m *Manager) handleUnbind(call *protocol.Message, reply func(any, error)) {
	var body protocol.BindSessionBody
	if err := protocol.Unmarshal(call.Body, &body); err != nil {
		reply(nil, err)
		return
	}
	reply(nil, m.UnbindSessionPort(call.Sender, body.Port))
}

func (m *Manager) handleJoin(call *protocol.Message, reply func(any, error)) {
	if err := m.fromLocal(call); err != nil {
		reply(nil, err)
		return
	}
	var body protocol.JoinSessionBody
	if err := protocol.Unmarshal(call.Body, &body); err != nil {
		reply(nil, err)
		return
	}
	m.Join(call.Sender, body, func(rep protocol.JoinSessionReply) { reply(rep, nil) })
}

func (m *Manager) handleLeave(call *protocol.Message, reply func(any, error)) {
	var body protocol.LeaveSessionBody
	if err := protocol.Unmarshal(call.Body, &body); err != nil {
		reply(nil, err)
		return
	}
	reply(nil, m.Leave(call.Sender, body.SessionID))
}

func (m *Manager) handleInfo(call *protocol.Message, reply func(any, error)) {
	var body protocol.SessionInfoBody
	if err := protocol.Unmarshal(call.Body, &body); err != nil {
		reply(nil, err)
		return
	}
	s, ok := m.Session(body.SessionID)
	if !ok {
		reply(nil, ErrNoSession)
		return
	}
	reply(protocol.SessionInfoBody{SessionID: s.ID, Members: s.Members}, nil)
}

func (m *Manager) handleAttach(call *protocol.Message, reply func(any, error)) {
	var body protocol.AttachSessionBody
	if err := protocol.Unmarshal(call.Body, &body); err != nil {
		reply(nil, err)
		return
	}
	joinerGUID := guidOf(call.Sender)
	if joinerGUID == "" || joinerGUID != guidOf(body.Joiner) {
		reply(protocol.JoinSessionReply{Code: protocol.JoinFailed}, nil)
		return
	}
	m.attach(body, joinerGUID, func(rep protocol.JoinSessionReply) { reply(rep, nil) })
}

func (m *Manager) handleDetach(call *protocol.Message, _ func(any, error)) {
	var body protocol.LeaveSessionBody
	if err := protocol.Unmarshal(call.Body, &body); err != nil {
		util.LogDebug("[session] bad DetachSession from %s: %v", call.Sender, err)
		return
	}
	m.removeMember(body.SessionID, body.Member, guidOf(call.Sender), ReasonLeft)
}
