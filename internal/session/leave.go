package session

import (
	"slices"

	"github.com/1ureka/p2pbus/internal/endpoint"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

// Leave takes member out of session id at its own request.
func (m *Manager) Leave(member string, id uint32) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	in := ok && s.has(member)
	m.mu.Unlock()
	if !in {
		return ErrNoSession
	}
	m.removeMember(id, member, "", ReasonLeft)
	return nil
}

// removeMember takes member out of session id. Members on this router are
// told with SessionMemberRemoved, or SessionLost when the session cannot go
// on: a point-to-point session ends with its first departure, a multipoint
// one once fewer than two members remain. Routers that still have members
// get a DetachSession, except origin (the router the news came from) and
// the departed member's own router.
func (m *Manager) removeMember(id uint32, member, origin, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || !s.remove(member) {
		m.mu.Unlock()
		return
	}

	var local, routers []string
	for _, name := range s.members {
		guid := guidOf(name)
		switch {
		case guid == m.r.GUID():
			local = append(local, name)
		case guid != "" && guid != origin && guid != guidOf(member) && !slices.Contains(routers, guid):
			routers = append(routers, guid)
		}
	}
	lost := !s.opts.IsMultipoint || len(s.members) < 2
	if lost {
		delete(m.sessions, id)
		for _, b := range m.ports {
			if b.sessionID == id {
				b.sessionID = 0
			}
		}
	}
	port := s.port
	m.mu.Unlock()

	m.tagSession(member, id, false)
	if lost {
		util.LogInfo("[session 0x%08x] lost: %s (%s)", id, member, reason)
	} else {
		util.LogDebug("[session 0x%08x] %s removed (%s)", id, member, reason)
	}

	for _, name := range local {
		if lost {
			m.tagSession(name, id, false)
			m.signal(name, protocol.MemberSessionLost, id, protocol.SessionEventBody{
				SessionID: id,
				Port:      port,
				Member:    member,
				Reason:    reason,
			})
		} else {
			m.signal(name, protocol.MemberSessionMemberRemoved, id, protocol.SessionEventBody{
				SessionID: id,
				Port:      port,
				Member:    member,
			})
		}
	}
	for _, guid := range routers {
		err := m.r.Signal(protocol.UniqueName(guid, protocol.ControllerSuffix), protocol.MemberDetachSession, id,
			protocol.LeaveSessionBody{SessionID: id, Member: member})
		if err != nil {
			util.LogDebug("[session 0x%08x] DetachSession to %s: %v", id, guid, err)
		}
	}
}

// endpointGone reacts to endpoints leaving the routing table. A lost
// router link removes every member behind it; a departed attachment
// loses its ports and its memberships.
func (m *Manager) endpointGone(ep *endpoint.Endpoint) {
	if ep.Kind() == endpoint.KindBus2Bus {
		guid := ep.GUIDPrefix()
		if m.r.HasLink(guid) {
			return
		}
		for _, g := range m.membersWhere(func(name string) bool { return guidOf(name) == guid }) {
			m.removeMember(g.id, g.member, guid, ReasonLinkLost)
		}
		return
	}

	name := ep.UniqueName()
	m.mu.Lock()
	for key := range m.ports {
		if key.host == name {
			delete(m.ports, key)
		}
	}
	m.mu.Unlock()
	for _, g := range m.membersWhere(func(member string) bool { return member == name }) {
		m.removeMember(g.id, g.member, "", ReasonGone)
	}
}

type membership struct {
	id     uint32
	member string
}

func (m *Manager) membersWhere(match func(string) bool) []membership {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []membership
	for id, s := range m.sessions {
		for _, member := range s.members {
			if match(member) {
				out = append(out, membership{id, member})
			}
		}
	}
	return out
}
