package session

import (
	"fmt"

	"github.com/1ureka/p2pbus/internal/protocol"
)

// CreatorState is the state of a bound session port on the host's router.
type CreatorState uint8

const (
	CreatorUnbound CreatorState = iota
	CreatorBound
	CreatorAwaitingJoin // an AttachSession arrived for the port
	CreatorNegotiating  // waiting for the host's AcceptSession decision
	CreatorAccepted
	CreatorRejected
)

func (s CreatorState) String() string {
	switch s {
	case CreatorUnbound:
		return "unbound"
	case CreatorBound:
		return "bound"
	case CreatorAwaitingJoin:
		return "awaiting-join"
	case CreatorNegotiating:
		return "negotiating"
	case CreatorAccepted:
		return "accepted"
	case CreatorRejected:
		return "rejected"
	default:
		return fmt.Sprintf("creator(%d)", uint8(s))
	}
}

// JoinerState is the state of one join attempt on the joiner's router.
type JoinerState uint8

const (
	JoinerIdle JoinerState = iota
	JoinerRequesting // choosing a transport and connecting
	JoinerPending    // AttachSession sent to the host's router
	JoinerEstablished
	JoinerFailed
)

func (s JoinerState) String() string {
	switch s {
	case JoinerIdle:
		return "idle"
	case JoinerRequesting:
		return "requesting"
	case JoinerPending:
		return "pending"
	case JoinerEstablished:
		return "established"
	case JoinerFailed:
		return "failed"
	default:
		return fmt.Sprintf("joiner(%d)", uint8(s))
	}
}

// JoinAttempt is a snapshot of one join as tracked by the joiner's router.
type JoinAttempt struct {
	ID        uint64
	Joiner    string
	Host      string
	Port      uint16
	Opts      protocol.SessionOpts
	State     JoinerState
	Reply     protocol.JoinReply // set once the attempt is terminal
	Reason    string             // failure detail
	SessionID uint32
	Transport string // transport used to reach the host, empty if already linked or local
}

// JoinError is a join that ended without a session.
type JoinError struct {
	Code   protocol.JoinReply
	Reason string
}

func (e *JoinError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("join session: %s", e.Code)
	}
	return fmt.Sprintf("join session: %s: %s", e.Code, e.Reason)
}

// Session is a snapshot of a session this router takes part in.
type Session struct {
	ID      uint32
	Host    string
	Port    uint16
	Opts    protocol.SessionOpts
	Members []string // host first, then joiners in join order
}
