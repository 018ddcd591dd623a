package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so equal bodies encode to equal
// bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a message body.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a message body into v.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// Members of the router controller object.
const (
	MemberHello            = "Hello"
	MemberRequestName      = "RequestName"
	MemberReleaseName      = "ReleaseName"
	MemberNameOwnerChanged = "NameOwnerChanged"
	MemberBindSessionPort  = "BindSessionPort"
	MemberUnbindSession    = "UnbindSessionPort"
	MemberJoinSession      = "JoinSession"
	MemberLeaveSession     = "LeaveSession"
	MemberAttachSession    = "AttachSession"
	MemberDetachSession    = "DetachSession"
	MemberGetSessionInfo   = "GetSessionInfo"

	// Members called on or signalled to attachments.
	MemberAcceptSession        = "AcceptSession"
	MemberSessionJoined        = "SessionJoined"
	MemberSessionLost          = "SessionLost"
	MemberSessionMemberAdded   = "SessionMemberAdded"
	MemberSessionMemberRemoved = "SessionMemberRemoved"
)

// Error names carried in the Member field of error replies.
const (
	ErrorNoSuchMethod = "org.p2pbus.Error.NoSuchMethod"
	ErrorFailed       = "org.p2pbus.Error.Failed"
	ErrorNoRoute      = "org.p2pbus.Error.NoRoute"
)

// JoinReply is the outcome of a JoinSession or AttachSession call.
type JoinReply uint32

const (
	JoinSuccess        JoinReply = 1
	JoinNoSession      JoinReply = 2
	JoinUnreachable    JoinReply = 3
	JoinConnectFailed  JoinReply = 4
	JoinRejected       JoinReply = 5
	JoinBadSessionOpts JoinReply = 6
	JoinAlreadyJoined  JoinReply = 7
	JoinFailed         JoinReply = 10
)

func (r JoinReply) String() string {
	switch r {
	case JoinSuccess:
		return "success"
	case JoinNoSession:
		return "no session"
	case JoinUnreachable:
		return "unreachable"
	case JoinConnectFailed:
		return "connect failed"
	case JoinRejected:
		return "rejected"
	case JoinBadSessionOpts:
		return "bad session opts"
	case JoinAlreadyJoined:
		return "already joined"
	case JoinFailed:
		return "failed"
	default:
		return fmt.Sprintf("reply(%d)", uint32(r))
	}
}

// ErrorBody is the body of an error reply.
type ErrorBody struct {
	Message string `cbor:"1,keyasint"`
}

// HelloBody is exchanged when a router link or attachment comes up.
type HelloBody struct {
	GUID       string        `cbor:"1,keyasint"`
	Name       string        `cbor:"2,keyasint"` // controller or assigned unique name
	Version    uint32        `cbor:"3,keyasint"`
	Transports TransportMask `cbor:"4,keyasint"`
	// Addrs maps transport names to the addresses the router listens on.
	Addrs map[string]string `cbor:"5,keyasint,omitempty"`
}

// NameBody carries well-known name requests and ownership changes.
type NameBody struct {
	Name     string `cbor:"1,keyasint"`
	OldOwner string `cbor:"2,keyasint,omitempty"`
	NewOwner string `cbor:"3,keyasint,omitempty"`
}

// NameReply answers RequestName and ReleaseName.
type NameReply struct {
	OK bool `cbor:"1,keyasint"`
}

// BindSessionBody asks the router to bind a session port.
type BindSessionBody struct {
	Port uint16      `cbor:"1,keyasint"`
	Opts SessionOpts `cbor:"2,keyasint"`
}

// JoinSessionBody asks the local router to join a session hosted by Host.
type JoinSessionBody struct {
	Host string      `cbor:"1,keyasint"`
	Port uint16      `cbor:"2,keyasint"`
	Opts SessionOpts `cbor:"3,keyasint"`
}

// JoinSessionReply answers JoinSession and AttachSession.
type JoinSessionReply struct {
	Code      JoinReply   `cbor:"1,keyasint"`
	SessionID uint32      `cbor:"2,keyasint"`
	Opts      SessionOpts `cbor:"3,keyasint"`
	Members   []string    `cbor:"4,keyasint,omitempty"`
}

// AttachSessionBody is sent by the joiner's router to the creator's
// router.
type AttachSessionBody struct {
	Port    uint16      `cbor:"1,keyasint"`
	Joiner  string      `cbor:"2,keyasint"`
	Creator string      `cbor:"3,keyasint"`
	Opts    SessionOpts `cbor:"4,keyasint"`
}

// AcceptSessionBody asks a binding attachment whether to admit a joiner.
type AcceptSessionBody struct {
	Port      uint16      `cbor:"1,keyasint"`
	SessionID uint32      `cbor:"2,keyasint"`
	Joiner    string      `cbor:"3,keyasint"`
	Opts      SessionOpts `cbor:"4,keyasint"`
}

// AcceptSessionReply is the binding attachment's decision.
type AcceptSessionReply struct {
	Accept bool `cbor:"1,keyasint"`
}

// LeaveSessionBody leaves or detaches from a session.
type LeaveSessionBody struct {
	SessionID uint32 `cbor:"1,keyasint"`
	Member    string `cbor:"2,keyasint,omitempty"`
}

// SessionInfoBody asks for or reports the members of a session.
type SessionInfoBody struct {
	SessionID uint32   `cbor:"1,keyasint"`
	Members   []string `cbor:"2,keyasint,omitempty"`
}

// SessionEventBody is the body of the session signals sent to attachments.
type SessionEventBody struct {
	SessionID uint32      `cbor:"1,keyasint"`
	Port      uint16      `cbor:"2,keyasint,omitempty"`
	Member    string      `cbor:"3,keyasint,omitempty"`
	Opts      SessionOpts `cbor:"4,keyasint,omitempty"`
	Reason    string      `cbor:"5,keyasint,omitempty"`
}
