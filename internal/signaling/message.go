// Package signaling handles the WebSocket-based signaling phase between two
// routers setting up a link: SDP/ICE for WebRTC links, ICE credentials for
// bus ICE links.
package signaling

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"

	// MsgTypeCredentials carries the ICE credentials and the full
	// candidate list of a bus ICE link in one message.
	MsgTypeCredentials MessageType = "credentials"
)

// Message is the JSON structure exchanged over the WebSocket during signaling.
type Message struct {
	Type      MessageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit

	Ufrag      string   `json:"ufrag,omitempty"`
	Pwd        string   `json:"pwd,omitempty"`
	Candidates []string `json:"candidates,omitempty"` // SDP candidate attributes
}
