package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pbus/internal/util"
)

// Role selects which side of the exchange sends the offer.
type Role uint8

const (
	Offerer  Role = iota // the dialing side
	Answerer             // the listening side
)

// Peer is the part of *webrtc.PeerConnection the exchange drives.
type Peer interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
}

// exchange runs one side of the SDP/ICE exchange. Candidates are
// trickled both ways; remote candidates that arrive before the remote
// description are held until it is set.
type exchange struct {
	conn *websocket.Conn
	pc   Peer
	role Role

	wsMu sync.Mutex

	mu         sync.Mutex
	haveRemote bool
	pending    []webrtc.ICECandidateInit
}

// Exchange performs the SDP/ICE exchange for pc over conn and returns once
// ready is closed (the DataChannel opened). The caller closes conn
// afterwards.
func Exchange(ctx context.Context, conn *websocket.Conn, pc Peer, role Role, ready <-chan struct{}) error {
	x := &exchange{conn: conn, pc: pc, role: role}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		// Best effort: the WS is closed as soon as the channel opens.
		if err := x.send(Message{Type: MsgTypeCandidate, Candidate: string(data)}); err != nil {
			util.LogDebug("[signaling] candidate not sent: %v", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- x.watch() // Exits when conn is closed by the caller.
	}()

	if role == Offerer {
		if err := x.sendOffer(); err != nil {
			return fmt.Errorf("send offer: %w", err)
		}
	}

	select {
	case <-ready:
		return nil
	case err := <-errCh:
		select {
		case <-ready:
			return nil
		default:
			return fmt.Errorf("signaling failed: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send writes a signaling message to the WebSocket, guarded by a mutex.
func (x *exchange) send(msg Message) error {
	x.wsMu.Lock()
	defer x.wsMu.Unlock()
	return x.conn.WriteJSON(msg)
}

// sendOffer creates an SDP offer, sets it as local description, and sends it.
func (x *exchange) sendOffer() error {
	offer, err := x.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := x.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return x.send(Message{Type: MsgTypeOffer, SDP: offer.SDP})
}

// sendAnswer creates an SDP answer, sets it as local description, and sends it.
func (x *exchange) sendAnswer() error {
	answer, err := x.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := x.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return x.send(Message{Type: MsgTypeAnswer, SDP: answer.SDP})
}

// watch reads signaling messages until the connection fails.
func (x *exchange) watch() error {
	for {
		var msg Message
		if err := x.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read WS message: %w", err)
		}

		switch msg.Type {
		case MsgTypeOffer:
			if x.role != Answerer {
				return fmt.Errorf("unexpected offer")
			}
			if err := x.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
				return err
			}
			if err := x.sendAnswer(); err != nil {
				return err
			}

		case MsgTypeAnswer:
			if x.role != Offerer {
				return fmt.Errorf("unexpected answer")
			}
			if err := x.setRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
				return err
			}

		case MsgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if err := x.addCandidate(init); err != nil {
				return err
			}
		}
	}
}

func (x *exchange) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := x.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return err
	}
	x.mu.Lock()
	x.haveRemote = true
	pending := x.pending
	x.pending = nil
	x.mu.Unlock()

	for _, c := range pending {
		if err := x.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (x *exchange) addCandidate(c webrtc.ICECandidateInit) error {
	x.mu.Lock()
	if !x.haveRemote {
		x.pending = append(x.pending, c)
		x.mu.Unlock()
		return nil
	}
	x.mu.Unlock()
	return x.pc.AddICECandidate(c)
}
