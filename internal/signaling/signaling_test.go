package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// fakePeer records what the exchange does to it. ready is closed once the
// remote description of the expected type is applied.
type fakePeer struct {
	mu     sync.Mutex
	local  string
	remote []webrtc.SessionDescription
	cands  []string
	events []string

	readyOn webrtc.SDPType
	ready   chan struct{}
	once    sync.Once
}

func newFakePeer(local string, readyOn webrtc.SDPType) *fakePeer {
	return &fakePeer{local: local, readyOn: readyOn, ready: make(chan struct{})}
}

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.local}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.local}, nil
}

func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = append(p.remote, desc)
	p.events = append(p.events, "remote")
	p.mu.Unlock()
	if desc.Type == p.readyOn {
		p.once.Do(func() { close(p.ready) })
	}
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.cands = append(p.cands, c.Candidate)
	p.events = append(p.events, "candidate")
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnICECandidate(func(*webrtc.ICECandidate)) {}

// hold keeps a server-side connection open until the test ends, so the
// exchange can keep writing after it reports ready.
func hold(t *testing.T) <-chan struct{} {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return release
}

func startServer(t *testing.T, onConn func(*websocket.Conn)) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", onConn)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestExchangeOfferAnswer(t *testing.T) {
	answerer := newFakePeer("answer-sdp", webrtc.SDPTypeOffer)
	answerDone := make(chan error, 1)
	release := hold(t)

	srv := startServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		answerDone <- Exchange(context.Background(), conn, answerer, Answerer, answerer.ready)
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, URL(srv.Addr()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	offerer := newFakePeer("offer-sdp", webrtc.SDPTypeAnswer)
	if err := Exchange(ctx, conn, offerer, Offerer, offerer.ready); err != nil {
		t.Fatalf("offerer Exchange: %v", err)
	}
	if err := <-answerDone; err != nil {
		t.Fatalf("answerer Exchange: %v", err)
	}

	if got := offerer.remote[0].SDP; got != "answer-sdp" {
		t.Errorf("offerer remote SDP = %q, want answer-sdp", got)
	}
	if got := answerer.remote[0].SDP; got != "offer-sdp" {
		t.Errorf("answerer remote SDP = %q, want offer-sdp", got)
	}
}

func TestEarlyCandidatesAreHeld(t *testing.T) {
	answerer := newFakePeer("answer-sdp", webrtc.SDPTypeOffer)
	done := make(chan error, 1)
	release := hold(t)
	srv := startServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		done <- Exchange(context.Background(), conn, answerer, Answerer, answerer.ready)
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, URL(srv.Addr()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	cand, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host"})
	msgs := []Message{
		{Type: MsgTypeCandidate, Candidate: string(cand)},
		{Type: MsgTypeOffer, SDP: "offer-sdp"},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}

	var answer Message
	if err := conn.ReadJSON(&answer); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if answer.Type != MsgTypeAnswer || answer.SDP != "answer-sdp" {
		t.Fatalf("got %+v, want the answer", answer)
	}
	if err := <-done; err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	// The candidate is applied right after the remote description.
	deadline := time.Now().Add(2 * time.Second)
	for {
		answerer.mu.Lock()
		events := append([]string(nil), answerer.events...)
		answerer.mu.Unlock()
		if len(events) == 2 {
			if events[0] != "remote" || events[1] != "candidate" {
				t.Fatalf("events = %v, want [remote candidate]", events)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events = %v, candidate never applied", events)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerAcceptsManyJoiners(t *testing.T) {
	var mu sync.Mutex
	accepted := 0
	all := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		mu.Lock()
		accepted++
		if accepted == 3 {
			close(all)
		}
		mu.Unlock()
		conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		conn, err := Dial(ctx, URL(srv.Addr()))
		if err != nil {
			t.Fatalf("Dial %d: %v", i, err)
		}
		defer conn.Close()
	}

	select {
	case <-all:
	case <-ctx.Done():
		t.Fatalf("only %d joiners accepted", accepted)
	}
}

func TestExchangeCredentials(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	listener := Credentials{Ufrag: "lstn", Pwd: "listener-password", Candidates: []string{"candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host"}}
	dialer := Credentials{Ufrag: "dial", Pwd: "dialer-password"}

	got := make(chan Credentials, 1)
	srv := startServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		remote, err := ExchangeCredentials(ctx, conn, listener)
		if err != nil {
			t.Errorf("listener side: %v", err)
		}
		got <- remote
	})

	conn, err := Dial(ctx, URL(srv.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	remote, err := ExchangeCredentials(ctx, conn, dialer)
	if err != nil {
		t.Fatalf("dialer side: %v", err)
	}
	if remote.Ufrag != listener.Ufrag || remote.Pwd != listener.Pwd || len(remote.Candidates) != 1 || remote.Candidates[0] != listener.Candidates[0] {
		t.Fatalf("dialer received %+v", remote)
	}
	if r := <-got; r.Ufrag != dialer.Ufrag || r.Pwd != dialer.Pwd || len(r.Candidates) != 0 {
		t.Fatalf("listener received %+v", r)
	}
}

func TestExchangeCredentialsTimesOut(t *testing.T) {
	srv := startServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.ReadMessage() // never answers
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	conn, err := Dial(ctx, URL(srv.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := ExchangeCredentials(ctx, conn, Credentials{Ufrag: "a", Pwd: "b"}); err == nil {
		t.Fatal("exchange with a silent peer succeeded")
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"127.0.0.1:7001", "ws://127.0.0.1:7001/ws"},
		{"ws://example.net/ws", "ws://example.net/ws"},
		{"wss://example.net/bus?pin=1", "wss://example.net/bus?pin=1"},
	}
	for _, tt := range tests {
		if got := URL(tt.in); got != tt.want {
			t.Errorf("URL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
