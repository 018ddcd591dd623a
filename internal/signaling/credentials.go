package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Credentials is one side's half of an ICE link setup.
type Credentials struct {
	Ufrag      string
	Pwd        string
	Candidates []string
}

// ExchangeCredentials sends local over conn and returns the peer's
// credentials. Both sides write before reading, so neither has to wait for
// the other to speak first. ctx bounds the exchange.
func ExchangeCredentials(ctx context.Context, conn *websocket.Conn, local Credentials) (Credentials, error) {
	deadline, _ := ctx.Deadline() // zero clears any earlier deadline
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	out := Message{Type: MsgTypeCredentials, Ufrag: local.Ufrag, Pwd: local.Pwd, Candidates: local.Candidates}
	if err := conn.WriteJSON(out); err != nil {
		return Credentials{}, fmt.Errorf("send credentials: %w", err)
	}

	var in Message
	if err := conn.ReadJSON(&in); err != nil {
		if ctx.Err() != nil {
			return Credentials{}, ctx.Err()
		}
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	if in.Type != MsgTypeCredentials {
		return Credentials{}, fmt.Errorf("unexpected %q message", in.Type)
	}
	if in.Ufrag == "" || in.Pwd == "" {
		return Credentials{}, fmt.Errorf("credentials without ufrag or pwd")
	}
	return Credentials{Ufrag: in.Ufrag, Pwd: in.Pwd, Candidates: in.Candidates}, nil
}
