package transport

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/protocol"
)

// collector gathers delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []*protocol.Message
	ch   chan struct{}
}

func newCollector() *collector { return &collector{ch: make(chan struct{}, 1024)} }

func (c *collector) add(m *protocol.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []*protocol.Message {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.ch:
		case <-timeout:
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.msgs...)
}

func testMessage(serial uint32, body []byte) *protocol.Message {
	return &protocol.Message{
		Type:        protocol.TypeSignal,
		Serial:      serial,
		Sender:      ":abcdefghijklmnop.2",
		Destination: ":qrstuvwxyz012345.2",
		Member:      "Ping",
		Body:        body,
	}
}

// tcpPair starts a TCP transport and dials it.
func tcpPair(t *testing.T, pool *packet.Pool) (client, server Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr := NewTCP("127.0.0.1:0", pool, nil)
	accepted := make(chan Conn, 1)
	if err := tr.Start(ctx, func(c Conn) { accepted <- c }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	dialer := NewTCP("", pool, nil)
	t.Cleanup(func() { dialer.Close() })
	client, err := dialer.Connect(ctx, tr.ListenAddr())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
	}
	return client, server
}

func TestTCPRoundTrip(t *testing.T) {
	pool := packet.NewPool(0, nil)
	client, server := tcpPair(t, pool)

	got := newCollector()
	server.OnMessage(got.add)

	const count = 100
	bodies := make([][]byte, count)
	for i := range bodies {
		bodies[i] = make([]byte, rand.IntN(4096))
		for j := range bodies[i] {
			bodies[i][j] = byte(rand.IntN(256))
		}
		if err := client.Send(context.Background(), testMessage(uint32(i+1), bodies[i])); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	msgs := got.wait(t, count)
	for i, m := range msgs {
		if m.Serial != uint32(i+1) {
			t.Fatalf("message %d has serial %d, stream reordered", i, m.Serial)
		}
		if !bytes.Equal(m.Body, bodies[i]) {
			t.Fatalf("message %d body mismatch", i)
		}
	}
}

func TestTCPHoldsMessagesUntilHandlerSet(t *testing.T) {
	pool := packet.NewPool(0, nil)
	client, server := tcpPair(t, pool)

	for i := uint32(1); i <= 3; i++ {
		if err := client.Send(context.Background(), testMessage(i, nil)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	got := newCollector()
	server.OnMessage(got.add)
	if msgs := got.wait(t, 3); msgs[0].Serial != 1 {
		t.Fatalf("first message serial = %d, want 1", msgs[0].Serial)
	}
}

func TestMessageTooLarge(t *testing.T) {
	pool := packet.NewPool(1024, nil)
	client, _ := tcpPair(t, pool)

	err := client.Send(context.Background(), testMessage(1, make([]byte, 2048)))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("Send = %v, want ErrMessageTooLarge", err)
	}
	if st := pool.Stats(); st.Used != 0 {
		t.Fatalf("pool has %d packets outstanding after a rejected send", st.Used)
	}
}

func TestTCPCloseEndsBothSides(t *testing.T) {
	pool := packet.NewPool(0, nil)
	client, server := tcpPair(t, pool)
	server.OnMessage(func(*protocol.Message) {})

	client.Close()
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server side not closed after client Close")
	}

	err := client.Send(context.Background(), testMessage(1, nil))
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Send after Close = %v, want ErrConnClosed", err)
	}
}

func TestTCPTransportClose(t *testing.T) {
	pool := packet.NewPool(0, nil)
	tr := NewTCP("127.0.0.1:0", pool, nil)
	accepted := make(chan Conn, 1)
	if err := tr.Start(context.Background(), func(c Conn) { accepted <- c }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dialer := NewTCP("", pool, nil)
	defer dialer.Close()
	if _, err := dialer.Connect(context.Background(), tr.ListenAddr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := <-accepted

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("accepted conn survived transport Close")
	}
	if _, err := tr.Connect(context.Background(), "127.0.0.1:1"); err == nil {
		t.Fatal("Connect on a closed transport succeeded")
	}
}
