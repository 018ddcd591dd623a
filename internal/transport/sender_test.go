package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/p2pbus/internal/packet"
)

// fakeDC is a DataChannel whose buffered amount the test controls.
type fakeDC struct {
	mu       sync.Mutex
	buffered uint64
	sent     [][]byte
	low      func()
	failWith error
	sentCh   chan struct{}
}

func newFakeDC() *fakeDC { return &fakeDC{sentCh: make(chan struct{}, 64)} }

func (d *fakeDC) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return d.failWith
	}
	d.sent = append(d.sent, append([]byte(nil), data...))
	d.sentCh <- struct{}{}
	return nil
}

func (d *fakeDC) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *fakeDC) SetBufferedAmountLowThreshold(uint64) {}
func (d *fakeDC) OnBufferedAmountLow(f func())         { d.low = f }

func (d *fakeDC) setBuffered(n uint64) {
	d.mu.Lock()
	d.buffered = n
	d.mu.Unlock()
}

func (d *fakeDC) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func framePacket(pool *packet.Pool, b byte) *packet.Packet {
	pkt := pool.GetPacket()
	pkt.Buffer()[0] = b
	pkt.SetLen(1)
	return pkt
}

func TestSenderWaitsForOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := packet.NewPool(64, nil)
	dc := newFakeDC()
	open := make(chan struct{})
	s := newSender(ctx, dc, open, pool, nil, func(error) {})

	if err := s.send(ctx, ctx, framePacket(pool, 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if dc.count() != 0 {
		t.Fatal("frame written before the channel opened")
	}

	close(open)
	select {
	case <-dc.sentCh:
	case <-time.After(time.Second):
		t.Fatal("frame not written after open")
	}
}

func TestSenderBackpressure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := packet.NewPool(64, nil)
	dc := newFakeDC()
	open := make(chan struct{})
	close(open)
	s := newSender(ctx, dc, open, pool, nil, func(error) {})

	dc.setBuffered(highWaterMark + 1)
	if err := s.send(ctx, ctx, framePacket(pool, 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if dc.count() != 0 {
		t.Fatal("frame written above the high watermark")
	}

	dc.setBuffered(0)
	dc.low()
	select {
	case <-dc.sentCh:
	case <-time.After(time.Second):
		t.Fatal("frame not written after the buffer drained")
	}
	if st := pool.Stats(); st.Used != 0 {
		t.Fatalf("%d packets outstanding after write", st.Used)
	}
}

func TestSenderFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := packet.NewPool(64, nil)
	dc := newFakeDC()
	dc.failWith = errors.New("sctp gone")
	open := make(chan struct{})
	close(open)

	failed := make(chan error, 1)
	s := newSender(ctx, dc, open, pool, nil, func(err error) { failed <- err })
	if err := s.send(ctx, ctx, framePacket(pool, 1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-failed:
		if err != dc.failWith {
			t.Fatalf("onFail got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("onFail not called")
	}
}

func TestSenderClosedConn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := packet.NewPool(64, nil)
	s := newSender(ctx, newFakeDC(), make(chan struct{}), pool, nil, func(error) {})
	cancel()

	err := s.send(context.Background(), ctx, framePacket(pool, 1))
	if !errors.Is(err, ErrConnClosed) {
		t.Fatalf("send = %v, want ErrConnClosed", err)
	}
}
