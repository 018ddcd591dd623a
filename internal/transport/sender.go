package transport

import (
	"context"

	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// dataChannel is the part of *webrtc.DataChannel the sender writes to.
type dataChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// sender is a goroutine-based frame writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	pool        *packet.Pool
	stats       *util.Stats
	inbox       chan *packet.Packet
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled or a
// write fails, calling onFail in the latter case.
func newSender(ctx context.Context, dc dataChannel, openSignal <-chan struct{}, pool *packet.Pool, stats *util.Stats, onFail func(error)) *sender {
	s := &sender{
		pool:        pool,
		stats:       stats,
		inbox:       make(chan *packet.Packet, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal, onFail)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc dataChannel, openSignal <-chan struct{}, onFail func(error)) {
	defer s.drain()

	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case pkt := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					s.pool.ReturnPacket(pkt)
					return
				}
			}

			n := pkt.Len()
			err := dc.Send(pkt.Bytes())
			s.pool.ReturnPacket(pkt)
			if err != nil {
				onFail(err)
				return
			}
			s.stats.AddSent(n)
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a frame for transmission. It blocks while the internal
// buffer is full.
func (s *sender) send(ctx, connCtx context.Context, pkt *packet.Packet) error {
	if connCtx.Err() != nil {
		s.pool.ReturnPacket(pkt)
		return ErrConnClosed
	}
	select {
	case s.inbox <- pkt:
		return nil
	case <-ctx.Done():
		s.pool.ReturnPacket(pkt)
		return ctx.Err()
	case <-connCtx.Done():
		s.pool.ReturnPacket(pkt)
		return ErrConnClosed
	}
}

func (s *sender) drain() {
	for {
		select {
		case pkt := <-s.inbox:
			s.pool.ReturnPacket(pkt)
		default:
			return
		}
	}
}
