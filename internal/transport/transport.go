// Package transport carries bus messages between routers. A Transport
// listens for and dials connections of one kind (TCP streams, WebRTC
// DataChannels); a Conn moves whole protocol messages over one of them.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/protocol"
)

var (
	ErrMessageTooLarge = errors.New("message exceeds link MTU")
	ErrConnClosed      = errors.New("connection closed")
	ErrNotStarted      = errors.New("transport not started")
)

// Transport names, used as keys in advertised and configured addresses.
const (
	NameTCP = "tcp"
	NameUDP = "udp"
)

// sendBufferSize is the capacity of a connection's outgoing queue.
const sendBufferSize = 64

// Conn is one message connection to another router.
type Conn interface {
	// Send queues msg for transmission. It blocks while the queue is full.
	Send(ctx context.Context, msg *protocol.Message) error
	// OnMessage installs the receive callback. Reading starts on the first
	// call; messages that arrive earlier are held until then.
	OnMessage(fn func(*protocol.Message))
	// Done is closed when the connection ends.
	Done() <-chan struct{}
	Close() error
	RemoteAddr() string
}

// Transport creates connections of one kind.
type Transport interface {
	Name() string
	Mask() protocol.TransportMask
	// Start begins accepting connections; accept runs once per new Conn.
	Start(ctx context.Context, accept func(Conn)) error
	Connect(ctx context.Context, addr string) (Conn, error)
	// ListenAddr is the address peers dial, empty before Start.
	ListenAddr() string
	Close() error
}

// encodeFrame writes a header of hdr bytes (filled in by the caller)
// followed by msg into a packet from pool.
func encodeFrame(pool *packet.Pool, hdr int, msg *protocol.Message) (*packet.Packet, int, error) {
	size := protocol.Size(msg)
	if hdr+size > pool.MTU() {
		return nil, 0, fmt.Errorf("%w: %d bytes, mtu %d", ErrMessageTooLarge, hdr+size, pool.MTU())
	}
	pkt := pool.GetPacket()
	n, err := protocol.EncodeTo(pkt.Buffer()[hdr:], msg)
	if err != nil {
		pool.ReturnPacket(pkt)
		return nil, 0, err
	}
	pkt.SetLen(hdr + n)
	return pkt, n, nil
}
