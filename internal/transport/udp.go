package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/signaling"
	"github.com/1ureka/p2pbus/internal/util"
)

// udpHeaderSize is the sequence number in front of every frame.
const udpHeaderSize = 4

// DefaultNegotiateTimeout bounds signaling plus DataChannel setup.
const DefaultNegotiateTimeout = 30 * time.Second

// UDPConfig configures a UDPTransport.
type UDPConfig struct {
	Listen     string   // signaling (WebSocket) listen address
	ICEServers []string // stun: and turn: URLs
	PublicIPs  []string // advertised as server-reflexive candidates
	Loopback   bool     // gather loopback candidates too
	Timeout    time.Duration
}

// UDPTransport carries messages over WebRTC DataChannels. Peers dial the
// signaling server to set a link up; every link is its own PeerConnection.
type UDPTransport struct {
	cfg   UDPConfig
	pool  *packet.Pool
	stats *util.Stats
	api   *webrtc.API

	mu     sync.Mutex
	srv    *signaling.Server
	conns  map[*udpConn]struct{}
	closed bool
}

// NewUDP creates a UDP transport. Frames are built in pool packets, so the
// pool's MTU bounds the message size.
func NewUDP(cfg UDPConfig, pool *packet.Pool, stats *util.Stats) *UDPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNegotiateTimeout
	}
	return &UDPTransport{
		cfg:   cfg,
		pool:  pool,
		stats: stats,
		api:   newAPI(cfg),
		conns: make(map[*udpConn]struct{}),
	}
}

func (t *UDPTransport) Name() string                 { return NameUDP }
func (t *UDPTransport) Mask() protocol.TransportMask { return protocol.TransportUDP }

func (t *UDPTransport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.srv == nil {
		return ""
	}
	return t.srv.Addr()
}

// Start serves signaling; each joiner that completes the exchange becomes
// a Conn handed to accept.
func (t *UDPTransport) Start(ctx context.Context, accept func(Conn)) error {
	srv := signaling.NewServer(t.cfg.Listen, func(ws *websocket.Conn) {
		defer ws.Close()

		nctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()

		conn, err := t.negotiate(nctx, ws, signaling.Answerer, ws.RemoteAddr().String())
		if err != nil {
			util.LogWarning("[udp] link from %s failed: %v", ws.RemoteAddr(), err)
			return
		}
		accept(conn)
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrConnClosed
	}
	t.srv = srv
	t.mu.Unlock()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return nil
}

// Connect sets up a link through the signaling server at addr.
func (t *UDPTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	nctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	ws, err := signaling.Dial(nctx, signaling.URL(addr))
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	return t.negotiate(nctx, ws, signaling.Offerer, addr)
}

func (t *UDPTransport) negotiate(ctx context.Context, ws *websocket.Conn, role signaling.Role, remote string) (*udpConn, error) {
	conn, err := t.newConn(remote)
	if err != nil {
		return nil, err
	}
	if err := signaling.Exchange(ctx, ws, conn.pc, role, conn.open); err != nil {
		conn.Close()
		return nil, err
	}
	util.LogDebug("[udp] DataChannel to %s open", remote)
	return conn, nil
}

// Close stops signaling and closes every link.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	srv := t.srv
	conns := make([]*udpConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var errs []error
	if srv != nil {
		errs = append(errs, srv.Close())
	}
	for _, c := range conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (t *UDPTransport) newConn(remote string) (*udpConn, error) {
	pc, err := newPeerConnection(t.api, t.cfg)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		pc.Close()
		return nil, ErrConnClosed
	}
	conn := newUDPConn(pc, dc, remote, t.pool, t.stats)
	t.conns[conn] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-conn.Done()
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	}()
	return conn, nil
}

// ---------------------------------------------------------------------------
// udpConn
// ---------------------------------------------------------------------------

// udpConn is one PeerConnection + DataChannel pair. Its lifecycle follows
// the DataChannel; a failed or closed PeerConnection also ends it.
type udpConn struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	remote string
	pool   *packet.Pool
	stats  *util.Stats

	seq    atomic.Uint32
	open   chan struct{}
	sender *sender

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu      sync.Mutex
	handler func(*protocol.Message)
	reasm   *Reassembler
	backlog []*protocol.Message
}

func newUDPConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, remote string, pool *packet.Pool, stats *util.Stats) *udpConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &udpConn{
		pc:     pc,
		dc:     dc,
		remote: remote,
		pool:   pool,
		stats:  stats,
		open:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		reasm:  NewReassembler(),
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.open) })
	})
	dc.OnClose(func() {
		util.LogDebug("[udp] DataChannel to %s closed", remote)
		cancel()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("[udp] PeerConnection to %s: %s", remote, state)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})
	dc.OnMessage(c.receive)

	c.sender = newSender(ctx, dc, c.open, pool, stats, func(err error) {
		util.LogDebug("[udp] send to %s: %v", remote, err)
		c.Close()
	})
	return c
}

func (c *udpConn) RemoteAddr() string    { return c.remote }
func (c *udpConn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *udpConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = errors.Join(c.dc.Close(), c.pc.Close())
	})
	return err
}

func (c *udpConn) Send(ctx context.Context, msg *protocol.Message) error {
	pkt, _, err := encodeFrame(c.pool, udpHeaderSize, msg)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(pkt.Buffer()[:udpHeaderSize], c.seq.Add(1))
	return c.sender.send(ctx, c.ctx, pkt)
}

func (c *udpConn) OnMessage(fn func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
	backlog := c.backlog
	c.backlog = nil
	for _, msg := range backlog {
		fn(msg)
	}
}

// receive runs on pion's read goroutine. Delivery happens under mu so
// messages reach the handler in sequence order.
func (c *udpConn) receive(dm webrtc.DataChannelMessage) {
	if len(dm.Data) < udpHeaderSize {
		util.LogWarning("[udp] runt frame from %s", c.remote)
		return
	}
	seq := binary.BigEndian.Uint32(dm.Data[:udpHeaderSize])
	msg, err := protocol.Decode(dm.Data[udpHeaderSize:])
	if err != nil {
		util.LogWarning("[udp] bad frame from %s: %v", c.remote, err)
		c.Close()
		return
	}
	c.stats.AddRecv(len(dm.Data))

	c.mu.Lock()
	defer c.mu.Unlock()
	ready := c.reasm.Feed(seq, msg)
	if c.handler == nil {
		c.backlog = append(c.backlog, ready...)
		return
	}
	for _, m := range ready {
		c.handler(m)
	}
}
