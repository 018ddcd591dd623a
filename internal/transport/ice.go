package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pbus/internal/ice"
	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/signaling"
	"github.com/1ureka/p2pbus/internal/util"
)

// NameICE is the transport name of bus ICE links.
const NameICE = "ice"

// iceHeaderSize is the sequence number in front of every datagram. A frame
// of only the header, sequence 0, is a keepalive; sequence 0 followed by
// iceBye announces that the sender closed the link.
const (
	iceHeaderSize = 4
	iceBye        = 0xff
)

// DefaultICEKeepAlive is how often an idle ICE link sends a keepalive. A
// link that hears nothing for three intervals is closed.
const DefaultICEKeepAlive = 5 * time.Second

// ICEConfig configures an ICETransport.
type ICEConfig struct {
	Listen    string // signaling (WebSocket) listen address
	Bind      string // UDP address each link's socket binds, default 0.0.0.0:0
	Gather    ice.GatherConfig
	KeepAlive time.Duration
	Timeout   time.Duration
}

// ICETransport carries messages as plain datagrams over a pair selected by
// the ice package's connectivity checks. Every link has its own socket,
// gathered against the configured STUN/TURN servers; credentials and
// candidates travel over the same WebSocket signaling as the UDP
// transport. Delivery is in order but not reliable: late datagrams are
// dropped, lost ones are not resent.
type ICETransport struct {
	cfg   ICEConfig
	pool  *packet.Pool
	stats *util.Stats

	mu     sync.Mutex
	srv    *signaling.Server
	conns  map[*iceConn]struct{}
	closed bool
}

// NewICE creates an ICE transport. The pool's MTU bounds the message size.
func NewICE(cfg ICEConfig, pool *packet.Pool, stats *util.Stats) *ICETransport {
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0:0"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultICEKeepAlive
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNegotiateTimeout
	}
	if cfg.Gather.Policy.MaxAttempts == 0 {
		cfg.Gather.Policy = ice.DefaultRetransmitPolicy()
	}
	return &ICETransport{
		cfg:   cfg,
		pool:  pool,
		stats: stats,
		conns: make(map[*iceConn]struct{}),
	}
}

func (t *ICETransport) Name() string                 { return NameICE }
func (t *ICETransport) Mask() protocol.TransportMask { return protocol.TransportICE }

func (t *ICETransport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.srv == nil {
		return ""
	}
	return t.srv.Addr()
}

// Start serves signaling; the listening side is the controlled agent.
func (t *ICETransport) Start(ctx context.Context, accept func(Conn)) error {
	srv := signaling.NewServer(t.cfg.Listen, func(ws *websocket.Conn) {
		defer ws.Close()

		nctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()

		conn, err := t.negotiate(nctx, ws, false, ws.RemoteAddr().String())
		if err != nil {
			util.LogWarning("[ice] link from %s failed: %v", ws.RemoteAddr(), err)
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

// Connect sets up a link through the signaling server at addr as the
// controlling agent.
func (t *ICETransport) Connect(ctx context.Context, addr string) (Conn, error) {
	nctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	ws, err := signaling.Dial(nctx, signaling.URL(addr))
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	return t.negotiate(nctx, ws, true, addr)
}

// negotiate gathers candidates on a fresh socket, swaps credentials with
// the peer and runs connectivity checks until a pair is selected.
func (t *ICETransport) negotiate(ctx context.Context, ws *websocket.Conn, controlling bool, remote string) (*iceConn, error) {
	sock, err := net.ListenPacket("udp", t.cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("open link socket: %w", err)
	}
	mux := ice.NewMux(sock, t.pool, t.stats)
	gatherer := ice.NewGatherer(mux, t.cfg.Gather)
	conn := newICEConn(mux, gatherer, remote, t.pool, t.cfg.KeepAlive)

	fail := func(err error) (*iceConn, error) {
		conn.Close()
		return nil, err
	}

	locals, err := gatherer.Gather(ctx)
	if len(locals) == 0 {
		return fail(fmt.Errorf("gather candidates: %w", err))
	}
	if err != nil {
		util.LogWarning("[ice] gathering for %s incomplete: %v", remote, err)
	}

	agent := ice.NewAgent(mux, ice.AgentConfig{Controlling: controlling, Policy: t.cfg.Gather.Policy})
	agent.SetLocalCandidates(locals)

	creds := agent.LocalCredentials()
	local := signaling.Credentials{Ufrag: creds.Ufrag, Pwd: creds.Pwd}
	for _, c := range locals {
		local.Candidates = append(local.Candidates, c.String())
	}
	peer, err := signaling.ExchangeCredentials(ctx, ws, local)
	if err != nil {
		return fail(err)
	}

	var remotes []*ice.Candidate
	var peers []netip.Addr
	for _, s := range peer.Candidates {
		c, err := ice.ParseCandidate(s)
		if err != nil {
			util.LogDebug("[ice] ignoring candidate from %s: %v", remote, err)
			continue
		}
		remotes = append(remotes, c)
		peers = append(peers, c.Addr.Addr())
	}
	agent.SetRemote(ice.Credentials{Ufrag: peer.Ufrag, Pwd: peer.Pwd}, remotes)

	if hasRelayed(locals) && len(peers) > 0 {
		if err := gatherer.CreatePermission(ctx, peers...); err != nil {
			util.LogWarning("[ice] TURN permissions for %s: %v", remote, err)
		}
	}

	pair, err := agent.Connect(ctx)
	if err != nil {
		return fail(fmt.Errorf("connectivity checks: %w", err))
	}
	util.LogDebug("[ice] link to %s over %s", remote, pair)

	if err := t.track(conn); err != nil {
		return fail(err)
	}
	conn.start(pair.Remote.Addr)
	return conn, nil
}

func (t *ICETransport) track(conn *iceConn) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrConnClosed
	}
	t.conns[conn] = struct{}{}
	t.mu.Unlock()

	go func() {
		<-conn.Done()
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	}()
	return nil
}

// Close stops signaling and closes every link.
func (t *ICETransport) Close() error {
	t.mu.Lock()
	t.closed = true
	srv := t.srv
	conns := make([]*iceConn, 0, len(t.conns))
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
	for _, c := range conns {
		<-c.torn
	}
	return errors.Join(errs...)
}

func hasRelayed(cands []*ice.Candidate) bool {
	for _, c := range cands {
		if c.Type == ice.CandidateRelayed {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// iceConn
// ---------------------------------------------------------------------------

// maxEarlyFrames bounds the datagrams held while the pair is not fixed yet.
const maxEarlyFrames = 64

type earlyFrame struct {
	data []byte
	from netip.AddrPort
}

// iceConn is one selected pair on its own socket. Datagrams from any
// address other than the selected remote are ignored.
type iceConn struct {
	mux       *ice.Mux
	gatherer  *ice.Gatherer
	remote    string
	pool      *packet.Pool
	keepAlive time.Duration

	seq      atomic.Uint32
	lastRecv atomic.Int64 // unix nanoseconds
	sendTo   atomic.Pointer[netip.AddrPort]

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	torn   chan struct{} // closed once the socket is gone

	mu      sync.Mutex
	peer    netip.AddrPort // zero until start
	early   []earlyFrame
	handler func(*protocol.Message)
	lastSeq uint32
	backlog []*protocol.Message
}

func newICEConn(mux *ice.Mux, g *ice.Gatherer, remote string, pool *packet.Pool, keepAlive time.Duration) *iceConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &iceConn{
		mux:       mux,
		gatherer:  g,
		remote:    remote,
		pool:      pool,
		keepAlive: keepAlive,
		ctx:       ctx,
		cancel:    cancel,
		torn:      make(chan struct{}),
	}
	// Data can arrive as soon as the peer has selected the pair, before
	// Connect returns here; receive holds it until start.
	mux.OnData(c.receive)
	return c
}

// start fixes the remote address, replays what arrived from it early and
// begins keepalives and candidate maintenance.
func (c *iceConn) start(peer netip.AddrPort) {
	c.lastRecv.Store(time.Now().UnixNano())
	c.sendTo.Store(&peer)
	c.mu.Lock()
	c.peer = peer
	early := c.early
	c.early = nil
	for _, f := range early {
		c.receiveLocked(f.data, f.from)
	}
	c.mu.Unlock()

	go c.gatherer.Maintain(c.ctx)
	go c.keepAliveLoop()
	go func() {
		select {
		case <-c.mux.Done():
			c.Close()
		case <-c.ctx.Done():
		}
	}()
}

func (c *iceConn) RemoteAddr() string    { return c.remote }
func (c *iceConn) Done() <-chan struct{} { return c.ctx.Done() }

// Close ends the link at once. Releasing the TURN allocation and closing
// the socket happen in the background: Close may run on the mux reader,
// from inside the message handler.
func (c *iceConn) Close() error {
	c.once.Do(func() {
		c.cancel()
		if peer := c.peerAddr(); peer.IsValid() {
			_ = c.mux.WriteTo([]byte{0, 0, 0, 0, iceBye}, peer)
		}
		go c.teardown()
	})
	return nil
}

func (c *iceConn) teardown() {
	defer close(c.torn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.gatherer.Release(ctx); err != nil {
		util.LogDebug("[ice] release allocation for %s: %v", c.remote, err)
	}
	if err := c.mux.Close(); err != nil {
		util.LogDebug("[ice] close socket for %s: %v", c.remote, err)
	}
}

func (c *iceConn) Send(ctx context.Context, msg *protocol.Message) error {
	if err := c.ctx.Err(); err != nil {
		return ErrConnClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	peer := c.peerAddr()
	if !peer.IsValid() {
		return ErrNotStarted
	}
	pkt, _, err := encodeFrame(c.pool, iceHeaderSize, msg)
	if err != nil {
		return err
	}
	defer c.pool.ReturnPacket(pkt)
	binary.BigEndian.PutUint32(pkt.Buffer()[:iceHeaderSize], c.seq.Add(1))
	if err := c.mux.WriteTo(pkt.Bytes(), peer); err != nil {
		return fmt.Errorf("send to %s: %w", peer, err)
	}
	return nil
}

func (c *iceConn) OnMessage(fn func(*protocol.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
	backlog := c.backlog
	c.backlog = nil
	for _, msg := range backlog {
		fn(msg)
	}
}

func (c *iceConn) peerAddr() netip.AddrPort {
	if p := c.sendTo.Load(); p != nil {
		return *p
	}
	return netip.AddrPort{}
}

// receive runs on the mux reader. Delivery happens under mu so messages
// reach the handler in sequence order; frames older than the newest
// delivered one are dropped.
func (c *iceConn) receive(b []byte, from netip.AddrPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.peer.IsValid() {
		if len(c.early) < maxEarlyFrames {
			c.early = append(c.early, earlyFrame{data: bytes.Clone(b), from: from})
		}
		return
	}
	c.receiveLocked(b, from)
}

func (c *iceConn) receiveLocked(b []byte, from netip.AddrPort) {
	if from != c.peer {
		util.LogDebug("[ice] %d bytes from %s ignored on link to %s", len(b), from, c.remote)
		return
	}
	if len(b) < iceHeaderSize {
		util.LogWarning("[ice] runt frame from %s", from)
		return
	}
	c.lastRecv.Store(time.Now().UnixNano())
	seq := binary.BigEndian.Uint32(b[:iceHeaderSize])
	if seq == 0 {
		if len(b) == iceHeaderSize+1 && b[iceHeaderSize] == iceBye {
			util.LogDebug("[ice] %s closed the link", c.remote)
			c.Close()
		}
		return
	}
	msg, err := protocol.Decode(b[iceHeaderSize:])
	if err != nil {
		util.LogWarning("[ice] bad frame from %s: %v", from, err)
		return
	}

	if seq <= c.lastSeq {
		util.LogDebug("[ice] late frame %d from %s (have %d)", seq, from, c.lastSeq)
		return
	}
	c.lastSeq = seq
	if c.handler == nil {
		c.backlog = append(c.backlog, msg)
		return
	}
	c.handler(msg)
}

func (c *iceConn) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()
	var ping [iceHeaderSize]byte

	for {
		select {
		case <-ticker.C:
			if idle := time.Since(time.Unix(0, c.lastRecv.Load())); idle > 3*c.keepAlive {
				util.LogWarning("[ice] link to %s silent for %s, closing", c.remote, idle.Round(time.Millisecond))
				c.Close()
				return
			}
			if err := c.mux.WriteTo(ping[:], c.peerAddr()); err != nil {
				util.LogDebug("[ice] keepalive to %s: %v", c.remote, err)
			}
		case <-c.ctx.Done():
			return
		}
	}
}
