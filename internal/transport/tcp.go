package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/protocol"
	"github.com/1ureka/p2pbus/internal/util"
)

// tcpHeaderSize is the length prefix in front of every frame.
const tcpHeaderSize = 4

// TCPTransport carries messages as u32 length prefixed frames over TCP.
type TCPTransport struct {
	listen string
	pool   *packet.Pool
	stats  *util.Stats

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*tcpConn]struct{}
	closed bool
}

// NewTCP creates a TCP transport that listens on listen once started.
func NewTCP(listen string, pool *packet.Pool, stats *util.Stats) *TCPTransport {
	return &TCPTransport{
		listen: listen,
		pool:   pool,
		stats:  stats,
		conns:  make(map[*tcpConn]struct{}),
	}
}

func (t *TCPTransport) Name() string                 { return NameTCP }
func (t *TCPTransport) Mask() protocol.TransportMask { return protocol.TransportTCP }

func (t *TCPTransport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

// Start listens and accepts connections until ctx ends or Close.
func (t *TCPTransport) Start(ctx context.Context, accept func(Conn)) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.listen)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", t.listen, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ln.Close()
		return ErrConnClosed
	}
	t.ln = ln
	t.mu.Unlock()

	util.LogInfo("[tcp] listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					util.LogError("[tcp] accept: %v", err)
				}
				return
			}
			conn := t.track(c)
			if conn == nil {
				return
			}
			util.LogDebug("[tcp] accepted %s", c.RemoteAddr())
			accept(conn)
		}
	}()
	return nil
}

// Connect dials addr.
func (t *TCPTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	conn := t.track(c)
	if conn == nil {
		return nil, ErrConnClosed
	}
	return conn, nil
}

// Close stops listening and closes every connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	ln := t.ln
	conns := make([]*tcpConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var errs []error
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, c := range conns {
		c.Close()
	}
	return errors.Join(errs...)
}

func (t *TCPTransport) track(c net.Conn) *tcpConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		c.Close()
		return nil
	}
	conn := newTCPConn(c, t.pool, t.stats)
	t.conns[conn] = struct{}{}
	go func() {
		<-conn.Done()
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	}()
	return conn
}

// ---------------------------------------------------------------------------
// tcpConn
// ---------------------------------------------------------------------------

type tcpConn struct {
	c     net.Conn
	pool  *packet.Pool
	stats *util.Stats

	out  chan *packet.Packet
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	handler func(*protocol.Message)
}

func newTCPConn(c net.Conn, pool *packet.Pool, stats *util.Stats) *tcpConn {
	conn := &tcpConn{
		c:     c,
		pool:  pool,
		stats: stats,
		out:   make(chan *packet.Packet, sendBufferSize),
		done:  make(chan struct{}),
	}
	go conn.writeLoop()
	return conn
}

func (c *tcpConn) RemoteAddr() string    { return c.c.RemoteAddr().String() }
func (c *tcpConn) Done() <-chan struct{} { return c.done }

func (c *tcpConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.c.Close()
	})
	return err
}

func (c *tcpConn) OnMessage(fn func(*protocol.Message)) {
	c.mu.Lock()
	first := c.handler == nil
	c.handler = fn
	c.mu.Unlock()
	if first {
		go c.readLoop()
	}
}

func (c *tcpConn) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	pkt, n, err := encodeFrame(c.pool, tcpHeaderSize, msg)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(pkt.Buffer()[:tcpHeaderSize], uint32(n))

	select {
	case c.out <- pkt:
		return nil
	case <-ctx.Done():
		c.pool.ReturnPacket(pkt)
		return ctx.Err()
	case <-c.done:
		c.pool.ReturnPacket(pkt)
		return ErrConnClosed
	}
}

// writeLoop is the connection's only writer.
func (c *tcpConn) writeLoop() {
	for {
		select {
		case pkt := <-c.out:
			n, err := c.c.Write(pkt.Bytes())
			c.pool.ReturnPacket(pkt)
			if err != nil {
				util.LogDebug("[tcp] write to %s: %v", c.RemoteAddr(), err)
				c.Close()
				return
			}
			c.stats.AddSent(n)
		case <-c.done:
			for {
				select {
				case pkt := <-c.out:
					c.pool.ReturnPacket(pkt)
				default:
					return
				}
			}
		}
	}
}

func (c *tcpConn) readLoop() {
	defer c.Close()

	r := bufio.NewReader(c.c)
	var hdr [tcpHeaderSize]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				util.LogDebug("[tcp] read from %s: %v", c.RemoteAddr(), err)
			}
			return
		}
		n := int(binary.BigEndian.Uint32(hdr[:]))
		if n > c.pool.MTU() {
			util.LogWarning("[tcp] %s sent a %d byte frame, mtu %d", c.RemoteAddr(), n, c.pool.MTU())
			return
		}

		pkt := c.pool.GetPacket()
		if _, err := io.ReadFull(r, pkt.Buffer()[:n]); err != nil {
			c.pool.ReturnPacket(pkt)
			return
		}
		pkt.SetLen(n)
		msg, err := protocol.Decode(pkt.Bytes())
		c.pool.ReturnPacket(pkt)
		if err != nil {
			util.LogWarning("[tcp] bad frame from %s: %v", c.RemoteAddr(), err)
			return
		}
		c.stats.AddRecv(tcpHeaderSize + n)

		c.mu.Lock()
		fn := c.handler
		c.mu.Unlock()
		fn(msg)
	}
}
