package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	pionstun "github.com/pion/stun/v3"

	"github.com/1ureka/p2pbus/internal/packet"
	"github.com/1ureka/p2pbus/internal/stun"
	"github.com/1ureka/p2pbus/internal/syncx"
	"github.com/1ureka/p2pbus/internal/util"
)

// ErrMuxClosed is returned for transactions cut short by Close.
var ErrMuxClosed = errors.New("ice: mux closed")

// transaction is one outstanding request waiting for its response.
type transaction struct {
	done syncx.Event
	resp *stun.Message
	from netip.AddrPort
}

// Mux owns a UDP socket shared by STUN transactions, incoming STUN
// requests and application datagrams. A single reader goroutine reads into
// pool packets and routes each datagram: responses go to the transaction
// with the same id, other STUN messages to the message handler, anything
// else to the data handler.
type Mux struct {
	conn  net.PacketConn
	pool  *packet.Pool
	stats *util.Stats

	mu        syncx.Mutex
	pending   map[[stun.TransactionIDSize]byte]*transaction
	onMessage func(*stun.Message, netip.AddrPort)
	onData    func([]byte, netip.AddrPort)

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewMux starts reading from conn. pool supplies the read and write
// buffers; its MTU bounds the datagram size. stats may be nil.
func NewMux(conn net.PacketConn, pool *packet.Pool, stats *util.Stats) *Mux {
	m := &Mux{
		conn:    conn,
		pool:    pool,
		stats:   stats,
		mu:      syncx.Mutex{Name: "ice-mux"},
		pending: make(map[[stun.TransactionIDSize]byte]*transaction),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.readLoop()
	return m
}

// LocalAddr returns the socket's address.
func (m *Mux) LocalAddr() netip.AddrPort {
	return addrPort(m.conn.LocalAddr())
}

// OnMessage registers the handler for STUN requests and indications.
func (m *Mux) OnMessage(fn func(*stun.Message, netip.AddrPort)) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// OnData registers the handler for non-STUN datagrams. The slice is only
// valid during the call.
func (m *Mux) OnData(fn func([]byte, netip.AddrPort)) {
	m.mu.Lock()
	m.onData = fn
	m.mu.Unlock()
}

// Send renders msg into a pool packet and writes it to to.
func (m *Mux) Send(msg *stun.Message, to netip.AddrPort) error {
	pkt := m.pool.GetPacket()
	defer m.pool.ReturnPacket(pkt)

	var sg stun.ScatterGatherList
	if _, err := msg.RenderBinary(pkt.Buffer(), &sg); err != nil {
		return fmt.Errorf("render %s %s: %w", msg.Method, msg.Class, err)
	}
	pkt.SetLen(sg.Len())
	return m.WriteTo(pkt.Bytes(), to)
}

// WriteTo writes a raw datagram.
func (m *Mux) WriteTo(b []byte, to netip.AddrPort) error {
	n, err := m.conn.WriteTo(b, net.UDPAddrFromAddrPort(to))
	if err != nil {
		return err
	}
	m.stats.AddSent(n)
	return nil
}

// RoundTrip sends req to to and waits for the response, retransmitting on
// the schedule of rt. A nil rt uses a fresh Retransmit with the default
// policy. An error response is returned as a message, not as an error.
func (m *Mux) RoundTrip(ctx context.Context, req *stun.Message, to netip.AddrPort, rt *Retransmit) (*stun.Message, error) {
	if rt == nil {
		rt = NewRetransmit(DefaultRetransmitPolicy())
	}

	tx := &transaction{}
	key := req.TransactionID.Key()

	m.mu.Lock()
	m.pending[key] = tx
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}()

	m.stats.StunTransaction()
	for {
		wait, err := rt.NextAttempt()
		if err != nil {
			if errors.Is(err, ErrRetransmitExhausted) {
				m.stats.StunTimeout()
			}
			return nil, fmt.Errorf("%s %s to %s: %w", req.Method, req.Class, to, err)
		}
		if err := m.Send(req, to); err != nil {
			return nil, err
		}

		err = tx.done.TimedWait(ctx, wait)
		switch {
		case err == nil:
			rt.ResponseReceived()
			return tx.resp, nil
		case errors.Is(err, syncx.ErrTimeout):
			if terr := rt.Timeout(); terr != nil {
				m.stats.StunTimeout()
				return nil, fmt.Errorf("%s %s to %s: %w", req.Method, req.Class, to, terr)
			}
			util.LogDebug("[ice] %s to %s unanswered after %s, retrying", req.Method, to, wait)
		default:
			return nil, err
		}

		select {
		case <-m.closed:
			return nil, ErrMuxClosed
		default:
		}
	}
}

// Close stops the reader and closes the socket.
func (m *Mux) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.conn.Close()
		<-m.done
	})
	return err
}

// Done is closed once the reader has stopped.
func (m *Mux) Done() <-chan struct{} { return m.done }

func (m *Mux) readLoop() {
	defer close(m.done)
	for {
		pkt := m.pool.GetPacket()
		n, addr, err := m.conn.ReadFrom(pkt.Buffer())
		if err != nil {
			m.pool.ReturnPacket(pkt)
			select {
			case <-m.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogWarning("[ice] read failed: %v", err)
			continue
		}
		pkt.SetLen(n)
		m.stats.AddRecv(n)

		from := addrPort(addr)
		m.dispatch(pkt.Bytes(), from)
		m.pool.ReturnPacket(pkt)
	}
}

func (m *Mux) dispatch(b []byte, from netip.AddrPort) {
	if !pionstun.IsMessage(b) {
		m.mu.Lock()
		fn := m.onData
		m.mu.Unlock()
		if fn != nil {
			fn(b, from)
		}
		return
	}

	msg := &stun.Message{}
	if _, err := msg.Parse(b); err != nil {
		util.LogDebug("[ice] dropping STUN datagram from %s: %v", from, err)
		return
	}

	if msg.Class.IsResponse() {
		m.mu.Lock()
		tx := m.pending[msg.TransactionID.Key()]
		m.mu.Unlock()
		if tx == nil || tx.done.IsSet() {
			util.LogDebug("[ice] unmatched %s %s from %s", msg.Method, msg.Class, from)
			return
		}
		tx.resp, tx.from = msg, from
		tx.done.Set()
		return
	}

	m.mu.Lock()
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(msg, from)
	}
}

func addrPort(a net.Addr) netip.AddrPort {
	if ua, ok := a.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}
