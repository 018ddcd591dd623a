// Package stuntest provides an in-process STUN/TURN responder for tests.
// It answers Binding requests with the client's reflexive address and
// grants TURN allocations and permissions behind a long-term credential
// challenge.
package stuntest

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/stun/v3"
)

const (
	Realm    = "p2pbus.test"
	Username = "tester"
	Password = "secret"

	nonce = "5ca1ab1e"
)

var (
	allocateRequest = stun.NewType(stun.MethodAllocate, stun.ClassRequest)
	allocateSuccess = stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse)
	allocateError   = stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse)
	refreshRequest  = stun.NewType(stun.MethodRefresh, stun.ClassRequest)
	refreshSuccess  = stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse)
	refreshError    = stun.NewType(stun.MethodRefresh, stun.ClassErrorResponse)
	permitRequest   = stun.NewType(stun.MethodCreatePermission, stun.ClassRequest)
	permitSuccess   = stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse)
	permitError     = stun.NewType(stun.MethodCreatePermission, stun.ClassErrorResponse)
	bindingIndicate = stun.NewType(stun.MethodBinding, stun.ClassIndication)
)

// Server is a running responder.
type Server struct {
	conn net.PacketConn

	mu      sync.Mutex
	drop    int
	permits []netip.Addr

	Bindings    atomic.Int64 // Binding requests answered
	Indications atomic.Int64 // Binding indications (keepalives) received
	Allocations atomic.Int64 // Allocate requests granted
	Challenges  atomic.Int64 // 401 responses sent
	Refreshes   atomic.Int64 // Refresh requests granted
	Permissions atomic.Int64 // CreatePermission requests granted
	Dropped     atomic.Int64 // requests discarded by DropNext

	relayPort atomic.Uint32
}

// Serve starts a responder on 127.0.0.1 and stops it when the test ends.
func Serve(t testing.TB) *Server {
	t.Helper()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("stuntest: listen: %v", err)
	}
	s := &Server{conn: conn}
	s.relayPort.Store(49999)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serve()
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return s
}

// Addr returns the UDP address the responder listens on.
func (s *Server) Addr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// DropNext makes the responder silently discard the next n requests.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	s.drop = n
	s.mu.Unlock()
}

// PermittedPeers returns the peer addresses installed by CreatePermission.
func (s *Server) PermittedPeers() []netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]netip.Addr(nil), s.permits...)
}

func (s *Server) permit(m *stun.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range m.Attributes {
		if a.Type != stun.AttrXORPeerAddress {
			continue
		}
		tmp := stun.New()
		tmp.TransactionID = m.TransactionID
		tmp.Add(stun.AttrXORPeerAddress, a.Value)
		var peer stun.XORMappedAddress
		if err := peer.GetFromAs(tmp, stun.AttrXORPeerAddress); err != nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(peer.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		known := false
		for _, p := range s.permits {
			if p == addr {
				known = true
				break
			}
		}
		if !known {
			s.permits = append(s.permits, addr)
		}
	}
}

func (s *Server) shouldDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drop > 0 {
		s.drop--
		s.Dropped.Add(1)
		return true
	}
	return false
}

func (s *Server) serve() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		m := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := m.Decode(); err != nil {
			continue
		}
		if m.Type.Class == stun.ClassIndication {
			if m.Type == bindingIndicate {
				s.Indications.Add(1)
			}
			continue
		}
		if s.shouldDrop() {
			continue
		}
		if resp := s.handle(m, addr.(*net.UDPAddr)); resp != nil {
			_, _ = s.conn.WriteTo(resp.Raw, addr)
		}
	}
}

func (s *Server) handle(m *stun.Message, from *net.UDPAddr) *stun.Message {
	id := stun.NewTransactionIDSetter(m.TransactionID)
	mapped := &stun.XORMappedAddress{IP: from.IP, Port: from.Port}

	switch m.Type {
	case stun.BindingRequest:
		s.Bindings.Add(1)
		return build(id, stun.BindingSuccess, mapped, stun.NewSoftware("stuntest"), stun.Fingerprint)

	case allocateRequest:
		if !s.authorized(m) {
			s.Challenges.Add(1)
			return build(id, allocateError,
				stun.ErrorCodeAttribute{Code: stun.CodeUnauthorized, Reason: []byte("Unauthorized")},
				stun.NewRealm(Realm), stun.NewNonce(nonce))
		}
		s.Allocations.Add(1)
		relayed := relayedAddress{stun.XORMappedAddress{
			IP:   net.IPv4(127, 0, 0, 1),
			Port: int(s.relayPort.Add(1)),
		}}
		return build(id, allocateSuccess, relayed, mapped, lifetime(600),
			stun.NewLongTermIntegrity(Username, Realm, Password), stun.Fingerprint)

	case refreshRequest:
		if !s.authorized(m) {
			s.Challenges.Add(1)
			return build(id, refreshError,
				stun.ErrorCodeAttribute{Code: stun.CodeUnauthorized, Reason: []byte("Unauthorized")},
				stun.NewRealm(Realm), stun.NewNonce(nonce))
		}
		s.Refreshes.Add(1)
		return build(id, refreshSuccess, lifetime(600),
			stun.NewLongTermIntegrity(Username, Realm, Password), stun.Fingerprint)

	case permitRequest:
		if !s.authorized(m) {
			s.Challenges.Add(1)
			return build(id, permitError,
				stun.ErrorCodeAttribute{Code: stun.CodeUnauthorized, Reason: []byte("Unauthorized")},
				stun.NewRealm(Realm), stun.NewNonce(nonce))
		}
		s.Permissions.Add(1)
		s.permit(m)
		return build(id, permitSuccess,
			stun.NewLongTermIntegrity(Username, Realm, Password), stun.Fingerprint)
	}
	return nil
}

func (s *Server) authorized(m *stun.Message) bool {
	if !m.Contains(stun.AttrMessageIntegrity) {
		return false
	}
	var n stun.Nonce
	if err := n.GetFrom(m); err != nil || n.String() != nonce {
		return false
	}
	var u stun.Username
	if err := u.GetFrom(m); err != nil || u.String() != Username {
		return false
	}
	return stun.NewLongTermIntegrity(Username, Realm, Password).Check(m) == nil
}

func build(setters ...stun.Setter) *stun.Message {
	m, err := stun.Build(setters...)
	if err != nil {
		return nil
	}
	return m
}

type relayedAddress struct {
	stun.XORMappedAddress
}

func (r relayedAddress) AddTo(m *stun.Message) error {
	return r.AddToAs(m, stun.AttrXORRelayedAddress)
}

type lifetime uint32

func (l lifetime) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(l))
	m.Add(stun.AttrLifetime, v)
	return nil
}
