package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pbus/internal/util"
)

// Path is the HTTP path the signaling endpoint is served on.
const Path = "/ws"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts signaling WebSockets from any number of joiners. Each
// upgraded connection is handed to the callback on its own goroutine; the
// callback owns the connection.
type Server struct {
	addr   string
	onConn func(*websocket.Conn)

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// NewServer creates a signaling server for addr (host:port, port 0 picks one).
func NewServer(addr string, onConn func(*websocket.Conn)) *Server {
	return &Server{addr: addr, onConn: onConn}
}

// Start begins listening and serving.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start WS server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)
	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = listener
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("[signaling] serve: %v", err)
		}
	}()

	util.LogInfo("[signaling] listening on %s", listener.Addr())
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	util.LogDebug("[signaling] joiner connected from %s", r.RemoteAddr)
	go s.onConn(conn)
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close shuts down the listener, preventing new connections. Connections
// already handed out are not affected.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// URL turns a host:port bus address into the signaling URL. Values that
// already carry a ws:// or wss:// scheme are returned unchanged.
func URL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + Path
}

// Dial connects to the signaling server at url.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return conn, nil
}
