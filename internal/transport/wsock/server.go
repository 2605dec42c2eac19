package wsock

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/streamtable/internal/remote"
)

// Server accepts WebSocket upgrades and serves each socket with its own
// remote.Connection. Connections never reconnect; the client side owns
// reconnection.
//
// Thread-safety: safe for concurrent use.
type Server struct {
	cfg      *config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*remote.Connection]struct{}
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a server.
func NewServer(opts ...Option) *Server {
	cfg := newConfig(opts)
	check := cfg.checkOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.settings.HandshakeTimeout,
			CheckOrigin:      check,
		},
		conns: make(map[*remote.Connection]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the socket until it closes.
// The peer's remote address becomes the connection's sender.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.logger.Info("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	t := newTransport(context.Background(), r.RemoteAddr, s.cfg)
	var c *remote.Connection
	opts := append([]remote.Option{}, s.cfg.connOpts...)
	if s.cfg.perConn != nil {
		opts = append(opts, s.cfg.perConn(r)...)
	}
	opts = append(opts, remote.OnClose(func() { s.remove(c) }))
	c = remote.Accept(t, opts...)
	s.add(c)
	s.cfg.logger.Info("accepted connection", "conn", c.ID(), "remote", r.RemoteAddr)

	t.run(ws, r.RemoteAddr)
}

func (s *Server) add(c *remote.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) remove(c *remote.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Connections returns the open connections.
func (s *Server) Connections() []*remote.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*remote.Connection, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close closes every open connection.
func (s *Server) Close() {
	for _, c := range s.Connections() {
		c.Close()
	}
}
