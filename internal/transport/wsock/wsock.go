// Package wsock carries remote.Connection traffic over WebSockets.
//
// Dialer returns a remote.Connector for clients; Server is an
// http.Handler that accepts one server-side remote.Connection per
// socket. Messages travel as JSON text frames in the remote wire
// encoding. Each socket runs one reader and one writer goroutine; the
// writer also sends pings so a dead peer is noticed within ReadTimeout.
package wsock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/stream"
)

var (
	// ErrClosed is returned by Send after the socket has gone.
	ErrClosed = errors.New("websocket closed")
	// ErrSlowPeer is returned by Send when the send queue is full. The
	// socket is dropped.
	ErrSlowPeer = errors.New("websocket send queue full")
)

// Settings tunes socket timing.
type Settings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout bounds the silence tolerated from the peer. Pings go
	// out at half this interval.
	ReadTimeout time.Duration
	SendBuffer  int
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
		SendBuffer:       256,
	}
}

// Option configures a Dialer or a Server.
type Option func(*config)

type config struct {
	settings    Settings
	logger      *slog.Logger
	header      http.Header
	checkOrigin func(*http.Request) bool
	connOpts    []remote.Option
	perConn     func(*http.Request) []remote.Option
}

func newConfig(opts []Option) *config {
	cfg := &config{
		settings: DefaultSettings(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithSettings replaces the socket timing.
func WithSettings(s Settings) Option {
	return func(c *config) {
		c.settings = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithHeader adds request headers to client handshakes.
func WithHeader(h http.Header) Option {
	return func(c *config) {
		c.header = h
	}
}

// WithCheckOrigin sets the server's origin check. The default accepts
// every origin.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *config) {
		c.checkOrigin = fn
	}
}

// WithConnectionOptions sets the options of every server-side
// connection.
func WithConnectionOptions(opts ...remote.Option) Option {
	return func(c *config) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// WithPerConnectionOptions adds options built for each accepted
// request, for state a connection must not share such as a rate
// limiter.
func WithPerConnectionOptions(fn func(r *http.Request) []remote.Option) Option {
	return func(c *config) {
		c.perConn = fn
	}
}

// Transport is one WebSocket as a remote.Transport.
//
// Thread-safety: safe for concurrent use.
type Transport struct {
	label    string
	incoming *stream.Stream
	out      chan []byte
	settings Settings
	logger   *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	lostOnce sync.Once
}

var _ remote.Transport = (*Transport)(nil)

func newTransport(ctx context.Context, label string, cfg *config) *Transport {
	t := &Transport{
		label:    label,
		incoming: stream.New().SetLabel("ws " + label),
		out:      make(chan []byte, cfg.settings.SendBuffer),
		settings: cfg.settings,
		logger:   cfg.logger.With("socket", label),
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	return t
}

func (t *Transport) String() string { return "ws " + t.label }

// Incoming implements remote.Transport.
func (t *Transport) Incoming() *stream.Stream { return t.incoming }

// Send implements remote.Transport. Messages queued before the socket
// opens are written once it does.
func (t *Transport) Send(m remote.Message) error {
	data, err := remote.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-t.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case t.out <- data:
		return nil
	default:
		t.logger.Warn("dropping slow peer", "queued", len(t.out))
		t.cancel()
		return ErrSlowPeer
	}
}

// Close implements remote.Transport.
func (t *Transport) Close() error {
	t.cancel()
	return nil
}

// run drives an open socket until either side drops it. sender, if
// set, is reported as the peer's name.
func (t *Transport) run(ws *websocket.Conn, sender string) {
	_ = t.incoming.Put(remote.Established())
	if sender != "" {
		_ = t.incoming.Put(remote.Message{Type: remote.MsgSetConnectionMetadata, Sender: sender})
	}

	go t.writePump(ws)
	err := t.readPump(ws)
	t.cancel()

	retry := !websocket.IsCloseError(err, websocket.ClosePolicyViolation)
	t.logger.Debug("socket closed", "error", err, "retry", retry)
	t.lost(retry)
}

func (t *Transport) readPump(ws *websocket.Conn) error {
	ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		ws.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
		if kind != websocket.TextMessage {
			t.logger.Debug("ignoring frame", "kind", kind)
			continue
		}

		m, err := remote.Decode(data)
		if err != nil {
			t.logger.Warn("bad message from peer", "error", err)
			continue
		}
		switch m.Type {
		case remote.MsgConnectionEstablished, remote.MsgConnectionLost, remote.MsgSetConnectionMetadata:
			t.logger.Warn("peer sent a transport message", "type", m.Type)
			continue
		}
		if err := t.incoming.Put(m); err != nil {
			return fmt.Errorf("delivering %s: %w", m, err)
		}
	}
}

func (t *Transport) writePump(ws *websocket.Conn) {
	ping := time.NewTicker(t.settings.ReadTimeout / 2)
	defer func() {
		ping.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-t.ctx.Done():
			ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case data := <-t.out:
			ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Info("write failed", "error", err)
				t.cancel()
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.cancel()
				return
			}
		}
	}
}

// lost reports connection_lost and ends Incoming. Only the first call
// has an effect.
func (t *Transport) lost(retry bool) {
	t.lostOnce.Do(func() {
		_ = t.incoming.Put(remote.Lost(retry))
		_ = t.incoming.Close()
	})
}
