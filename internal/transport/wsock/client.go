package wsock

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/roach88/streamtable/internal/remote"
)

// Dialer returns a Connector that opens a WebSocket to url on every
// attempt. The handshake runs in the background; its outcome arrives on
// the transport's Incoming stream.
func Dialer(url string, opts ...Option) remote.Connector {
	cfg := newConfig(opts)
	d := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: cfg.settings.HandshakeTimeout,
	}

	return func(ctx context.Context) (remote.Transport, error) {
		t := newTransport(ctx, url, cfg)
		go func() {
			ws, _, err := d.DialContext(t.ctx, url, cfg.header)
			if err != nil {
				t.logger.Info("dial failed", "error", err)
				t.cancel()
				t.lost(true)
				return
			}
			t.run(ws, "")
		}()
		return t, nil
	}
}
