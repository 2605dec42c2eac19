// Package pipe is an in-process remote.Transport.
//
// New returns two connected ends. Every message sent on one end is
// encoded and decoded with the wire codec before it reaches the other,
// so a pipe behaves like a socket without the I/O. Both ends report
// connection_established as soon as they are created.
package pipe

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/stream"
)

// ErrClosed is returned by Send after either end has closed.
var ErrClosed = errors.New("pipe closed")

// Transport is one end of a pipe.
//
// Thread-safety: safe for concurrent use.
type Transport struct {
	name     string
	incoming *stream.Stream
	peer     *Transport

	mu     sync.Mutex
	closed bool
}

var _ remote.Transport = (*Transport)(nil)

// New creates a connected pair.
func New() (client, server *Transport) {
	client = newEnd("client")
	server = newEnd("server")
	client.peer, server.peer = server, client
	return client, server
}

func newEnd(name string) *Transport {
	t := &Transport{name: name, incoming: stream.New().SetLabel("pipe " + name)}
	_ = t.incoming.Put(remote.Established())
	return t
}

func (t *Transport) String() string { return "pipe " + t.name }

// Incoming implements remote.Transport.
func (t *Transport) Incoming() *stream.Stream { return t.incoming }

// Send implements remote.Transport.
func (t *Transport) Send(m remote.Message) error {
	if t.isClosed() || t.peer.isClosed() {
		return ErrClosed
	}
	data, err := remote.Encode(m)
	if err != nil {
		return err
	}
	decoded, err := remote.Decode(data)
	if err != nil {
		return err
	}
	return t.peer.deliver(decoded)
}

func (t *Transport) deliver(m remote.Message) error {
	err := t.incoming.Put(m)
	if stream.IsBackpressureStop(err) {
		return ErrClosed
	}
	return err
}

// SetSender reports the peer's name to this end's connection, as a
// transport learning it from a handshake would.
func (t *Transport) SetSender(sender string) {
	if t.isClosed() {
		return
	}
	_ = t.incoming.Put(remote.Message{Type: remote.MsgSetConnectionMetadata, Sender: sender})
}

// Close implements remote.Transport. Both ends see connection_lost.
func (t *Transport) Close() error {
	t.Drop(true)
	return nil
}

// Drop closes both ends, telling each whether to retry.
func (t *Transport) Drop(shouldRetry bool) {
	local, peer := t.markClosed(), t.peer.markClosed()
	if local {
		t.lost(shouldRetry)
	}
	if peer {
		t.peer.lost(shouldRetry)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// markClosed reports whether this call closed t.
func (t *Transport) markClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	return true
}

func (t *Transport) lost(shouldRetry bool) {
	_ = t.incoming.Put(remote.Lost(shouldRetry))
	_ = t.incoming.Close()
}

// Connector dials by creating a new pair per attempt and handing the
// server end to accept.
func Connector(accept func(server *Transport)) remote.Connector {
	return func(context.Context) (remote.Transport, error) {
		client, server := New()
		accept(server)
		return client, nil
	}
}
