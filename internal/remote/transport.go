package remote

import (
	"context"

	"github.com/roach88/streamtable/internal/stream"
)

// Transport is one physical connection.
//
// Incoming carries Items holding Message values: the peer's requests and
// responses, plus the status messages the transport itself produces
// (connection_established once it is usable, connection_lost when it
// drops, set_connection_metadata when it learns who the peer is). It
// closes after connection_lost.
//
// Send and Close must be safe to call from any goroutine. Send on a
// transport that has dropped returns an error; the caller waits for the
// connection_lost message rather than acting on it.
type Transport interface {
	Send(m Message) error
	Incoming() *stream.Stream
	Close() error
}

// Connector opens a new Transport for each connection attempt. It should
// return promptly and report the outcome through the transport's
// Incoming stream; an error return counts as an immediate failed
// attempt.
type Connector func(ctx context.Context) (Transport, error)

// IDGenerator names connections in logs and traces. UUIDv7Generator is
// the production implementation.
type IDGenerator interface {
	Generate() string
}

// Tracer observes every message a Connection sends and receives.
type Tracer interface {
	Sent(connID string, m Message)
	Received(connID string, m Message)
}

type nopTracer struct{}

func (nopTracer) Sent(string, Message)     {}
func (nopTracer) Received(string, Message) {}
