package remote_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roach88/streamtable/internal/handler"
	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/testutil"
	"github.com/roach88/streamtable/internal/transport/pipe"
	"github.com/roach88/streamtable/internal/value"
)

// harness dials pipes to in-process server connections.
type harness struct {
	t          *testing.T
	clk        *testutil.FakeClock
	registry   *handler.Registry
	sync       *remote.SyncServer
	serverOpts []remote.Option

	// fails is how many dials fail before one succeeds.
	fails   int
	dials   int
	pipes   []*pipe.Transport
	servers []*remote.Connection
	seen    []value.Value
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:        t,
		clk:      testutil.NewFakeClock(time.Time{}),
		registry: handler.NewRegistry(),
		sync:     remote.NewSyncServer(),
	}
	h.registry.Register("echo", func(_ context.Context, req value.Object) (handler.Result, error) {
		h.seen = append(h.seen, req["n"])
		return handler.Value(req["n"]), nil
	})
	return h
}

func (h *harness) connector() remote.Connector {
	return func(context.Context) (remote.Transport, error) {
		h.dials++
		if h.fails > 0 {
			h.fails--
			return nil, errors.New("dial refused")
		}
		client, server := pipe.New()
		h.pipes = append(h.pipes, server)
		opts := append([]remote.Option{
			remote.WithClock(h.clk),
			remote.WithRegistry(h.registry),
			remote.WithSyncServer(h.sync),
			remote.WithIDGenerator(testutil.NewSequentialIDGenerator("server")),
		}, h.serverOpts...)
		h.servers = append(h.servers, remote.Accept(server, opts...))
		return client, nil
	}
}

func (h *harness) dial(opts ...remote.Option) *remote.Connection {
	base := []remote.Option{
		remote.WithClock(h.clk),
		remote.WithIDGenerator(testutil.NewSequentialIDGenerator("client")),
	}
	return remote.New(h.connector(), append(base, opts...)...)
}

func echo(n int64) value.Object {
	return value.Object{"func": value.String("echo"), "n": value.Int(n)}
}

// recorder collects every event a stream delivers.
type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func record(t *testing.T, s *stream.Stream) *recorder {
	t.Helper()
	r := &recorder{}
	require.NoError(t, s.SendToFunc(func(evt stream.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, evt)
		return nil
	}))
	return r
}

func (r *recorder) types() []stream.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.EventType, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

func (r *recorder) items() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, evt := range r.events {
		if evt.Type == stream.TypeItem {
			out = append(out, evt.Item)
		}
	}
	return out
}

func (r *recorder) failure() *stream.ErrorItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range r.events {
		if evt.Type == stream.TypeFail {
			return evt.Err
		}
	}
	return nil
}

func TestConnection_RequestResponse(t *testing.T) {
	h := newHarness(t)
	c := h.dial()
	require.Equal(t, remote.StatusConnected, c.Status())
	assert.Equal(t, "client-1", c.ID())

	items, err := c.SendRequest(echo(7)).ItemsSync()
	require.NoError(t, err)
	assert.Equal(t, []any{value.Int(7)}, items)

	out, in := c.ActiveStreams()
	assert.Zero(t, out, "finished requests are retired")
	assert.Zero(t, in)
}

func TestConnection_UnhandledRequest(t *testing.T) {
	h := newHarness(t)
	c := h.dial()

	_, err := c.SendRequest(value.Object{"func": value.String("missing")}).ItemsSync()
	require.Error(t, err)
	assert.True(t, stream.HasErrorType(err, stream.ErrUnhandledRequest))
}

func TestConnection_NoRegistry(t *testing.T) {
	h := newHarness(t)
	h.registry = nil
	c := h.dial()

	_, err := c.SendRequest(echo(1)).ItemsSync()
	assert.True(t, stream.HasErrorType(err, stream.ErrNoHandler))
}

func TestConnection_ReconnectReplaysBufferedRequests(t *testing.T) {
	h := newHarness(t)
	h.fails = 3
	c := h.dial(remote.WithSchedule(remote.FixedSchedule(500*time.Millisecond, time.Second, 2*time.Second)))

	require.Equal(t, 1, h.dials)
	require.Equal(t, remote.StatusAttempting, c.Status())

	var recs []*recorder
	for n := int64(1); n <= 3; n++ {
		recs = append(recs, record(t, c.SendRequest(echo(n))))
	}
	assert.Equal(t, 3, c.Buffered())

	h.clk.Advance(500 * time.Millisecond)
	assert.Equal(t, 2, h.dials)
	h.clk.Advance(time.Second)
	assert.Equal(t, 3, h.dials)
	assert.Empty(t, h.seen, "nothing is sent before a connection exists")

	h.clk.Advance(2 * time.Second)
	assert.Equal(t, 4, h.dials)
	require.Equal(t, remote.StatusConnected, c.Status())

	assert.Equal(t, []value.Value{value.Int(1), value.Int(2), value.Int(3)}, h.seen)
	for i, r := range recs {
		assert.Equal(t, []any{value.Int(int64(i + 1))}, r.items())
	}
	assert.Equal(t, 0, c.Buffered())

	// The buffer timeout was cancelled by the replay.
	h.clk.Advance(10 * time.Second)
	assert.Len(t, h.seen, 3)
}

func TestConnection_GiveUpFailsBufferedRequests(t *testing.T) {
	h := newHarness(t)
	h.fails = 100
	c := h.dial(remote.WithSchedule(remote.FixedSchedule(500 * time.Millisecond)))

	r := record(t, c.SendRequest(echo(1)))
	h.clk.Advance(time.Second)

	assert.Equal(t, remote.StatusGiveUp, c.Status())
	assert.Equal(t, 2, h.dials)
	require.NotNil(t, r.failure())
	assert.Equal(t, stream.ErrConnectionFailed, r.failure().ErrorType)
}

func TestConnection_RequestAfterGiveUpReconnects(t *testing.T) {
	h := newHarness(t)
	h.fails = 2
	c := h.dial(remote.WithSchedule(remote.FixedSchedule(500 * time.Millisecond)))
	h.clk.Advance(time.Second)
	require.Equal(t, remote.StatusGiveUp, c.Status())

	r := record(t, c.SendRequest(echo(5)))

	assert.Equal(t, remote.StatusConnected, c.Status())
	assert.Equal(t, []any{value.Int(5)}, r.items())
}

func TestConnection_BufferTimeout(t *testing.T) {
	h := newHarness(t)
	h.fails = 100
	c := h.dial(
		remote.WithSchedule(remote.FixedSchedule(time.Minute)),
		remote.WithBufferTimeout(2*time.Second),
	)

	r := record(t, c.SendRequest(echo(1)))
	h.clk.Advance(2 * time.Second)

	require.NotNil(t, r.failure())
	assert.Equal(t, stream.ErrTimedOut, r.failure().ErrorType)
	assert.Equal(t, remote.StatusAttempting, c.Status())
}

func TestConnection_LostFailsInFlightAndReconnects(t *testing.T) {
	h := newHarness(t)
	held := stream.New()
	h.registry.Register("hold", func(context.Context, value.Object) (handler.Result, error) {
		return handler.Stream(held), nil
	})
	c := h.dial()
	r := record(t, c.SendRequest(value.Object{"func": value.String("hold")}))

	h.pipes[0].Drop(true)

	assert.Equal(t, remote.StatusAttempting, c.Status())
	assert.Equal(t, []stream.EventType{stream.TypeFail, stream.TypeClose}, r.types())
	assert.Equal(t, stream.ErrConnectionFailed, r.failure().ErrorType)
	assert.True(t, held.ClosedByDownstream(), "the server stops producing")
	assert.Equal(t, remote.StatusPermanentClose, h.servers[0].Status())

	h.clk.Advance(10 * time.Millisecond)
	assert.Equal(t, 2, h.dials)
	assert.Equal(t, remote.StatusConnected, c.Status())
}

func TestConnection_DownstreamCloseStopsPeer(t *testing.T) {
	h := newHarness(t)
	held := stream.New()
	h.registry.Register("hold", func(context.Context, value.Object) (handler.Result, error) {
		return handler.Stream(held), nil
	})
	c := h.dial()
	out := c.SendRequest(value.Object{"func": value.String("hold")})
	out.CloseByDownstream()

	require.NoError(t, held.Put(value.Int(1)))
	assert.True(t, held.ClosedByDownstream())
	assert.True(t, stream.IsBackpressureStop(held.Put(value.Int(2))))

	_, in := h.servers[0].ActiveStreams()
	assert.Zero(t, in)
}

func TestConnection_ClosePermanently(t *testing.T) {
	h := newHarness(t)
	closed := 0
	c := h.dial(remote.OnClose(func() { closed++ }))

	c.Close()
	assert.Equal(t, remote.StatusPermanentClose, c.Status())
	assert.Equal(t, 1, closed)

	_, err := c.SendRequest(echo(1)).ItemsSync()
	assert.True(t, stream.HasErrorType(err, stream.ErrConnectionClosed))

	c.Close()
	assert.Equal(t, 1, closed)
	assert.Equal(t, remote.StatusPermanentClose, h.servers[0].Status())
}

func TestConnection_LostWithoutRetry(t *testing.T) {
	h := newHarness(t)
	c := h.dial()

	h.pipes[0].Drop(false)
	assert.Equal(t, remote.StatusPermanentClose, c.Status())

	h.clk.Advance(time.Minute)
	assert.Equal(t, 1, h.dials)
}

func TestConnection_OnEstablish(t *testing.T) {
	h := newHarness(t)
	established := 0
	c := h.dial(remote.OnEstablish(func() { established++ }))
	assert.Equal(t, 1, established)

	h.pipes[0].Drop(true)
	h.clk.Advance(10 * time.Millisecond)
	assert.Equal(t, remote.StatusConnected, c.Status())
	assert.Equal(t, 2, established)
}

func TestConnection_SenderMetadata(t *testing.T) {
	h := newHarness(t)
	h.registry.Register("whoami", func(ctx context.Context, _ value.Object) (handler.Result, error) {
		conn, ok := remote.FromContext(ctx)
		if !ok {
			return nil, errors.New("no connection in context")
		}
		return handler.Value(value.String(conn.Sender())), nil
	})
	c := h.dial()
	h.pipes[0].SetSender("browser-1")

	v, err := c.SendRequest(value.Object{"func": value.String("whoami")}).One(context.Background())
	require.NoError(t, err)
	assert.Equal(t, value.String("browser-1"), v)
	assert.Equal(t, "browser-1", h.servers[0].Sender())
}

func TestConnection_RequestLimiter(t *testing.T) {
	h := newHarness(t)
	h.serverOpts = []remote.Option{remote.WithRequestLimiter(rate.NewLimiter(rate.Every(time.Second), 1))}
	c := h.dial()

	_, err := c.SendRequest(echo(1)).ItemsSync()
	require.NoError(t, err)

	_, err = c.SendRequest(echo(2)).ItemsSync()
	assert.True(t, stream.HasErrorType(err, stream.ErrRateLimited))

	h.clk.Advance(time.Second)
	_, err = c.SendRequest(echo(3)).ItemsSync()
	assert.NoError(t, err)
}

func TestConnection_WarnsOnUnresolvedRequest(t *testing.T) {
	h := newHarness(t)
	var logs bytes.Buffer
	h.serverOpts = []remote.Option{remote.WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))}
	pending := stream.New()
	h.registry.Register("hang", func(context.Context, value.Object) (handler.Result, error) {
		return handler.Stream(pending), nil
	})
	c := h.dial()

	_, err := c.SendRequest(echo(1)).ItemsSync()
	require.NoError(t, err)
	r := record(t, c.SendRequest(value.Object{"func": value.String("hang")}))

	h.clk.Advance(5*time.Second - time.Millisecond)
	assert.NotContains(t, logs.String(), "request still unresolved")

	h.clk.Advance(time.Millisecond)
	assert.Equal(t, 1, strings.Count(logs.String(), "request still unresolved"), "only the open request is logged")
	assert.Contains(t, logs.String(), "func=hang")

	require.NoError(t, pending.Finish())
	assert.Contains(t, r.types(), stream.TypeClose)
}

type traceRecorder struct {
	mu       sync.Mutex
	sent     []remote.MessageType
	received []remote.MessageType
}

func (r *traceRecorder) Sent(_ string, m remote.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m.Type)
}

func (r *traceRecorder) Received(_ string, m remote.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, m.Type)
}

func TestConnection_Tracer(t *testing.T) {
	h := newHarness(t)
	tr := &traceRecorder{}
	c := h.dial(remote.WithTracer(tr))

	_, err := c.SendRequest(echo(1)).ItemsSync()
	require.NoError(t, err)

	assert.Equal(t, []remote.MessageType{remote.MsgRequest}, tr.sent)
	assert.Equal(t, []remote.MessageType{
		remote.MsgConnectionEstablished,
		remote.MsgResponse, remote.MsgResponse, remote.MsgResponse, remote.MsgResponse,
	}, tr.received)
}
