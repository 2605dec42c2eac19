package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/streamtable/internal/clock"
	"github.com/roach88/streamtable/internal/handler"
	"github.com/roach88/streamtable/internal/loop"
	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/value"
)

// Status is the state of a Connection.
type Status string

const (
	StatusAttempting     Status = "attempting"
	StatusConnected      Status = "connected"
	StatusGiveUp         Status = "give_up"
	StatusPermanentClose Status = "permanent_close"
)

const (
	// recentAttemptWindow is how long an attempt counts towards the
	// schedule.
	recentAttemptWindow = 30 * time.Second
	// lostRetryDelay is the pause between losing a transport and
	// deciding when to retry.
	lostRetryDelay = 10 * time.Millisecond
	// minAttemptDelay is the shortest wait worth a timer.
	minAttemptDelay = 10 * time.Millisecond
	// unresolvedWarnDelay is how long a plain request may go without
	// done or close before it is logged.
	unresolvedWarnDelay = 5 * time.Second
)

var attemptSchema = schema.MustCompile(schema.Decl{
	Name:  "recent_attempts",
	Attrs: []string{"id auto", "time"},
	Funcs: []string{"get(id)", "delete(id)", "each", "count", "delete_all"},
})

var errNotConnected = errors.New("not connected")

// Option configures a Connection.
type Option func(*Connection)

// WithSchedule sets the reconnect schedule. The default is
// DefaultSchedule.
func WithSchedule(s Schedule) Option {
	return func(c *Connection) {
		c.schedule = s
	}
}

// WithBufferTimeout bounds how long a request waits for a connection.
// The default is DefaultBufferTimeout.
func WithBufferTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.bufferTimeout = d
	}
}

// WithClock sets the clock driving reconnect timers and the buffer
// timeout.
func WithClock(clk clock.Clock) Option {
	return func(c *Connection) {
		c.clock = clk
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = l
	}
}

// WithRegistry answers the peer's requests from r. Without a registry
// every request fails with no_handler.
func WithRegistry(r *handler.Registry) Option {
	return func(c *Connection) {
		c.registry = r
	}
}

// WithSyncServer answers the peer's ListenToTable requests from s.
// Without one they fail with not_found.
func WithSyncServer(s *SyncServer) Option {
	return func(c *Connection) {
		c.syncServer = s
	}
}

// WithRequestLimiter rejects the peer's requests with rate_limited once
// l runs out of tokens.
func WithRequestLimiter(l *rate.Limiter) Option {
	return func(c *Connection) {
		c.limiter = l
	}
}

// WithTracer reports every message sent and received to t.
func WithTracer(t Tracer) Option {
	return func(c *Connection) {
		c.tracer = t
	}
}

// WithIDGenerator sets how the connection id is chosen. The default is
// UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Connection) {
		c.idGen = g
	}
}

// WithContext sets the parent context of request handlers. It is
// cancelled when the connection closes permanently.
func WithContext(ctx context.Context) Option {
	return func(c *Connection) {
		c.ctx = ctx
	}
}

// WithoutReconnect closes the connection permanently the first time the
// transport drops.
func WithoutReconnect() Option {
	return func(c *Connection) {
		c.reconnect = false
	}
}

// OnEstablish runs fn on every successful (re)connection, before
// buffered requests are replayed.
func OnEstablish(fn func()) Option {
	return func(c *Connection) {
		c.onEstablish = fn
	}
}

// OnClose runs fn once when the connection closes permanently.
func OnClose(fn func()) Option {
	return func(c *Connection) {
		c.onClose = fn
	}
}

// Connection multiplexes request streams over a reconnecting Transport.
//
// Thread-safety: every method is safe for concurrent use. State changes
// run on an internal loop.Loop; Status and friends read a snapshot.
type Connection struct {
	id            string
	connect       Connector
	loop          *loop.Loop
	clock         clock.Clock
	logger        *slog.Logger
	schedule      Schedule
	bufferTimeout time.Duration
	reconnect     bool
	registry      *handler.Registry
	syncServer    *SyncServer
	limiter       *rate.Limiter
	tracer        Tracer
	idGen         IDGenerator
	onEstablish   func()
	onClose       func()
	ctx           context.Context
	cancel        context.CancelFunc

	// outgoing holds the caller streams of our requests; incoming holds
	// handler streams answering the peer's requests.
	outgoing  *ActiveStreamSet
	incoming  *ActiveStreamSet
	buffer    *MessageBuffer
	attempts  *table.Table
	streamIDs clock.Sequence

	// Loop-only state.
	timer    clock.Timer
	timerGen int

	mu         sync.Mutex
	status     Status
	transport  Transport
	gen        int
	sender     string
	syncClient *SyncClient
}

// New creates a client connection and starts connecting with connect.
func New(connect Connector, opts ...Option) *Connection {
	c := newConnection(connect, opts)
	c.post(c.checkAndMaybeReconnect)
	return c
}

// Accept wraps a transport accepted by a server. It never reconnects:
// when t drops the connection closes permanently.
func Accept(t Transport, opts ...Option) *Connection {
	used := false
	connect := func(context.Context) (Transport, error) {
		if used {
			return nil, errors.New("accepted transport already used")
		}
		used = true
		return t, nil
	}
	c := newConnection(connect, append(opts, WithoutReconnect()))
	c.post(c.attemptReconnection)
	return c
}

func newConnection(connect Connector, opts []Option) *Connection {
	c := &Connection{
		connect:   connect,
		loop:      loop.New(),
		clock:     clock.System(),
		logger:    slog.Default(),
		schedule:  DefaultSchedule,
		reconnect: true,
		tracer:    nopTracer{},
		idGen:     UUIDv7Generator{},
		ctx:       context.Background(),
		status:    StatusAttempting,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.id = c.idGen.Generate()
	c.logger = c.logger.With("conn", c.id)
	c.ctx, c.cancel = context.WithCancel(context.WithValue(c.ctx, connKey{}, c))
	c.outgoing = NewActiveStreamSet("conn " + c.id + " req")
	c.incoming = NewActiveStreamSet("conn " + c.id + " res")
	c.buffer = NewMessageBuffer(c.clock, c.bufferTimeout)
	c.attempts = table.New(attemptSchema, table.WithName("recent_attempts "+c.id), table.WithLogger(c.logger))
	return c
}

type connKey struct{}

// FromContext returns the connection a request handler is serving.
func FromContext(ctx context.Context) (*Connection, bool) {
	c, ok := ctx.Value(connKey{}).(*Connection)
	return c, ok
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

func (c *Connection) String() string { return "connection " + c.id }

// Status returns the current state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the transport is up.
func (c *Connection) IsConnected() bool {
	return c.Status() == StatusConnected
}

// Sender returns the peer name the transport reported in
// set_connection_metadata.
func (c *Connection) Sender() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender
}

// Buffered returns the number of requests waiting for a connection.
func (c *Connection) Buffered() int { return c.buffer.Len() }

// ActiveStreams returns the number of open outgoing and incoming
// request streams.
func (c *Connection) ActiveStreams() (outgoing, incoming int) {
	return c.outgoing.Len(), c.incoming.Len()
}

func (c *Connection) post(fn func()) {
	c.loop.Post(fn)
}

// SendRequest sends req to the peer and returns the stream its response
// arrives on. While reconnecting the request is buffered; on a
// permanently closed connection it fails with connection_closed.
func (c *Connection) SendRequest(req value.Object) *stream.Stream {
	out := stream.New().SetLabel("request")
	c.post(func() {
		c.sendRequest(Message{Type: MsgRequest, Req: req}, out)
	})
	return out
}

func (c *Connection) sendRequest(msg Message, out *stream.Stream) {
	switch c.Status() {
	case StatusAttempting:
		c.buffer.Push(msg, out)
	case StatusGiveUp:
		c.buffer.Push(msg, out)
		c.attemptReconnection()
	case StatusPermanentClose:
		_ = out.CloseWithError(stream.NewError(stream.ErrConnectionClosed, "connection is closed"))
	case StatusConnected:
		c.sendNow(msg, out)
	}
}

// sendNow assigns a stream id and sends msg. Loop only.
func (c *Connection) sendNow(msg Message, out *stream.Stream) {
	id := c.streamIDs.Next()
	msg.StreamID = id
	if err := c.outgoing.AddStream(streamKey(id), out); err != nil {
		stream.RecordFailure(err, "conn", c.id)
		return
	}
	if err := c.send(msg); err != nil {
		c.logger.Debug("send failed, waiting for connection_lost", "msg", msg.String(), "error", err)
	}
}

func (c *Connection) send(msg Message) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return errNotConnected
	}
	c.tracer.Sent(c.id, msg)
	return t.Send(msg)
}

func streamKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Close shuts the connection down for good. In-flight requests fail
// with connection_closed and later requests fail immediately.
func (c *Connection) Close() {
	c.post(c.closeNow)
}

func (c *Connection) closeNow() {
	if c.Status() == StatusPermanentClose {
		return
	}
	c.setStatus(StatusPermanentClose)
	c.cancel()
	c.attempts.Close()
	c.logger.Info("connection closed")
	if c.onClose != nil {
		c.onClose()
	}
	c.mu.Lock()
	sc := c.syncClient
	c.mu.Unlock()
	if sc != nil {
		sc.close()
	}
}

// setStatus moves to st. give_up and permanent_close drop the
// transport and fail everything pending. Loop only.
func (c *Connection) setStatus(st Status) {
	c.mu.Lock()
	prev := c.status
	c.status = st
	c.mu.Unlock()
	if prev != st {
		c.logger.Debug("connection status", "from", prev, "to", st)
	}

	var failure *stream.ErrorItem
	switch st {
	case StatusGiveUp:
		failure = stream.NewError(stream.ErrConnectionFailed, "gave up connecting")
	case StatusPermanentClose:
		failure = stream.NewError(stream.ErrConnectionClosed, "connection is closed")
	default:
		return
	}
	c.stopTimer()
	c.dropTransport()
	c.closeStreams(failure)
	c.buffer.CloseAllWithError(failure)
}

// closeStreams fails our in-flight requests and stops the handlers
// answering the peer.
func (c *Connection) closeStreams(failure *stream.ErrorItem) {
	c.outgoing.FailAll(failure)
	c.incoming.CloseAll()
}

func (c *Connection) dropTransport() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.gen++
	c.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		c.logger.Debug("closing transport", "error", err)
	}
}

func (c *Connection) startTimer(d time.Duration, fn func()) {
	c.stopTimer()
	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(d, func() {
		c.post(func() {
			if gen != c.timerGen {
				return
			}
			c.timer = nil
			fn()
		})
	})
}

func (c *Connection) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

// recordAttempt notes an attempt starting now.
func (c *Connection) recordAttempt() {
	c.attempts.Insert(value.Object{"time": value.Int(c.clock.Now().UnixMilli())})
}

// recentAttempts prunes attempts older than the window and returns how
// many remain and when the latest started.
func (c *Connection) recentAttempts() (int, time.Time) {
	now := c.clock.Now()
	var latest time.Time
	count := 0
	for _, rec := range c.attempts.All() {
		tv, _ := rec.Attr("time")
		ms, _ := tv.(value.Int)
		at := time.UnixMilli(int64(ms))
		if now.Sub(at) > recentAttemptWindow {
			id, _ := rec.Attr("id")
			c.attempts.DeleteWith("id", id)
			continue
		}
		count++
		if at.After(latest) {
			latest = at
		}
	}
	return count, latest
}

// checkAndMaybeReconnect starts an attempt now, schedules one, or gives
// up, depending on the schedule. Loop only.
func (c *Connection) checkAndMaybeReconnect() {
	switch c.Status() {
	case StatusConnected, StatusPermanentClose:
		return
	}
	if !c.reconnect {
		c.closeNow()
		return
	}

	count, latest := c.recentAttempts()
	if count == 0 {
		c.attemptReconnection()
		return
	}
	delay, ok := c.schedule(count)
	if !ok {
		c.logger.Warn("giving up on connection", "attempts", count)
		c.setStatus(StatusGiveUp)
		return
	}
	wait := latest.Add(delay).Sub(c.clock.Now())
	if wait < minAttemptDelay {
		c.attemptReconnection()
		return
	}
	c.logger.Debug("scheduling reconnect", "attempts", count, "wait", wait)
	c.startTimer(wait, c.attemptReconnection)
}

// attemptReconnection opens a new transport. Loop only.
func (c *Connection) attemptReconnection() {
	switch c.Status() {
	case StatusConnected, StatusPermanentClose:
		return
	}
	c.stopTimer()
	c.dropTransport()
	c.setStatus(StatusAttempting)
	c.recordAttempt()

	t, err := c.connect(c.ctx)
	if err != nil {
		c.logger.Info("connection attempt failed", "error", err)
		c.onLost(true)
		return
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.transport = t
	c.mu.Unlock()

	err = t.Incoming().SendToFunc(func(evt stream.Event) error {
		c.post(func() { c.onTransportEvent(gen, evt) })
		return nil
	})
	if err != nil {
		c.logger.Warn("transport incoming stream unusable", "error", err)
		c.onLost(true)
	}
}

func (c *Connection) currentGen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// onTransportEvent handles one event from the transport of generation
// gen. Events from replaced transports are ignored.
func (c *Connection) onTransportEvent(gen int, evt stream.Event) {
	if gen != c.currentGen() {
		return
	}
	switch evt.Type {
	case stream.TypeItem:
		msg, ok := evt.Item.(Message)
		if !ok {
			c.logger.Warn("transport sent a non-message item", "item", fmt.Sprintf("%T", evt.Item))
			return
		}
		c.tracer.Received(c.id, msg)
		c.handleMessage(msg)
	case stream.TypeFail:
		c.logger.Warn("transport failed", "error", evt.Err)
	case stream.TypeClose:
		c.onLost(true)
	}
}

func (c *Connection) handleMessage(msg Message) {
	switch msg.Type {
	case MsgConnectionEstablished:
		c.onEstablished()
	case MsgConnectionLost:
		c.onLost(msg.Retry())
	case MsgRequest, MsgConnectionLevelRequest:
		c.handleIncomingRequest(msg)
	case MsgResponse:
		c.handleResponse(msg)
	case MsgCloseRequest:
		c.incoming.CloseStream(streamKey(msg.StreamID))
	case MsgSetConnectionMetadata:
		c.mu.Lock()
		c.sender = msg.Sender
		c.mu.Unlock()
	default:
		c.logger.Warn("unknown message type", "type", msg.Type)
	}
}

func (c *Connection) onEstablished() {
	c.stopTimer()
	if c.IsConnected() {
		return
	}
	c.setStatus(StatusConnected)
	c.attempts.DeleteAll()
	c.logger.Info("connection established")

	if c.onEstablish != nil {
		c.onEstablish()
	}
	for _, p := range c.buffer.TakeAll() {
		c.sendNow(p.Message, p.Output)
	}
	c.mu.Lock()
	sc := c.syncClient
	c.mu.Unlock()
	if sc != nil {
		sc.onConnect()
	}
}

func (c *Connection) onLost(shouldRetry bool) {
	if c.Status() == StatusPermanentClose {
		return
	}
	if !shouldRetry || !c.reconnect {
		c.closeNow()
		return
	}
	if c.IsConnected() {
		c.logger.Info("connection lost")
	}
	c.setStatus(StatusAttempting)
	c.dropTransport()
	c.closeStreams(stream.NewError(stream.ErrConnectionFailed, "connection lost"))
	c.startTimer(lostRetryDelay, c.checkAndMaybeReconnect)
}

func (c *Connection) handleResponse(msg Message) {
	if msg.Event == nil {
		c.logger.Warn("response without event", "stream", msg.StreamID)
		return
	}
	key := streamKey(msg.StreamID)
	err := c.outgoing.ReceiveMessage(key, *msg.Event)
	switch {
	case err == nil:
		return
	case stream.IsBackpressureStop(err):
	default:
		stream.RecordFailure(err, "conn", c.id)
		c.outgoing.CloseStream(key)
	}
	if msg.Event.Type != stream.TypeClose {
		_ = c.send(Message{Type: MsgCloseRequest, StreamID: msg.StreamID})
	}
}

func (c *Connection) handleIncomingRequest(msg Message) {
	if c.limiter != nil && !c.limiter.AllowN(c.clock.Now(), 1) {
		c.respond(msg.StreamID, failedStream(stream.NewError(stream.ErrRateLimited, "too many requests")), nil)
		return
	}

	switch msg.Type {
	case MsgRequest:
		c.respond(msg.StreamID, c.dispatch(msg.Req), c.unresolvedWarning(msg))
	default:
		// Connection requests are long-running.
		c.respond(msg.StreamID, c.connectionRequest(msg), nil)
	}
}

// unresolvedWarning logs msg if it is still unresolved after
// unresolvedWarnDelay. The caller stops the timer once the response
// reaches done or close.
func (c *Connection) unresolvedWarning(msg Message) clock.Timer {
	if msg.StreamID <= 0 {
		return nil
	}
	return c.clock.AfterFunc(unresolvedWarnDelay, func() {
		c.logger.Warn("request still unresolved", "after", unresolvedWarnDelay, "stream", msg.StreamID, "func", handler.FuncName(msg.Req))
	})
}

func (c *Connection) dispatch(req value.Object) *stream.Stream {
	if c.registry == nil {
		return failedStream(stream.NewError(stream.ErrNoHandler, "%s has no request handler", c))
	}
	return c.registry.Dispatch(c.ctx, req)
}

func (c *Connection) connectionRequest(msg Message) *stream.Stream {
	switch msg.ReqType {
	case ReqListenToTable:
		if c.syncServer == nil {
			return failedStream(stream.NewError(stream.ErrNotFound, "no tables are served"))
		}
		return c.syncServer.HandleListen(msg.Name, table.ParseListenOptions(msg.Options))
	default:
		return failedStream(stream.NewError(stream.ErrBadRequest, "unknown connection request %q", msg.ReqType))
	}
}

// respond forwards every event of out to the peer as responses to
// stream id. Requests without an id get no response. A non-nil warn is
// stopped once out reaches done or close.
func (c *Connection) respond(id int64, out *stream.Stream, warn clock.Timer) {
	resolved := func() {
		if warn != nil {
			warn.Stop()
		}
	}
	if id <= 0 {
		resolved()
		_ = out.SendTo(stream.Null())
		return
	}
	key := streamKey(id)
	if err := c.incoming.AddStream(key, out); err != nil {
		resolved()
		stream.RecordFailure(err, "conn", c.id)
		out.CloseByDownstream()
		return
	}
	err := out.SendToFunc(func(evt stream.Event) error {
		switch evt.Type {
		case stream.TypeDone, stream.TypeFail:
			resolved()
		case stream.TypeClose:
			resolved()
			c.incoming.Release(key)
		}
		if !c.IsConnected() {
			resolved()
			c.incoming.Release(key)
			return stream.ErrBackpressureStop
		}
		if err := c.send(Message{Type: MsgResponse, StreamID: id, Event: &evt}); err != nil {
			resolved()
			c.incoming.Release(key)
			return stream.ErrBackpressureStop
		}
		return nil
	})
	if err != nil {
		stream.RecordFailure(err, "conn", c.id)
	}
}

func failedStream(failure *stream.ErrorItem) *stream.Stream {
	s := stream.New()
	_ = s.CloseWithError(failure)
	return s
}
