package remote

import (
	"fmt"
	"sync"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/value"
)

var servedSchema = schema.MustCompile(schema.Decl{
	Name:  "synced_tables",
	Attrs: []string{"name"},
	Funcs: []string{"get(name)", "has(name)", "delete(name)", "each"},
})

// servedTable is one row of a SyncServer's catalogue.
type servedTable struct {
	name  string
	table *table.Table
}

func (s *servedTable) Attr(name string) (value.Value, bool) {
	if name == "name" {
		return value.String(s.name), true
	}
	return nil, false
}

func (s *servedTable) SetAttr(string, value.Value) {}

// SyncServer exposes tables to remote ListenToTable requests. One
// server is typically shared by every accepted Connection.
//
// Thread-safety: safe for concurrent use.
type SyncServer struct {
	// mu serializes catalogue writes.
	mu     sync.Mutex
	tables *table.Table
}

// NewSyncServer creates a server with nothing served.
func NewSyncServer() *SyncServer {
	return &SyncServer{tables: table.New(servedSchema)}
}

// Serve exposes t under name, or under its schema name if name is
// empty. The schema must declare listen.
func (s *SyncServer) Serve(t *table.Table, name string) error {
	if !t.Schema().SupportsListening() {
		return &stream.UsageError{Message: fmt.Sprintf("table %s does not declare listen", t.Name())}
	}
	if name == "" {
		name = t.Schema().Name
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables.Insert(&servedTable{name: name, table: t})
	return nil
}

// Create builds a table for sch and serves it under name.
func (s *SyncServer) Create(name string, sch *schema.Schema, opts ...table.Option) (*table.Table, error) {
	t := table.New(sch, append([]table.Option{table.WithName(name)}, opts...)...)
	if err := s.Serve(t, name); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// Unserve stops exposing name. Existing listeners keep their streams.
func (s *SyncServer) Unserve(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables.DeleteWith("name", value.String(name)) > 0
}

// Lookup returns the table served under name.
func (s *SyncServer) Lookup(name string) (*table.Table, bool) {
	rec, ok := s.tables.GetWith("name", value.String(name))
	if !ok {
		return nil, false
	}
	return rec.(*servedTable).table, true
}

// Names lists the served table names in the order they were served.
func (s *SyncServer) Names() []string {
	recs := s.tables.All()
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.(*servedTable).name
	}
	return out
}

// HandleListen answers a ListenToTable request with the table's own
// listen stream.
func (s *SyncServer) HandleListen(name string, opts table.ListenOptions) *stream.Stream {
	t, ok := s.Lookup(name)
	if !ok {
		return failedStream(stream.NewError(stream.ErrNotFound, "table %q is not served", name))
	}
	out, err := t.Listen(opts)
	if err != nil {
		return failedStream(stream.Capture(err))
	}
	return out
}

// SyncClient subscribes to tables served by the peer. Each subscription
// is re-issued after every reconnect; its stream receives Restart first
// so a mirror discards what it had.
//
// Thread-safety: safe for concurrent use.
type SyncClient struct {
	conn *Connection

	mu      sync.Mutex
	subs    []*subscription
	mirrors map[string]*table.Table
}

type subscription struct {
	name string
	opts table.ListenOptions
	// out is the caller's stream; req is the stream of the current
	// ListenToTable request.
	out *stream.Stream
	req *stream.Stream
}

// SyncClient returns the connection's table sync client.
func (c *Connection) SyncClient() *SyncClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncClient == nil {
		c.syncClient = &SyncClient{conn: c, mirrors: make(map[string]*table.Table)}
	}
	return c.syncClient
}

// Subscribe listens to the peer's table name. The returned stream
// carries the table's listen events and survives reconnects.
func (sc *SyncClient) Subscribe(name string, opts table.ListenOptions) *stream.Stream {
	sub := &subscription{
		name: name,
		opts: opts,
		out:  stream.New().SetLabel("listen/" + name),
	}
	sc.mu.Lock()
	sc.subs = append(sc.subs, sub)
	sc.mu.Unlock()

	sc.conn.post(func() {
		if sub.req == nil && sc.conn.IsConnected() {
			sc.restart(sub)
		}
	})
	return sub.out
}

// Mirror returns a local table kept in sync with the peer's table name.
// sch must declare the deletes the peer's listeners use. Repeated calls
// return the same table.
func (sc *SyncClient) Mirror(name string, sch *schema.Schema, opts ...table.Option) (*table.Table, error) {
	sc.mu.Lock()
	if t, ok := sc.mirrors[name]; ok {
		sc.mu.Unlock()
		return t, nil
	}
	t := table.New(sch, append([]table.Option{table.WithName(name)}, opts...)...)
	sc.mirrors[name] = t
	sc.mu.Unlock()

	if err := t.ListenToStream(sc.Subscribe(name, table.ListenOptions{InitialData: true})); err != nil {
		return nil, fmt.Errorf("mirroring %s: %w", name, err)
	}
	return t, nil
}

// Subscriptions returns the number of live subscriptions.
func (sc *SyncClient) Subscriptions() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.subs)
}

// onConnect re-issues every subscription. Loop only.
func (sc *SyncClient) onConnect() {
	sc.mu.Lock()
	subs := make([]*subscription, len(sc.subs))
	copy(subs, sc.subs)
	sc.mu.Unlock()

	for _, sub := range subs {
		sc.restart(sub)
	}
}

// restart sends a fresh ListenToTable request for sub. Loop only.
func (sc *SyncClient) restart(sub *subscription) {
	if sub.out.ClosedByDownstream() {
		sc.drop(sub)
		return
	}
	if sub.req != nil {
		sub.req.CloseByDownstream()
		if err := sub.out.Receive(stream.Restart()); err != nil {
			sc.drop(sub)
			return
		}
	}

	req := stream.New().SetLabel("listen/" + sub.name)
	sub.req = req
	err := req.SendToFunc(func(evt stream.Event) error {
		switch evt.Type {
		case stream.TypeClose:
			return nil
		case stream.TypeFail:
			// Connection-level failures end this request, not the
			// subscription.
			if evt.Err != nil && (evt.Err.ErrorType == stream.ErrConnectionFailed ||
				evt.Err.ErrorType == stream.ErrConnectionClosed) {
				return nil
			}
		}
		return sub.out.Receive(evt)
	})
	if err != nil {
		stream.RecordFailure(err, "subscription", sub.name)
		return
	}
	sc.conn.sendNow(Message{
		Type:    MsgConnectionLevelRequest,
		ReqType: ReqListenToTable,
		Name:    sub.name,
		Options: sub.opts.Value(),
	}, req)
}

func (sc *SyncClient) drop(sub *subscription) {
	if sub.req != nil {
		sub.req.CloseByDownstream()
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i, s := range sc.subs {
		if s == sub {
			sc.subs = append(sc.subs[:i], sc.subs[i+1:]...)
			return
		}
	}
}

// close ends every subscription with connection_closed.
func (sc *SyncClient) close() {
	sc.mu.Lock()
	subs := sc.subs
	sc.subs = nil
	sc.mu.Unlock()

	for _, sub := range subs {
		if sub.req != nil {
			sub.req.CloseByDownstream()
		}
		_ = sub.out.CloseWithError(stream.NewError(stream.ErrConnectionClosed, "connection is closed"))
	}
}
