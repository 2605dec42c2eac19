package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/streamtable/internal/cache"
	"github.com/roach88/streamtable/internal/clock"
	"github.com/roach88/streamtable/internal/config"
	"github.com/roach88/streamtable/internal/diag"
	"github.com/roach88/streamtable/internal/handler"
	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/store"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/transport/wsock"
	"github.com/roach88/streamtable/internal/value"
)

// ShutdownTimeout bounds how long ListenAndServe waits for in-flight
// HTTP requests when its context ends.
const ShutdownTimeout = 5 * time.Second

// cacheable lists the calls answered through the function cache.
var cacheable = map[schema.FuncKind]bool{
	schema.FuncEach:      true,
	schema.FuncGetWith:   true,
	schema.FuncGetSingle: true,
	schema.FuncHas:       true,
	schema.FuncListWith:  true,
	schema.FuncListAll:   true,
	schema.FuncCount:     true,
	schema.FuncFirst:     true,
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithClock sets the clock used by the cache and the trace store.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// WithDiagnostics registers every table with r. The default is a
// registry private to the server.
func WithDiagnostics(r *diag.Registry) Option {
	return func(s *Server) {
		s.diag = r
	}
}

// Server serves configured tables over WebSockets.
//
// Thread-safety: safe for concurrent use once New returns.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock
	diag   *diag.Registry

	schemas map[string]*schema.Schema
	tables  map[string]*table.Table
	names   []string

	sync     *remote.SyncServer
	back     *handler.Registry
	front    *handler.Registry
	cache    *cache.FunctionCache
	watchers []*stream.Stream
	trace    *store.Store
	ws       *wsock.Server
	router   chi.Router
}

// New loads the schemas, creates and seeds the tables, and opens the
// trace store. Close releases everything New acquired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		clock:  clock.System(),
		tables: make(map[string]*table.Table),
		sync:   remote.NewSyncServer(),
		back:   handler.NewRegistry(),
		front:  handler.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.diag == nil {
		s.diag = diag.NewRegistry(diag.WithLogger(s.logger), diag.WithWarnThreshold(cfg.TableWarnThreshold))
	}

	schemas, err := LoadSchemas(cfg.Schemas)
	if err != nil {
		return nil, err
	}
	s.schemas = schemas

	if !cfg.DisableCache {
		s.cache = cache.New(s.back,
			cache.WithTTL(cfg.CacheTTL),
			cache.WithClock(s.clock),
			cache.WithLogger(s.logger),
			cache.WithTableOptions(table.WithMonitor(s.diag)),
		)
	}

	if err := s.createTables(); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.TraceDB != "" {
		s.trace, err = store.Open(cfg.TraceDB, store.WithClock(s.clock), store.WithLogger(s.logger))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("opening trace store: %w", err)
		}
	}

	s.front.Register(handler.CatchAll, s.route)
	s.ws = wsock.NewServer(
		wsock.WithLogger(s.logger),
		wsock.WithConnectionOptions(s.connectionOptions()...),
		wsock.WithPerConnectionOptions(s.perConnectionOptions),
	)
	s.router = s.routes()
	return s, nil
}

// LoadSchemas compiles every CUE file in paths. A schema name declared
// twice is an error.
func LoadSchemas(paths []string) (map[string]*schema.Schema, error) {
	out := make(map[string]*schema.Schema)
	from := make(map[string]string)
	for _, path := range paths {
		list, err := schema.LoadCUE(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		for _, sch := range list {
			if prev, dup := from[sch.Name]; dup {
				return nil, fmt.Errorf("schema %q declared in both %s and %s", sch.Name, prev, path)
			}
			out[sch.Name] = sch
			from[sch.Name] = path
		}
	}
	return out, nil
}

func (s *Server) createTables() error {
	for _, tc := range s.cfg.Tables {
		sch, ok := s.schemas[tc.Schema]
		if !ok {
			return fmt.Errorf("table %s: unknown schema %q", tc.ServedName(), tc.Schema)
		}
		name := tc.ServedName()

		recs, err := seedRecords(tc.Items)
		if err != nil {
			return fmt.Errorf("table %s: %w", name, err)
		}

		tableOpts := []table.Option{table.WithName(name), table.WithLogger(s.logger), table.WithMonitor(s.diag)}
		var t *table.Table
		if sch.SupportsListening() {
			t, err = s.sync.Create(name, sch, tableOpts...)
			if err != nil {
				return fmt.Errorf("table %s: %w", name, err)
			}
		} else {
			t = table.New(sch, tableOpts...)
		}
		t.InsertAll(recs)

		s.tables[name] = t
		s.names = append(s.names, name)
		s.back.RegisterTable(name, t)
		s.watch(name, t)
		s.logger.Info("serving table", "table", name, "schema", sch.Name, "records", t.Count(), "listen", sch.SupportsListening())
	}
	sort.Strings(s.names)
	return nil
}

func seedRecords(items []map[string]any) ([]table.Record, error) {
	recs := make([]table.Record, 0, len(items))
	for i, item := range items {
		v, err := value.From(item)
		if err != nil {
			return nil, fmt.Errorf("items[%d]: %w", i, err)
		}
		recs = append(recs, v.(value.Object))
	}
	return recs, nil
}

// watch invalidates the cached reads of t whenever it changes. Tables
// without listen are invalidated by route after each write instead.
func (s *Server) watch(name string, t *table.Table) {
	if s.cache == nil || !t.Schema().SupportsListening() {
		return
	}
	changes, err := t.Listen(table.ListenOptions{})
	if err != nil {
		s.logger.Warn("cannot watch table for cache invalidation", "table", name, "error", err)
		return
	}
	err = changes.SendToFunc(func(evt stream.Event) error {
		switch evt.Type {
		case stream.TypeItem, stream.TypeDelta, stream.TypeRestart:
			s.invalidate(name)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("cannot watch table for cache invalidation", "table", name, "error", err)
		return
	}
	s.watchers = append(s.watchers, changes)
}

func (s *Server) invalidate(name string) {
	if s.cache == nil {
		return
	}
	if n := s.cache.InvalidateFunc(name); n > 0 {
		s.logger.Debug("invalidated cached reads", "table", name, "items", n)
	}
}

// route is the catch-all request handler. Cacheable reads go through the
// cache; everything else goes straight to the table.
func (s *Server) route(ctx context.Context, req value.Object) (handler.Result, error) {
	name := handler.FuncName(req)
	t, ok := s.tables[name]
	if !ok {
		return handler.Stream(s.back.Dispatch(ctx, req)), nil
	}

	call, _ := req["call"].(value.String)
	f, known := t.Schema().Func(string(call))
	if known && cacheable[f.Kind] && s.cache != nil {
		out, err := s.cache.Listen(req)
		if err != nil {
			return nil, err
		}
		return handler.Stream(out), nil
	}

	out := s.back.Dispatch(ctx, req)
	if known && f.Kind != schema.FuncListen && !cacheable[f.Kind] && !t.Schema().SupportsListening() {
		s.invalidate(name)
	}
	return handler.Stream(out), nil
}

func (s *Server) connectionOptions() []remote.Option {
	opts := []remote.Option{
		remote.WithRegistry(s.front),
		remote.WithSyncServer(s.sync),
		remote.WithBufferTimeout(s.cfg.BufferTimeout),
		remote.WithLogger(s.logger),
	}
	if s.trace != nil {
		opts = append(opts, remote.WithTracer(s.trace.Tracer()))
	}
	return opts
}

func (s *Server) perConnectionOptions(*http.Request) []remote.Option {
	if s.cfg.RateLimit == nil {
		return nil
	}
	return []remote.Option{remote.WithRequestLimiter(s.cfg.RateLimit.Limiter())}
}

// Accept serves one connection over t, for transports other than the
// WebSocket endpoint. opts apply after the server's own options.
func (s *Server) Accept(t remote.Transport, opts ...remote.Option) *remote.Connection {
	all := append(s.connectionOptions(), s.perConnectionOptions(nil)...)
	return remote.Accept(t, append(all, opts...)...)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Table returns the served table name.
func (s *Server) Table(name string) (*table.Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// TableNames returns the served table names, sorted.
func (s *Server) TableNames() []string {
	return append([]string(nil), s.names...)
}

// Connections returns the open remote connections.
func (s *Server) Connections() []*remote.Connection {
	if s.ws == nil {
		return nil
	}
	return s.ws.Connections()
}

// Diagnostics returns the table registry.
func (s *Server) Diagnostics() *diag.Registry { return s.diag }

// Trace returns the trace store, or nil when tracing is off.
func (s *Server) Trace() *store.Store { return s.trace }

// ListenAndServe listens on the configured address and serves until ctx
// ends or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends or ln fails. Open sockets are
// closed before the HTTP server shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errc <- hs.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.ws.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// Close closes every connection, table and cache item, and the trace
// store. It is safe to call on a partially built server.
func (s *Server) Close() error {
	if s.ws != nil {
		s.ws.Close()
	}
	for _, w := range s.watchers {
		w.CloseByDownstream()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	for _, name := range s.names {
		s.sync.Unserve(name)
		s.tables[name].Close()
	}
	if s.trace != nil {
		return s.trace.Close()
	}
	return nil
}
