package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/streamtable/internal/clock"
	"github.com/roach88/streamtable/internal/handler"
	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/value"
)

var itemSchema = schema.MustCompile(schema.Decl{
	Name:  "function_cache",
	Attrs: []string{"fingerprint", "func"},
	Funcs: []string{"get(fingerprint)", "delete(fingerprint)", "list(func)", "count"},
})

// Option configures a FunctionCache.
type Option func(*FunctionCache)

// WithTTL sets how long an item stays valid after creation. Zero, the
// default, means items never expire.
func WithTTL(ttl time.Duration) Option {
	return func(c *FunctionCache) {
		c.ttl = ttl
	}
}

// WithClock sets the clock used for expiry.
func WithClock(clk clock.Clock) Option {
	return func(c *FunctionCache) {
		c.clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *FunctionCache) {
		c.logger = l
	}
}

// WithContext sets the context handlers are invoked with.
func WithContext(ctx context.Context) Option {
	return func(c *FunctionCache) {
		c.ctx = ctx
	}
}

// WithTableOptions passes options to the item table, e.g. a monitor.
func WithTableOptions(opts ...table.Option) Option {
	return func(c *FunctionCache) {
		c.tableOpts = append(c.tableOpts, opts...)
	}
}

// FunctionCache deduplicates requests against a handler registry.
type FunctionCache struct {
	registry  *handler.Registry
	ttl       time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	ctx       context.Context
	tableOpts []table.Option

	// mu serializes item table mutations.
	mu    sync.Mutex
	items *table.Table
}

// New creates a cache that invokes handlers from registry.
func New(registry *handler.Registry, opts ...Option) *FunctionCache {
	c := &FunctionCache{
		registry: registry,
		clock:    clock.System(),
		logger:   slog.Default(),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.items = table.New(itemSchema, append([]table.Option{table.WithLogger(c.logger)}, c.tableOpts...)...)
	return c
}

// Len returns the number of live items.
func (c *FunctionCache) Len() int {
	return c.items.Count()
}

// Items returns the live items.
func (c *FunctionCache) Items() []*CacheItem {
	recs := c.items.All()
	out := make([]*CacheItem, len(recs))
	for i, r := range recs {
		out[i] = r.(*CacheItem)
	}
	return out
}

// GetItem returns the live item for params, creating it and invoking
// its handler if there is none or the existing one has expired. The
// caller holds a reference and must Release it.
func (c *FunctionCache) GetItem(params value.Object) (*CacheItem, error) {
	fp, err := value.Fingerprint(params)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting request: %w", err)
	}

	c.mu.Lock()
	if rec, ok := c.items.GetWith("fingerprint", value.String(fp)); ok {
		it := rec.(*CacheItem)
		if !it.expired(c.clock.Now()) {
			it.acquire()
			c.mu.Unlock()
			return it, nil
		}
		// Current holders keep the expired item until they release it.
		c.items.DeleteItem(it)
		c.logger.Debug("cache item expired", "fingerprint", fp)
	}

	it := &CacheItem{cache: c, fingerprint: fp, params: params, refs: 1}
	if c.ttl > 0 {
		it.expireAt = c.clock.Now().Add(c.ttl)
	}
	c.items.Insert(it)
	c.mu.Unlock()

	c.logger.Debug("cache miss", "func", handler.FuncName(params), "fingerprint", fp)
	c.invoke(it)
	return it, nil
}

func (c *FunctionCache) invoke(it *CacheItem) {
	s := c.registry.Dispatch(c.ctx, it.params)
	if err := it.SetResultStream(s); err != nil {
		stream.RecordFailure(err, "cache_item", it.fingerprint)
	}
}

// Listen returns a stream of the request's result. A late listener
// first receives everything the item has recorded. The stream holds a
// reference until it closes.
func (c *FunctionCache) Listen(params value.Object) (*stream.Stream, error) {
	it, err := c.GetItem(params)
	if err != nil {
		return nil, err
	}
	s := stream.New().SetLabel("cache " + handler.FuncName(params))
	it.addListener(s, true)
	return s, nil
}

func (c *FunctionCache) release(it *CacheItem) {
	it.mu.Lock()
	if it.refs > 0 {
		it.refs--
	}
	last := it.refs == 0
	it.mu.Unlock()
	if last {
		c.evict(it)
	}
}

func (c *FunctionCache) evict(it *CacheItem) {
	c.mu.Lock()
	if rec, ok := c.items.GetWith("fingerprint", value.String(it.fingerprint)); ok && rec == table.Record(it) {
		c.items.DeleteItem(it)
	}
	c.mu.Unlock()
	it.evict()
}

// InvalidateItem refreshes it in place if it is still referenced, and
// evicts it otherwise.
func (c *FunctionCache) InvalidateItem(it *CacheItem) {
	if it.Refs() > 0 {
		c.logger.Debug("cache refresh", "fingerprint", it.fingerprint)
		c.invoke(it)
		return
	}
	c.evict(it)
}

// InvalidateWithFilter invalidates every item whose params match.
func (c *FunctionCache) InvalidateWithFilter(match func(params value.Object) bool) int {
	n := 0
	for _, it := range c.Items() {
		if match(it.params) {
			c.InvalidateItem(it)
			n++
		}
	}
	return n
}

// InvalidateFunc invalidates every item for the named request.
func (c *FunctionCache) InvalidateFunc(name string) int {
	c.mu.Lock()
	recs := c.items.ListWith("func", value.String(name))
	c.mu.Unlock()
	for _, rec := range recs {
		c.InvalidateItem(rec.(*CacheItem))
	}
	return len(recs)
}

// Close evicts every item.
func (c *FunctionCache) Close() {
	for _, it := range c.Items() {
		c.evict(it)
	}
	c.items.Close()
}
