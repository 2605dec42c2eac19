// Package diag tracks live tables for debugging.
//
// A Registry implements table.Monitor; pass it to table.New with
// table.WithMonitor. Init installs a process-wide Registry and Teardown
// removes it. Without Init, Current returns nil, which is a valid
// Monitor that records nothing.
package diag

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/roach88/streamtable/internal/table"
)

// DefaultWarnThreshold is the live table count past which a Registry
// logs a warning. Crossing it usually means tables are being leaked.
const DefaultWarnThreshold = 200

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithWarnThreshold sets the live table count that triggers a warning.
func WithWarnThreshold(n int) Option {
	return func(r *Registry) {
		r.warnAt = n
	}
}

// Registry records every live table created with it as monitor.
//
// Thread-safety: safe for concurrent use. A nil *Registry ignores every
// call.
type Registry struct {
	logger *slog.Logger
	warnAt int

	mu     sync.Mutex
	tables map[*table.Table]struct{}
	warned bool
}

var _ table.Monitor = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger: slog.Default(),
		warnAt: DefaultWarnThreshold,
		tables: make(map[*table.Table]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TableCreated implements table.Monitor.
func (r *Registry) TableCreated(t *table.Table) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.tables[t] = struct{}{}
	n := len(r.tables)
	warn := n > r.warnAt && !r.warned
	if warn {
		r.warned = true
	}
	r.mu.Unlock()

	if warn {
		r.logger.Warn("many live tables; are tables being closed?", "count", n, "threshold", r.warnAt)
	}
}

// TableClosed implements table.Monitor.
func (r *Registry) TableClosed(t *table.Table) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, t)
	if len(r.tables) <= r.warnAt {
		r.warned = false
	}
}

// Len returns the number of live tables.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}

// Snapshot returns stats for every live table, sorted by name.
func (r *Registry) Snapshot() []table.Stats {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	tables := make([]*table.Table, 0, len(r.tables))
	for t := range r.tables {
		tables = append(tables, t)
	}
	r.mu.Unlock()

	out := make([]table.Stats, len(tables))
	for i, t := range tables {
		out[i] = t.Stats()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServeHTTP writes the snapshot as JSON.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snap := r.Snapshot()
	if snap == nil {
		snap = []table.Stats{}
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil && r != nil {
		r.logger.Warn("writing table snapshot", "error", err)
	}
}

var (
	currentMu sync.Mutex
	current   *Registry
)

// Init installs a process-wide registry and returns it. A second Init
// without Teardown returns the installed registry unchanged.
func Init(opts ...Option) *Registry {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current == nil {
		current = NewRegistry(opts...)
	}
	return current
}

// Teardown removes the process-wide registry.
func Teardown() {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = nil
}

// Current returns the process-wide registry, or nil before Init.
func Current() *Registry {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}
