package handler

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/value"
)

// CatchAll is the registry name of the handler used when no exact name
// matches.
const CatchAll = "*"

// FuncName returns the request name stored under "func".
func FuncName(req value.Object) string {
	if s, ok := req["func"].(value.String); ok {
		return string(s)
	}
	return ""
}

// Registry maps request names to handlers. It is safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register installs fn under name, replacing any previous handler.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Unregister removes the handler for name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// Lookup finds the handler for name, falling back to the catch-all.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.handlers[name]; ok {
		return fn, true
	}
	fn, ok := r.handlers[CatchAll]
	return fn, ok
}

// Names lists the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for req. A request without a name fails with
// bad_request; one that neither a handler nor the catch-all takes fails
// with unhandled_request.
func (r *Registry) Dispatch(ctx context.Context, req value.Object) *stream.Stream {
	name := FuncName(req)
	fn, ok := r.Lookup(name)
	switch {
	case !ok && name == "":
		return failed(name, stream.NewError(stream.ErrBadRequest, "request has no func"))
	case !ok:
		return failed(name, stream.NewError(stream.ErrUnhandledRequest, "no handler for %q", name))
	}
	return Run(ctx, name, fn, req)
}

// RegisterTable exposes t under name. Requests carry the table function
// under "call" and its arguments under "params", e.g.
// {"func": "tabs", "call": "get_with_id", "params": [3]}.
func (r *Registry) RegisterTable(name string, t *table.Table) {
	r.Register(name, func(_ context.Context, req value.Object) (Result, error) {
		call, _ := req["call"].(value.String)
		if call == "" {
			return nil, stream.NewError(stream.ErrBadRequest, "request for table %s has no call", name)
		}
		params, _ := req["params"].(value.Array)
		return Stream(t.Call(string(call), params...)), nil
	})
}
