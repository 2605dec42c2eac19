package handler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

// Func handles one request. req carries the request name under "func"
// and its arguments under any other keys.
type Func func(ctx context.Context, req value.Object) (Result, error)

// Run invokes fn and returns its answer as a stream. Errors and panics
// become Fail then Close; ErrBackpressureStop becomes a bare Close.
func Run(ctx context.Context, name string, fn Func, req value.Object) *stream.Stream {
	res, err := invoke(ctx, name, fn, req)
	if err != nil {
		return failed(name, err)
	}
	return toStream(ctx, name, res)
}

func invoke(ctx context.Context, name string, fn Func, req value.Object) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			item := stream.RecordFailure(fmt.Errorf("panic in handler %s: %v", name, r), "handler", name)
			item.Stack = string(debug.Stack())
			res, err = nil, item
		}
	}()
	res, err = fn(ctx, req)
	if err != nil && !stream.IsBackpressureStop(err) {
		if _, ok := stream.AsErrorItem(err); !ok {
			err = stream.RecordFailure(err, "handler", name)
		}
	}
	return res, err
}

func failed(name string, err error) *stream.Stream {
	s := stream.New().SetLabel(name)
	if stream.IsBackpressureStop(err) {
		_ = s.Close()
		return s
	}
	_ = s.CloseWithError(err)
	return s
}

func toStream(ctx context.Context, name string, res Result) *stream.Stream {
	switch r := res.(type) {
	case nil:
		s := stream.New().SetLabel(name)
		_ = s.PutSchema(schema.Decl{Name: name, Hint: schema.HintValue})
		_ = s.Put(value.Null{})
		_ = s.Finish()
		return s

	case ValueResult:
		s := stream.New().SetLabel(name)
		_ = s.PutSchema(schema.Decl{Name: name, Hint: schema.HintValue})
		_ = s.Put(r.V)
		_ = s.Finish()
		return s

	case ListResult:
		return listStream(name, r.Items)

	case TableResult:
		s := stream.New().SetLabel(name)
		_ = s.PutSchema(schema.Decl{Name: r.Table.Schema().Name, Hint: schema.HintList})
		for _, rec := range r.Table.All() {
			_ = s.Put(rec)
		}
		_ = s.Finish()
		return s

	case StreamResult:
		if r.Stream == nil {
			return listStream(name, nil)
		}
		return r.Stream

	case IteratorResult:
		return iterate(name, r)

	case DeferredResult:
		s := stream.New().SetLabel(name)
		go func() {
			inner := Run(ctx, name, func(ctx context.Context, _ value.Object) (Result, error) {
				return r.Fn(ctx)
			}, nil)
			if err := inner.SendTo(s); err != nil {
				slog.Warn("deferred result not delivered", "handler", name, "error", err)
			}
		}()
		return s

	default:
		return failed(name, stream.NewError(stream.ErrUnhandledException, "unknown result type %T", res))
	}
}

func listStream(name string, items []any) *stream.Stream {
	s := stream.New().SetLabel(name)
	_ = s.PutSchema(schema.Decl{Name: name, Hint: schema.HintList})
	for _, item := range items {
		_ = s.Put(item)
	}
	_ = s.Finish()
	return s
}

// iterate drains the sequence inline on the caller's goroutine, so a
// sequence that blocks stalls whoever dispatched the request; wrap slow
// sources in Deferred. The loop stops early if the sequence yields an
// error, and a panic inside the sequence fails the stream like a panic
// in the handler itself.
func iterate(name string, r IteratorResult) (s *stream.Stream) {
	s = stream.New().SetLabel(name)
	defer func() {
		if rec := recover(); rec != nil {
			item := stream.RecordFailure(fmt.Errorf("panic in handler %s: %v", name, rec), "handler", name)
			item.Stack = string(debug.Stack())
			_ = s.CloseWithError(item)
		}
	}()
	_ = s.PutSchema(schema.Decl{Name: name, Hint: schema.HintList})
	if r.Seq != nil {
		for item, err := range r.Seq {
			if err != nil {
				if stream.IsBackpressureStop(err) {
					_ = s.Close()
				} else {
					_ = s.CloseWithError(err)
				}
				return s
			}
			if err := s.Put(item); err != nil {
				return s
			}
		}
	}
	_ = s.Finish()
	return s
}
