package handler

import (
	"context"
	"iter"

	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
)

// Result is what a handler answers with. The set of implementations is
// closed: ValueResult, ListResult, TableResult, StreamResult,
// IteratorResult and DeferredResult.
type Result interface {
	result()
}

// ValueResult answers with exactly one item.
type ValueResult struct{ V any }

// ListResult answers with a finite list of items.
type ListResult struct{ Items []any }

// TableResult answers with every record of a table.
type TableResult struct{ Table *table.Table }

// StreamResult hands over an existing stream unchanged.
type StreamResult struct{ Stream *stream.Stream }

// IteratorResult pulls items from a sequence until it ends or yields an
// error.
type IteratorResult struct{ Seq iter.Seq2[any, error] }

// DeferredResult computes the real result later, on its own goroutine.
type DeferredResult struct {
	Fn func(ctx context.Context) (Result, error)
}

func (ValueResult) result()    {}
func (ListResult) result()     {}
func (TableResult) result()    {}
func (StreamResult) result()   {}
func (IteratorResult) result() {}
func (DeferredResult) result() {}

// Value answers with v.
func Value(v any) Result { return ValueResult{V: v} }

// List answers with items.
func List(items ...any) Result { return ListResult{Items: items} }

// Table answers with the contents of t.
func Table(t *table.Table) Result { return TableResult{Table: t} }

// Stream answers with s.
func Stream(s *stream.Stream) Result { return StreamResult{Stream: s} }

// Iterator answers with the items of seq.
func Iterator(seq iter.Seq2[any, error]) Result { return IteratorResult{Seq: seq} }

// Deferred answers with whatever fn eventually returns.
func Deferred(fn func(ctx context.Context) (Result, error)) Result {
	return DeferredResult{Fn: fn}
}
