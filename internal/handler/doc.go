// Package handler normalizes request handlers into stream traffic.
//
// A Func answers a request with a Result, one of a closed set of
// shapes: a single value, a list, a table, a stream, an iterator or a
// deferred computation. Run turns any of them into
// Schema, Item..., Done, Close on a stream, or Fail, Close when the
// handler returns an error or panics. A handler that stops because its
// consumer went away (stream.ErrBackpressureStop) closes cleanly.
//
// Registry maps request names to handlers, with "*" as a catch-all.
package handler
