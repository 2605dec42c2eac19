// Package table is the in-memory table engine.
//
// A Table is built from a compiled schema.Schema and owns one index per
// index spec: Map (unique key), MultiMap (key to many), List (insertion
// order) and SingleValue (at most one record). Mutations keep every
// index consistent and, when the schema declares listen, fan the change
// out to listener streams:
//
//   - Insert sends Item
//   - deletes send Delta(delete_with_<key>, key...)
//   - DeleteAll sends Restart then StartUpdates
//
// Listen emits Schema, an optional snapshot ending in Done, then
// StartUpdates. Everything before StartUpdates is a consistent snapshot.
// ListenToStream is the inverse: it applies such a stream to a mirror
// table and tracks its status sub-table.
//
// Thread-safety: mutations must come from one goroutine (the owner's
// loop). Reads may come from any goroutine. Listener delivery happens
// after the index lock is released, so listeners may re-query the table.
package table
