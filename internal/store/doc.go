// Package store provides SQLite-backed storage for connection traces.
//
// A Store records every message a remote.Connection sends or receives,
// keyed by connection id. It is a diagnostics log: tables are never
// persisted here.
//
// # Layout
//
//   - connections: one row per traced connection id, with first and
//     last seen times
//   - messages: append-only, one row per message, ordered by seq
//
// # Ordering
//
// seq is assigned by the Store from a logical counter seeded with the
// largest stored seq, so messages read back in the order they were
// recorded regardless of wall time. Queries order by seq ASC.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
