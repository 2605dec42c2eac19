// Package remote carries streams between two processes.
//
// A Connection owns a Transport (a socket, an in-process pipe) and
// multiplexes any number of request streams over it. Outgoing requests
// get a fresh stream id; the peer tags every response event with that id
// so it can be routed back to the caller's stream. Requests made while
// the transport is down are buffered and replayed, in order, once it
// reconnects.
//
// The reconnect loop is a small state machine:
//
//	attempting -> connected -> attempting -> ... -> give_up
//	any state  -> permanent_close (Close, or connection_lost{shouldRetry:false})
//
// Attempt timing comes from a Schedule applied to the number of attempts
// in the last 30 seconds, so a flapping network backs off instead of
// spinning.
//
// SyncServer and SyncClient replicate tables over a Connection using
// connection-level ListenToTable requests: the server answers with
// Table.Listen, the client feeds the events into a local mirror with
// Table.ListenToStream, and every subscription is re-issued after a
// reconnect.
//
// All state changes run on a loop.Loop, so transport callbacks, timers
// and API calls from other goroutines never interleave.
package remote
