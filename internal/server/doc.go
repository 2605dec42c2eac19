// Package server assembles a streamtable serve process from a
// config.Config.
//
// It compiles the configured CUE schemas, creates and seeds the served
// tables, and exposes them over one WebSocket endpoint. Each accepted
// socket becomes a remote.Connection whose requests reach the tables
// through a handler registry:
//
//	{"func": "tabs", "call": "get_with_id", "params": [3]}
//
// Read-only calls go through a cache.FunctionCache, so concurrent
// identical reads share one table call. Any change to a table, whether
// from a remote write or in-process, invalidates the cached reads of
// that table. Tables that declare listen are also served to remote
// ListenToTable subscriptions.
//
// HTTP routes:
//
//	/ws                  WebSocket endpoint
//	/healthz             liveness and counts
//	/debug/tables        live table statistics
//	/debug/connections   open connections
//	/debug/cache         cached reads
package server
