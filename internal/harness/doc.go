// Package harness runs scripted scenarios against served tables.
//
// A scenario serves tables exactly as streamtable serve would, connects
// one client to them over an in-process pipe, optionally mirrors some of
// the tables, and then executes a flow of steps. Expectations on call
// results and assertions on the final tables and the wire trace are
// checked as it goes.
//
// # Scenario Format
//
//	name: mirror_follows_server
//	description: "A mirror follows server inserts across a reconnect"
//	schemas: [schemas.cue]
//	tables:
//	  - schema: Tabs
//	    name: tabs
//	    items: [{id: 1, title: home}]
//	mirror: [tabs]
//	flow:
//	  - insert: {table: tabs, item: {id: 2, title: docs}}
//	  - delete: {table: tabs, key: [1]}
//	  - disconnect: {retry: true}
//	  - advance: 1s
//	  - call: {table: tabs, fn: get_with_id, params: [2]}
//	    expect:
//	      items: [{title: docs}]
//	assertions:
//	  - type: table_count
//	    table: tabs
//	    count: 1
//	  - type: trace_count
//	    message: connection_level_request
//	    table: tabs
//	    count: 2
//
// # Assertion Types
//
//   - table_contains: a record of the table matches where (subset match)
//   - table_count: the table holds exactly count records
//   - status: the table's load status
//   - trace_contains: a message of the given type was traced
//   - trace_order: first occurrences of messages appear in order
//   - trace_count: a message type was traced exactly count times
//
// Table assertions read the client's mirror when the table is mirrored,
// unless side: server is given.
//
// # Determinism
//
// The run uses a testutil.FakeClock that only moves on advance steps,
// sequential connection ids, and an in-memory trace store. Every
// transport is in-process and delivers synchronously, so a scenario
// produces the same steps and trace on every run. RunWithGolden compares
// the step log and mirror contents with a golden file.
package harness
