// Package schema compiles table declarations.
//
// A Decl lists attributes and function clauses ("get(id)", "listen",
// "delete(id)", ...). Compile turns it into an immutable Schema: the
// index specifications needed to serve those functions, the generated
// function bindings, a capability set, and the update plan.
//
// Index selection:
//   - get(x)          unique Map on x, function get_with_x
//   - list(x)         MultiMap on x, function list_with_x
//   - has(x)          MultiMap on x (Map if another clause implies one), has_x
//   - delete(x)       same as has, delete_with_x
//   - update(x)       same as has, update_with_x
//   - get (no parens) SingleValue index, functions get and set
//   - nothing keyed   List index
//
// The first single-attribute Map is the primary unique index. The
// default index is the primary unique index, else the first index.
//
// Declarations can be written in Go or loaded from CUE (LoadCUE).
package schema
