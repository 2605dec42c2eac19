// Package value defines the JSON value model carried by table items,
// request parameters and wire events.
//
// Values form a closed set: Null, String, Int, Bool, Array and Object.
// There is no float variant; numbers are 64-bit integers so that
// canonical encodings (and therefore cache fingerprints and index keys)
// are deterministic.
//
// Object doubles as the default table record: it exposes Attr/SetAttr so
// a table can read index keys and assign auto attributes.
package value
