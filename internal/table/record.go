package table

import (
	"reflect"

	"github.com/roach88/streamtable/internal/value"
)

// Record is anything a table can index: a value.Object, or a domain
// type exposing its attributes.
type Record interface {
	Attr(name string) (value.Value, bool)
	SetAttr(name string, v value.Value)
}

var _ Record = value.Object(nil)

// entry wraps a record so indexes can track it by identity. keys holds
// the key the record was filed under in each index, by index position.
type entry struct {
	rec     Record
	keys    []string
	removed bool
}

// attrValues reads attrs from rec. Missing attributes read as Null.
func attrValues(rec Record, attrs []string) []value.Value {
	out := make([]value.Value, len(attrs))
	for i, a := range attrs {
		v, ok := rec.Attr(a)
		if !ok || v == nil {
			v = value.Null{}
		}
		out[i] = v
	}
	return out
}

// keyParams is attrValues as delta params.
func keyParams(rec Record, attrs []string) []any {
	vals := attrValues(rec, attrs)
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

// sameRecord reports whether a and b denote the same record: equal
// contents for objects, identity for everything else.
func sameRecord(a, b Record) bool {
	ao, aok := a.(value.Object)
	bo, bok := b.(value.Object)
	if aok && bok {
		return value.Equal(ao, bo)
	}
	if aok != bok {
		return false
	}
	if !reflect.TypeOf(a).Comparable() || reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return a == b
}

// recordsEqual compares two records on attrs. Objects compare whole.
func recordsEqual(a, b Record, attrs []string) bool {
	ao, aok := a.(value.Object)
	bo, bok := b.(value.Object)
	if aok && bok {
		return value.Equal(ao, bo)
	}
	for _, name := range attrs {
		av, _ := a.Attr(name)
		bv, _ := b.Attr(name)
		if !value.Equal(av, bv) {
			return false
		}
	}
	return true
}

// cloneRecord copies objects so a mirror never aliases its source.
func cloneRecord(rec Record) Record {
	if o, ok := rec.(value.Object); ok {
		return o.Clone()
	}
	return rec
}
