package table

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

func obj(kv ...any) value.Object {
	o := make(value.Object, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		o[kv[i].(string)] = value.Must(kv[i+1])
	}
	return o
}

func newTable(t *testing.T, funcs ...string) *Table {
	t.Helper()
	s, err := schema.Compile(schema.Decl{Name: "T", Funcs: funcs})
	require.NoError(t, err)
	return New(s)
}

// recorder collects every event a stream delivers.
type recorder struct {
	events []stream.Event
}

func record(t *testing.T, s *stream.Stream) *recorder {
	t.Helper()
	r := &recorder{}
	require.NoError(t, s.SendToFunc(func(evt stream.Event) error {
		r.events = append(r.events, evt)
		return nil
	}))
	return r
}

func (r *recorder) types() []stream.EventType {
	out := make([]stream.EventType, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

func (r *recorder) reset() { r.events = nil }

func ids(recs []Record) []int64 {
	out := make([]int64, len(recs))
	for i, rec := range recs {
		v, _ := rec.Attr("id")
		out[i] = int64(v.(value.Int))
	}
	return out
}

func schemaDecl(funcs ...string) schema.Decl {
	return schema.Decl{Name: "T", Funcs: funcs}
}
