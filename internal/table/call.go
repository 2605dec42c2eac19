package table

import (
	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

// Call runs a declared function by public name ("get_with_id") or
// declared clause ("get(id)") and returns its result as a stream:
// Schema with a value or list hint, the items, Done and Close. listen
// returns the live listener stream. Unsupported functions and bad
// arguments fail the stream with bad_request; a missing record fails it
// with not_found.
func (t *Table) Call(fn string, params ...value.Value) *stream.Stream {
	f, ok := t.schema.Func(fn)
	if ok && f.Kind == schema.FuncListen {
		var opts ListenOptions
		if len(params) > 0 {
			opts = ParseListenOptions(params[0])
		}
		s, err := t.Listen(opts)
		if err != nil {
			return failed(stream.NewError(stream.ErrBadRequest, "%v", err))
		}
		return s
	}

	items, hint, err := t.apply(fn, params)
	if err != nil {
		return failed(err)
	}
	s := stream.New().SetLabel(t.name + "." + fn)
	_ = s.PutSchema(schema.Decl{Name: t.schema.Name, Hint: hint})
	for _, item := range items {
		_ = s.Put(item)
	}
	_ = s.Finish()
	return s
}

func failed(err error) *stream.Stream {
	s := stream.New()
	_ = s.CloseWithError(err)
	return s
}

func badRequest(format string, args ...any) error {
	return stream.NewError(stream.ErrBadRequest, format, args...)
}

// apply runs fn synchronously. Functions that need a Go callback or a
// table argument (update, diff, listen_to_stream) are not callable by
// name.
func (t *Table) apply(fn string, params []value.Value) ([]any, string, error) {
	f, ok := t.schema.Func(fn)
	if !ok {
		return nil, "", badRequest("%s does not support %q", t, fn)
	}
	if f.Params != nil && len(params) != len(f.Params) {
		return nil, "", badRequest("%s.%s takes %d parameters, got %d", t, f.PublicName, len(f.Params), len(params))
	}

	switch f.Kind {
	case schema.FuncEach, schema.FuncListAll:
		return recordItems(t.All()), schema.HintList, nil

	case schema.FuncCount:
		return []any{value.Int(t.Count())}, schema.HintValue, nil

	case schema.FuncFirst:
		rec, ok := t.First()
		if !ok {
			return nil, "", stream.NewError(stream.ErrNotFound, "%s is empty", t)
		}
		return []any{rec}, schema.HintValue, nil

	case schema.FuncGetWith:
		rec, ok := t.GetWith(f.Index, params...)
		if !ok {
			return nil, "", stream.NewError(stream.ErrNotFound, "%s has no record for %s=%s", t, f.Index, lookupKey(params))
		}
		return []any{rec}, schema.HintValue, nil

	case schema.FuncHas:
		return []any{value.Bool(t.HasWith(f.Index, params...))}, schema.HintValue, nil

	case schema.FuncListWith:
		return recordItems(t.ListWith(f.Index, params...)), schema.HintList, nil

	case schema.FuncGetSingle:
		rec, ok := t.Get()
		if !ok {
			return nil, "", stream.NewError(stream.ErrNotFound, "%s has no value", t)
		}
		return []any{rec}, schema.HintValue, nil

	case schema.FuncInsert, schema.FuncSetSingle:
		rec, err := objectParam(f, params)
		if err != nil {
			return nil, "", err
		}
		t.Insert(rec)
		return nil, schema.HintValue, nil

	case schema.FuncDeleteWith:
		n := t.DeleteWith(f.Index, params...)
		return []any{value.Int(n)}, schema.HintValue, nil

	case schema.FuncDeleteItem:
		rec, err := objectParam(f, params)
		if err != nil {
			return nil, "", err
		}
		return []any{value.Bool(t.DeleteItem(rec))}, schema.HintValue, nil

	case schema.FuncDeleteAll:
		t.DeleteAll()
		return nil, schema.HintValue, nil

	case schema.FuncReplaceAll:
		if len(params) != 1 {
			return nil, "", badRequest("replace_all takes one array parameter")
		}
		arr, ok := params[0].(value.Array)
		if !ok {
			return nil, "", badRequest("replace_all takes one array parameter")
		}
		recs := make([]Record, 0, len(arr))
		for i, v := range arr {
			obj, ok := v.(value.Object)
			if !ok {
				return nil, "", badRequest("replace_all item %d is not an object", i)
			}
			recs = append(recs, obj)
		}
		t.ReplaceAll(recs)
		return nil, schema.HintValue, nil

	case schema.FuncStatus:
		st, failure := t.Status()
		return []any{statusRecord(st, failure)}, schema.HintValue, nil

	default:
		return nil, "", badRequest("%s.%s cannot be called by name", t, f.PublicName)
	}
}

func objectParam(f schema.Func, params []value.Value) (value.Object, error) {
	if len(params) != 1 {
		return nil, badRequest("%s takes one object parameter", f.PublicName)
	}
	obj, ok := params[0].(value.Object)
	if !ok {
		return nil, badRequest("%s takes one object parameter", f.PublicName)
	}
	return obj, nil
}

func recordItems(recs []Record) []any {
	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = r
	}
	return out
}
