package table

import (
	"fmt"
	"strings"

	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

// ListenToStream feeds s into t, the inverse of Listen:
//
//   - Item inserts (objects are copied)
//   - Delta replays delete functions; other deltas are ignored
//   - Restart sets loading and empties the table
//   - Done and StartUpdates set done
//   - Fail sets error
//   - Close before Done sets error with incomplete_reply
//   - Schema is checked against t: every delete it names must map to a
//     keyed index of t
//
// The status starts at loading.
func (t *Table) ListenToStream(s *stream.Stream) error {
	t.SetStatus(StatusLoading, nil)
	return s.SendTo(&applier{t: t, source: s.String()})
}

type applier struct {
	t      *Table
	source string
	done   bool
	failed bool
}

func (a *applier) Receive(evt stream.Event) error {
	t := a.t
	switch evt.Type {
	case stream.TypeSchema:
		if evt.Schema == nil {
			return nil
		}
		for _, fn := range evt.Schema.Funcs {
			if !a.supports(fn) {
				a.fail(stream.NewError(stream.ErrBadRequest, "%s does not support %q sent by %s", t, fn, a.source))
				return stream.ErrBackpressureStop
			}
		}

	case stream.TypeItem:
		rec, ok := evt.Item.(Record)
		if !ok {
			t.logger.Warn("ignoring non-record item", "table", t.name, "source", a.source, "type", fmt.Sprintf("%T", evt.Item))
			return nil
		}
		t.Insert(cloneRecord(rec))

	case stream.TypeDelta:
		if !strings.HasPrefix(evt.Func, "delete") {
			t.logger.Debug("ignoring delta", "table", t.name, "func", evt.Func)
			return nil
		}
		params := make([]value.Value, len(evt.Params))
		for i, p := range evt.Params {
			v, err := value.From(p)
			if err != nil {
				t.logger.Warn("bad delta param", "table", t.name, "func", evt.Func, "error", err)
				return nil
			}
			params[i] = v
		}
		index, ok := t.deleteIndex(evt.Func)
		if !ok {
			if _, _, err := t.apply(evt.Func, params); err != nil {
				t.logger.Warn("delta failed", "table", t.name, "func", evt.Func, "error", err)
			}
			return nil
		}
		if spec, _ := t.schema.Index(index); len(spec.Attrs) != len(params) {
			t.logger.Warn("delta failed", "table", t.name, "func", evt.Func, "error", "wrong number of key params")
			return nil
		}
		t.DeleteWith(index, params...)

	case stream.TypeRestart:
		a.done = false
		a.failed = false
		t.SetStatus(StatusLoading, nil)
		t.DeleteAll()

	case stream.TypeDone:
		a.done = true
		t.SetStatus(StatusDone, nil)

	case stream.TypeStartUpdates:
		a.done = true
		if st, _ := t.Status(); st == StatusLoading {
			t.SetStatus(StatusDone, nil)
		}

	case stream.TypeFail:
		failure := evt.Err
		if failure == nil {
			failure = stream.NewError(stream.ErrUnhandledException, "fail without error")
		}
		a.fail(failure)

	case stream.TypeClose:
		if !a.done && !a.failed {
			a.fail(stream.NewError(stream.ErrIncompleteReply, "Incomplete reply"))
		}

	case stream.TypeComment:
		t.logger.Info("stream comment", "table", t.name, "source", a.source, "message", evt.Message, "level", evt.Level)
	}
	return nil
}

func (a *applier) supports(fn string) bool {
	if _, ok := a.t.deleteIndex(fn); ok {
		return true
	}
	_, ok := a.t.schema.Func(fn)
	return ok
}

func (a *applier) fail(failure *stream.ErrorItem) {
	a.failed = true
	a.t.SetStatus(StatusError, failure)
}
