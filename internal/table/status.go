package table

import (
	"context"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

// Status is the load state of a table fed from a stream.
type Status string

const (
	StatusLoading Status = "loading"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

var statusSchema = schema.MustCompile(schema.Decl{Name: "status", Funcs: []string{"get", "listen"}})

// statusTable returns the one-slot status sub-table, creating it on
// first use in state done.
func (t *Table) statusTable() *Table {
	t.statusOnce.Do(func() {
		t.status = New(statusSchema, WithName(t.name+".status"), WithLogger(t.logger))
		t.status.Insert(statusRecord(StatusDone, nil))
	})
	return t.status
}

func statusRecord(st Status, failure *stream.ErrorItem) value.Object {
	rec := value.Object{"status": value.String(st)}
	if failure != nil {
		rec["error"] = value.Object{
			"errorType":    value.String(failure.ErrorType),
			"errorMessage": value.String(failure.ErrorMessage),
		}
	}
	return rec
}

func parseStatus(rec Record) (Status, *stream.ErrorItem) {
	st, _ := rec.Attr("status")
	s, _ := st.(value.String)
	raw, _ := rec.Attr("error")
	obj, ok := raw.(value.Object)
	if !ok {
		return Status(s), nil
	}
	typ, _ := obj["errorType"].(value.String)
	msg, _ := obj["errorMessage"].(value.String)
	return Status(s), &stream.ErrorItem{ErrorType: string(typ), ErrorMessage: string(msg)}
}

// Status returns the current status and, for StatusError, its failure.
func (t *Table) Status() (Status, *stream.ErrorItem) {
	rec, ok := t.statusTable().Get()
	if !ok {
		return StatusDone, nil
	}
	return parseStatus(rec)
}

// SetStatus records a new status. Listeners of the status sub-table see
// the change as an Item.
func (t *Table) SetStatus(st Status, failure *stream.ErrorItem) {
	if cur, _ := t.Status(); cur == st && failure == nil {
		return
	}
	t.logger.Debug("table status", "table", t.name, "status", st, "error", failure)
	t.statusTable().Set(statusRecord(st, failure))
}

// ListenStatus listens to the status sub-table. Items are objects of
// the form {"status": "loading"}.
func (t *Table) ListenStatus(opts ListenOptions) (*stream.Stream, error) {
	return t.statusTable().Listen(opts)
}

// WaitForData blocks until the status leaves loading. A table in
// StatusError returns the recorded failure.
func (t *Table) WaitForData(ctx context.Context) error {
	type result struct {
		st      Status
		failure *stream.ErrorItem
	}
	ch := make(chan result, 1)

	s, err := t.ListenStatus(ListenOptions{InitialData: true})
	if err != nil {
		return err
	}
	err = s.SendToFunc(func(evt stream.Event) error {
		if evt.Type != stream.TypeItem {
			return nil
		}
		rec, ok := evt.Item.(Record)
		if !ok {
			return nil
		}
		st, failure := parseStatus(rec)
		if st == StatusLoading {
			return nil
		}
		select {
		case ch <- result{st, failure}:
		default:
		}
		return stream.ErrBackpressureStop
	})
	if err != nil {
		return err
	}

	select {
	case r := <-ch:
		if r.st == StatusError {
			if r.failure == nil {
				return stream.NewError(stream.ErrUnhandledException, "%s failed to load", t)
			}
			return r.failure
		}
		return nil
	case <-ctx.Done():
		s.CloseByDownstream()
		return ctx.Err()
	}
}
