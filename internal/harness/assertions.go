package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/store"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/value"
)

// AssertionError is returned when an assertion fails. Trace is included
// so the failure can be read against what went over the wire.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []store.Entry
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, entry := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", entry.Seq, entry.ConnectionID, entry.Direction, entry.Message)
		}
	}
	return buf.String()
}

func (r *run) evaluate(a Assertion) error {
	switch a.Type {
	case AssertTableContains, AssertTableCount, AssertStatus:
		t, err := r.tableFor(a)
		if err != nil {
			return err
		}
		switch a.Type {
		case AssertTableContains:
			return assertTableContains(t, a)
		case AssertTableCount:
			return assertTableCount(t, a)
		default:
			return assertStatus(t, a)
		}
	case AssertTraceContains:
		return assertTraceContains(r.result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(r.result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(r.result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// tableFor picks the mirror of a.Table if one exists and a.Side allows
// it, and the server table otherwise.
func (r *run) tableFor(a Assertion) (*table.Table, error) {
	if a.Side != SideServer {
		if m, ok := r.mirrors[a.Table]; ok {
			return m, nil
		}
		if a.Side == SideMirror {
			return nil, fmt.Errorf("table %q is not mirrored", a.Table)
		}
	}
	return r.serverTable(a.Table)
}

func assertTableContains(t *table.Table, a Assertion) error {
	where, err := value.From(a.Where)
	if err != nil {
		return fmt.Errorf("where: %w", err)
	}
	for _, rec := range t.All() {
		if obj, ok := rec.(value.Object); ok && matchValue(where, obj) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTableContains,
		Expected: fmt.Sprintf("%s has a record matching %v", a.Table, where),
		Actual:   fmt.Sprintf("%d records, none matching", t.Count()),
	}
}

func assertTableCount(t *table.Table, a Assertion) error {
	if got := t.Count(); got != a.Count {
		return &AssertionError{
			Type:     AssertTableCount,
			Expected: fmt.Sprintf("%s has %d records", a.Table, a.Count),
			Actual:   fmt.Sprintf("%d records", got),
		}
	}
	return nil
}

func assertStatus(t *table.Table, a Assertion) error {
	st, failure := t.Status()
	if string(st) == a.Status {
		return nil
	}
	actual := string(st)
	if failure != nil {
		actual += " (" + failure.Error() + ")"
	}
	return &AssertionError{
		Type:     AssertStatus,
		Expected: fmt.Sprintf("%s status %s", a.Table, a.Status),
		Actual:   actual,
	}
}

// matchEntry reports whether e is a message of type msgType about a's
// table and call, when those are set.
func matchEntry(e store.Entry, msgType string, a Assertion) bool {
	m := e.Message
	if string(m.Type) != msgType {
		return false
	}
	if a.Table != "" && m.Name != a.Table && entryFunc(m) != a.Table {
		return false
	}
	if a.Call != "" {
		call, _ := m.Req["call"].(value.String)
		if string(call) != a.Call {
			return false
		}
	}
	return true
}

func entryFunc(m remote.Message) string {
	fn, _ := m.Req["func"].(value.String)
	return string(fn)
}

func describe(msgType string, a Assertion) string {
	var parts []string
	parts = append(parts, msgType)
	if a.Table != "" {
		parts = append(parts, "table="+a.Table)
	}
	if a.Call != "" {
		parts = append(parts, "call="+a.Call)
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []store.Entry, a Assertion) error {
	for _, e := range trace {
		if matchEntry(e, a.Message, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a.Message, a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of a.Messages
// appear in the given order. Other messages may appear in between.
func assertTraceOrder(trace []store.Entry, a Assertion) error {
	positions := make([]int, len(a.Messages))
	for i, msgType := range a.Messages {
		positions[i] = -1
		for j, e := range trace {
			if matchEntry(e, msgType, a) {
				positions[i] = j
				break
			}
		}
		if positions[i] < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("order %v", a.Messages),
				Actual:   describe(msgType, a) + " not found in trace",
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(positions); i++ {
		if positions[i] < positions[i-1] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("order %v", a.Messages),
				Actual:   fmt.Sprintf("%s first seen before %s", a.Messages[i], a.Messages[i-1]),
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []store.Entry, a Assertion) error {
	count := 0
	for _, e := range trace {
		if matchEntry(e, a.Message, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s exactly %d times", describe(a.Message, a), a.Count),
			Actual:   fmt.Sprintf("%d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// matchValue compares want against got. Objects match if every key of
// want matches in got; all other values must be equal.
func matchValue(want, got value.Value) bool {
	wantObj, ok := want.(value.Object)
	if !ok {
		return value.Equal(want, got)
	}
	gotObj, ok := got.(value.Object)
	if !ok {
		return false
	}
	for k, wv := range wantObj {
		gv, ok := gotObj[k]
		if !ok || !matchValue(wv, gv) {
			return false
		}
	}
	return true
}
