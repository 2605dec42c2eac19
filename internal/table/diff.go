package table

import (
	"fmt"

	"github.com/roach88/streamtable/internal/schema"
)

// ChangeKind classifies a DiffEntry.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// DiffEntry is one keyed difference between two tables.
type DiffEntry struct {
	Kind ChangeKind
	Key  string
	Old  Record // nil for Added
	New  Record // nil for Removed
}

// Diff compares t (before) with next (after), keyed on t's primary
// unique index. next must have a unique index over the same attributes.
// Removed and Changed entries come in t's order, then Added entries in
// next's order.
func (t *Table) Diff(next *Table) ([]DiffEntry, error) {
	primary, ok := t.schema.PrimaryUnique()
	if !ok {
		return nil, fmt.Errorf("%s: diff requires a primary unique index", t)
	}
	name := schema.IndexName(primary.Attrs)
	spec, ok := next.schema.Index(name)
	if !ok || spec.Kind != schema.IndexMap {
		return nil, fmt.Errorf("%s: diff against %s requires a unique index on %s", t, next, name)
	}

	before := t.keyedSnapshot(name)
	after := next.keyedSnapshot(name)

	var out []DiffEntry
	seen := make(map[string]bool, len(before.keys))
	for _, key := range before.keys {
		seen[key] = true
		old := before.byKey[key]
		cur, ok := after.byKey[key]
		switch {
		case !ok:
			out = append(out, DiffEntry{Kind: Removed, Key: key, Old: old})
		case !recordsEqual(old, cur, t.attrNames()):
			out = append(out, DiffEntry{Kind: Changed, Key: key, Old: old, New: cur})
		}
	}
	for _, key := range after.keys {
		if !seen[key] {
			out = append(out, DiffEntry{Kind: Added, Key: key, New: after.byKey[key]})
		}
	}
	return out, nil
}

type snapshot struct {
	keys  []string
	byKey map[string]Record
}

func (t *Table) keyedSnapshot(index string) snapshot {
	i := t.byName[index]
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := t.indexes[i].entries()
	snap := snapshot{keys: make([]string, 0, len(entries)), byKey: make(map[string]Record, len(entries))}
	for _, e := range entries {
		snap.keys = append(snap.keys, e.keys[i])
		snap.byKey[e.keys[i]] = e.rec
	}
	return snap
}

func (t *Table) attrNames() []string {
	out := make([]string, len(t.schema.Attrs))
	for i, a := range t.schema.Attrs {
		out[i] = a.Name
	}
	return out
}
