package table

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

// Option configures a Table.
type Option func(*Table)

// WithName names the table. The default is the schema name.
func WithName(name string) Option {
	return func(t *Table) {
		t.name = name
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		t.logger = l
	}
}

// WithMonitor registers the table with a diagnostics monitor for its
// lifetime. The default monitor does nothing.
func WithMonitor(m Monitor) Option {
	return func(t *Table) {
		t.monitor = m
	}
}

// Table is a runtime instance of a compiled schema.
type Table struct {
	schema  *schema.Schema
	name    string
	logger  *slog.Logger
	monitor Monitor

	mu       sync.RWMutex
	indexes  []Index
	byName   map[string]int
	def      Index
	counters map[string]int64
	closed   bool

	// listeners is nil unless the schema declares listen.
	listeners *stream.ListenerList

	statusOnce sync.Once
	status     *Table
}

// New builds an empty table for s.
func New(s *schema.Schema, opts ...Option) *Table {
	t := &Table{
		schema:   s,
		name:     s.Name,
		logger:   slog.Default(),
		monitor:  nopMonitor{},
		byName:   make(map[string]int, len(s.Indexes)),
		counters: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(t)
	}

	for i, spec := range s.Indexes {
		t.indexes = append(t.indexes, newIndex(spec, i))
		t.byName[spec.Name] = i
	}
	t.def = t.indexes[t.byName[s.DefaultIndex().Name]]

	if s.SupportsListening() {
		t.listeners = stream.NewListenerList()
	}
	if s.SupportsStatus() {
		t.statusTable()
	}

	t.monitor.TableCreated(t)
	return t
}

// Schema returns the compiled schema.
func (t *Table) Schema() *schema.Schema { return t.schema }

// Name returns the table name.
func (t *Table) Name() string { return t.name }

func (t *Table) String() string { return "table " + t.name }

// Close closes every listener and unregisters the table from its
// monitor. The table stays readable.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	if t.listeners != nil {
		t.listeners.CloseAll()
	}
	if t.status != nil {
		t.status.Close()
	}
	t.monitor.TableClosed(t)
}

// Index returns the index named name.
func (t *Table) Index(name string) (Index, bool) {
	i, ok := t.byName[name]
	if !ok {
		return nil, false
	}
	return t.indexes[i], true
}

func (t *Table) keyed(name string) (keyedIndex, int, error) {
	i, ok := t.byName[name]
	if !ok {
		return nil, 0, &stream.UsageError{Message: fmt.Sprintf("%s has no index %q", t, name)}
	}
	k, ok := t.indexes[i].(keyedIndex)
	if !ok {
		return nil, 0, &stream.UsageError{Message: fmt.Sprintf("%s index %q is not keyed", t, name)}
	}
	return k, i, nil
}

// mustKeyed panics with a *stream.UsageError for an unknown or unkeyed
// index. Naming an index the schema does not have is a programming
// mistake; Call validates names before reaching here.
func (t *Table) mustKeyed(name string) keyedIndex {
	k, _, err := t.keyed(name)
	if err != nil {
		panic(err)
	}
	return k
}

func (t *Table) singleValue() *singleValueIndex {
	for _, ix := range t.indexes {
		if sv, ok := ix.(*singleValueIndex); ok {
			return sv
		}
	}
	panic(&stream.UsageError{Message: t.String() + " has no single value index"})
}

// Count returns the number of records in the default index.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.def.Count()
}

// All returns every record in default index order.
func (t *Table) All() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.def.Records()
}

// First returns the first record in default index order.
func (t *Table) First() (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := t.def.entries()
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0].rec, true
}

// GetWith returns the record filed under key in a unique index. On a
// MultiMap it returns the first record for the key.
func (t *Table) GetWith(index string, key ...value.Value) (Record, bool) {
	k := t.mustKeyed(index)
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := k.lookup(lookupKey(key))
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0].rec, true
}

// HasWith reports whether any record is filed under key.
func (t *Table) HasWith(index string, key ...value.Value) bool {
	k := t.mustKeyed(index)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return k.contains(lookupKey(key))
}

// ListWith returns every record filed under key.
func (t *Table) ListWith(index string, key ...value.Value) []Record {
	k := t.mustKeyed(index)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return recordsOf(k.lookup(lookupKey(key)))
}

// Get returns the single value.
func (t *Table) Get() (Record, bool) {
	sv := t.singleValue()
	t.mu.RLock()
	defer t.mu.RUnlock()
	if sv.cur == nil {
		return nil, false
	}
	return sv.cur.rec, true
}

// Set replaces the single value.
func (t *Table) Set(rec Record) {
	t.singleValue()
	t.Insert(rec)
}

// Insert assigns auto attributes and files rec in every index. A record
// already filed under the same unique key is replaced everywhere. The
// Item broadcast happens after indexing, so a listener that re-queries
// sees rec.
func (t *Table) Insert(rec Record) {
	t.mu.Lock()
	e := t.insertLocked(rec)
	t.mu.Unlock()
	t.publish([]change{{kind: changeInsert, e: e}})
}

// InsertAll inserts each record in order.
func (t *Table) InsertAll(recs []Record) {
	changes := make([]change, 0, len(recs))
	t.mu.Lock()
	for _, rec := range recs {
		changes = append(changes, change{kind: changeInsert, e: t.insertLocked(rec)})
	}
	t.mu.Unlock()
	t.publish(changes)
}

func (t *Table) insertLocked(rec Record) *entry {
	t.assignAuto(rec)
	e := t.newEntry(rec)
	for i, ix := range t.indexes {
		switch ix := ix.(type) {
		case *mapIndex:
			for _, old := range ix.lookup(e.keys[i]) {
				t.removeLocked(old)
			}
		case *singleValueIndex:
			for _, old := range ix.entries() {
				t.removeLocked(old)
			}
		}
	}
	for _, ix := range t.indexes {
		ix.insert(e)
	}
	return e
}

func (t *Table) assignAuto(rec Record) {
	for _, attr := range t.schema.Attrs {
		if !attr.Auto {
			continue
		}
		v, ok := rec.Attr(attr.Name)
		if _, isNull := v.(value.Null); !ok || v == nil || isNull {
			t.counters[attr.Name]++
			rec.SetAttr(attr.Name, value.Int(t.counters[attr.Name]))
			continue
		}
		if n, isInt := v.(value.Int); isInt && int64(n) > t.counters[attr.Name] {
			t.counters[attr.Name] = int64(n)
		}
	}
}

func (t *Table) newEntry(rec Record) *entry {
	e := &entry{rec: rec, keys: make([]string, len(t.indexes))}
	for i, ix := range t.indexes {
		if spec := ix.Spec(); spec.Kind.Keyed() {
			e.keys[i] = lookupKey(attrValues(rec, spec.Attrs))
		}
	}
	return e
}

func (t *Table) removeLocked(e *entry) {
	for _, ix := range t.indexes {
		ix.remove(e)
	}
	e.removed = true
}

// DeleteWith removes every record filed under key and returns how many
// were removed.
func (t *Table) DeleteWith(index string, key ...value.Value) int {
	k := t.mustKeyed(index)
	t.mu.Lock()
	targets := k.lookup(lookupKey(key))
	changes := make([]change, 0, len(targets))
	for _, e := range targets {
		t.removeLocked(e)
		changes = append(changes, change{kind: changeRemove, e: e, via: index})
	}
	t.mu.Unlock()
	t.publish(changes)
	return len(targets)
}

// DeleteItem removes rec. With a primary unique index the record is
// matched by its primary key, otherwise by content.
func (t *Table) DeleteItem(rec Record) bool {
	t.mu.Lock()
	target := t.findLocked(rec)
	if target == nil {
		t.mu.Unlock()
		return false
	}
	t.removeLocked(target)
	t.mu.Unlock()
	t.publish([]change{{kind: changeRemove, e: target}})
	return true
}

func (t *Table) findLocked(rec Record) *entry {
	if primary, ok := t.schema.PrimaryUnique(); ok {
		k := t.indexes[t.byName[primary.Name]].(keyedIndex)
		entries := k.lookup(lookupKey(attrValues(rec, primary.Attrs)))
		if len(entries) == 0 {
			return nil
		}
		return entries[0]
	}
	for _, e := range t.def.entries() {
		if sameRecord(e.rec, rec) {
			return e
		}
	}
	return nil
}

// DeleteAll empties the table. Listeners receive Restart followed by
// StartUpdates.
func (t *Table) DeleteAll() {
	t.mu.Lock()
	t.clearLocked()
	t.mu.Unlock()
	t.publish([]change{{kind: changeRestart}})
}

func (t *Table) clearLocked() {
	for _, e := range t.def.entries() {
		e.removed = true
	}
	for _, ix := range t.indexes {
		ix.clear()
	}
}

// ReplaceAll swaps the contents for recs. Listeners see a Restart and
// then the new records.
func (t *Table) ReplaceAll(recs []Record) {
	changes := []change{{kind: changeRestart}}
	t.mu.Lock()
	t.clearLocked()
	for _, rec := range recs {
		changes = append(changes, change{kind: changeInsert, e: t.insertLocked(rec)})
	}
	t.mu.Unlock()
	t.publish(changes)
}

// Update applies fn to every record of the update plan's main index,
// then repairs any index whose key fn changed. It returns the number of
// records visited.
func (t *Table) Update(fn func(Record)) int {
	plan := t.updatePlan()
	t.mu.Lock()
	targets := t.indexes[t.byName[plan.Main]].entries()
	changes := t.applyLocked(targets, fn)
	t.mu.Unlock()
	t.publish(changes)
	return len(targets)
}

// UpdateWith applies fn to the records filed under key.
func (t *Table) UpdateWith(index string, fn func(Record), key ...value.Value) int {
	t.updatePlan()
	k := t.mustKeyed(index)
	t.mu.Lock()
	targets := k.lookup(lookupKey(key))
	changes := t.applyLocked(targets, fn)
	t.mu.Unlock()
	t.publish(changes)
	return len(targets)
}

func (t *Table) updatePlan() *schema.UpdatePlan {
	if t.schema.Update == nil {
		panic(&stream.UsageError{Message: t.String() + " does not declare update"})
	}
	return t.schema.Update
}

func (t *Table) applyLocked(targets []*entry, fn func(Record)) []change {
	var changes []change
	for _, e := range targets {
		if e.removed {
			continue
		}
		c := change{kind: changeUpdate, e: e, oldKeys: make([]string, len(e.keys)), oldParams: make([][]any, len(e.keys))}
		copy(c.oldKeys, e.keys)
		for i, ix := range t.indexes {
			if spec := ix.Spec(); spec.Kind.Keyed() {
				c.oldParams[i] = keyParams(e.rec, spec.Attrs)
			}
		}

		fn(e.rec)
		changes = append(changes, t.repairLocked(e)...)
		changes = append(changes, c)
	}
	return changes
}

// repairLocked refiles e in every keyed index whose key changed. A
// record already holding the new key in a unique index is evicted.
func (t *Table) repairLocked(e *entry) []change {
	var evicted []change
	for i, ix := range t.indexes {
		k, ok := ix.(keyedIndex)
		if !ok {
			continue
		}
		newKey := lookupKey(attrValues(e.rec, ix.Spec().Attrs))
		if newKey == e.keys[i] {
			continue
		}
		if ix.Spec().Kind == schema.IndexMap {
			for _, other := range k.lookup(newKey) {
				if other != e {
					t.removeLocked(other)
					evicted = append(evicted, change{kind: changeRemove, e: other})
				}
			}
		}
		oldKey := e.keys[i]
		e.keys[i] = newKey
		k.rekey(e, oldKey)
	}
	return evicted
}
