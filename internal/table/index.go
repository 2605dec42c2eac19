package table

import (
	"container/list"
	"fmt"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/value"
)

// Index is one concrete index of a table. Read methods are safe under
// the table's read lock; mutation goes through the Table.
type Index interface {
	Spec() schema.IndexSpec
	Count() int
	// Records returns the index contents in iteration order.
	Records() []Record

	entries() []*entry
	insert(e *entry)
	remove(e *entry)
	clear()
}

// keyedIndex is implemented by Map and MultiMap.
type keyedIndex interface {
	Index
	lookup(key string) []*entry
	contains(key string) bool
	// rekey moves e from oldKey to the key now stored in e.keys.
	rekey(e *entry, oldKey string)
}

func newIndex(spec schema.IndexSpec, pos int) Index {
	switch spec.Kind {
	case schema.IndexMap:
		return &mapIndex{spec: spec, pos: pos, order: list.New(), byKey: make(map[string]*list.Element)}
	case schema.IndexMultiMap:
		return &multiMapIndex{spec: spec, pos: pos, order: list.New(), byKey: make(map[string]*bucket)}
	case schema.IndexList:
		return &listIndex{spec: spec, order: list.New(), byEntry: make(map[*entry]*list.Element)}
	case schema.IndexSingleValue:
		return &singleValueIndex{spec: spec}
	default:
		panic(fmt.Sprintf("table: unknown index kind %v", spec.Kind))
	}
}

// lookupKey is the index key for explicit key values.
func lookupKey(vals []value.Value) string {
	return value.Key(vals...)
}

func recordsOf(entries []*entry) []Record {
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// mapIndex is a unique key index that iterates in insertion order.
// Re-inserting a key keeps its position.
type mapIndex struct {
	spec  schema.IndexSpec
	pos   int
	order *list.List
	byKey map[string]*list.Element
}

func (m *mapIndex) Spec() schema.IndexSpec { return m.spec }
func (m *mapIndex) Count() int             { return len(m.byKey) }
func (m *mapIndex) Records() []Record      { return recordsOf(m.entries()) }

func (m *mapIndex) entries() []*entry {
	out := make([]*entry, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry))
	}
	return out
}

func (m *mapIndex) insert(e *entry) {
	key := e.keys[m.pos]
	if el, ok := m.byKey[key]; ok {
		el.Value = e
		return
	}
	m.byKey[key] = m.order.PushBack(e)
}

func (m *mapIndex) remove(e *entry) {
	key := e.keys[m.pos]
	if el, ok := m.byKey[key]; ok && el.Value == e {
		m.order.Remove(el)
		delete(m.byKey, key)
	}
}

func (m *mapIndex) clear() {
	m.order.Init()
	m.byKey = make(map[string]*list.Element)
}

func (m *mapIndex) lookup(key string) []*entry {
	if el, ok := m.byKey[key]; ok {
		return []*entry{el.Value.(*entry)}
	}
	return nil
}

func (m *mapIndex) contains(key string) bool {
	_, ok := m.byKey[key]
	return ok
}

func (m *mapIndex) rekey(e *entry, oldKey string) {
	if el, ok := m.byKey[oldKey]; ok && el.Value == e {
		m.order.Remove(el)
		delete(m.byKey, oldKey)
	}
	m.insert(e)
}

type bucket struct {
	el      *list.Element // position of the key in order
	entries []*entry
}

// multiMapIndex maps a key to every record filed under it. Keys iterate
// in first-insertion order, records within a key in insertion order.
type multiMapIndex struct {
	spec  schema.IndexSpec
	pos   int
	count int
	order *list.List // of string keys
	byKey map[string]*bucket
}

func (m *multiMapIndex) Spec() schema.IndexSpec { return m.spec }
func (m *multiMapIndex) Count() int             { return m.count }
func (m *multiMapIndex) Records() []Record      { return recordsOf(m.entries()) }

func (m *multiMapIndex) entries() []*entry {
	out := make([]*entry, 0, m.count)
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, m.byKey[el.Value.(string)].entries...)
	}
	return out
}

func (m *multiMapIndex) insert(e *entry) {
	key := e.keys[m.pos]
	b, ok := m.byKey[key]
	if !ok {
		b = &bucket{el: m.order.PushBack(key)}
		m.byKey[key] = b
	}
	b.entries = append(b.entries, e)
	m.count++
}

func (m *multiMapIndex) remove(e *entry) {
	m.removeAt(e, e.keys[m.pos])
}

func (m *multiMapIndex) removeAt(e *entry, key string) {
	b, ok := m.byKey[key]
	if !ok {
		return
	}
	for i, cur := range b.entries {
		if cur != e {
			continue
		}
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		m.count--
		if len(b.entries) == 0 {
			m.order.Remove(b.el)
			delete(m.byKey, key)
		}
		return
	}
}

func (m *multiMapIndex) clear() {
	m.order.Init()
	m.byKey = make(map[string]*bucket)
	m.count = 0
}

func (m *multiMapIndex) lookup(key string) []*entry {
	b, ok := m.byKey[key]
	if !ok {
		return nil
	}
	out := make([]*entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (m *multiMapIndex) contains(key string) bool {
	_, ok := m.byKey[key]
	return ok
}

func (m *multiMapIndex) rekey(e *entry, oldKey string) {
	m.removeAt(e, oldKey)
	m.insert(e)
}

// listIndex keeps records in insertion order.
type listIndex struct {
	spec    schema.IndexSpec
	order   *list.List
	byEntry map[*entry]*list.Element
}

func (l *listIndex) Spec() schema.IndexSpec { return l.spec }
func (l *listIndex) Count() int             { return l.order.Len() }
func (l *listIndex) Records() []Record      { return recordsOf(l.entries()) }

func (l *listIndex) entries() []*entry {
	out := make([]*entry, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry))
	}
	return out
}

func (l *listIndex) insert(e *entry) {
	l.byEntry[e] = l.order.PushBack(e)
}

func (l *listIndex) remove(e *entry) {
	if el, ok := l.byEntry[e]; ok {
		l.order.Remove(el)
		delete(l.byEntry, e)
	}
}

func (l *listIndex) clear() {
	l.order.Init()
	l.byEntry = make(map[*entry]*list.Element)
}

// singleValueIndex holds at most one record.
type singleValueIndex struct {
	spec schema.IndexSpec
	cur  *entry
}

func (s *singleValueIndex) Spec() schema.IndexSpec { return s.spec }

func (s *singleValueIndex) Count() int {
	if s.cur == nil {
		return 0
	}
	return 1
}

func (s *singleValueIndex) Records() []Record { return recordsOf(s.entries()) }

func (s *singleValueIndex) entries() []*entry {
	if s.cur == nil {
		return nil
	}
	return []*entry{s.cur}
}

func (s *singleValueIndex) insert(e *entry) { s.cur = e }

func (s *singleValueIndex) remove(e *entry) {
	if s.cur == e {
		s.cur = nil
	}
}

func (s *singleValueIndex) clear() { s.cur = nil }
