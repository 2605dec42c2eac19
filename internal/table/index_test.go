package table

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/value"
)

func fileEntry(rec Record, ix Index) *entry {
	e := &entry{rec: rec, keys: []string{""}}
	if spec := ix.Spec(); spec.Kind.Keyed() {
		e.keys[0] = lookupKey(attrValues(rec, spec.Attrs))
	}
	return e
}

func TestMapIndex(t *testing.T) {
	ix := newIndex(schema.IndexSpec{Name: "id", Kind: schema.IndexMap, Attrs: []string{"id"}}, 0)
	k := ix.(keyedIndex)

	a := fileEntry(obj("id", 1), ix)
	b := fileEntry(obj("id", 2), ix)
	ix.insert(a)
	ix.insert(b)

	assert.Equal(t, 2, ix.Count())
	assert.True(t, k.contains(lookupKey([]value.Value{value.Int(1)})))
	assert.Equal(t, []*entry{b}, k.lookup(lookupKey([]value.Value{value.Int(2)})))

	// Replacing a key keeps its position.
	a2 := fileEntry(obj("id", 1, "v", "x"), ix)
	ix.insert(a2)
	assert.Equal(t, []*entry{a2, b}, ix.entries())

	// A stale entry does not remove its replacement.
	ix.remove(a)
	assert.Equal(t, 2, ix.Count())
	ix.remove(a2)
	assert.Equal(t, []*entry{b}, ix.entries())

	ix.clear()
	assert.Zero(t, ix.Count())
}

func TestMapIndexRekey(t *testing.T) {
	ix := newIndex(schema.IndexSpec{Name: "id", Kind: schema.IndexMap, Attrs: []string{"id"}}, 0)
	k := ix.(keyedIndex)
	e := fileEntry(obj("id", 1), ix)
	ix.insert(e)

	e.rec.SetAttr("id", value.Int(5))
	old := e.keys[0]
	e.keys[0] = lookupKey([]value.Value{value.Int(5)})
	k.rekey(e, old)

	assert.False(t, k.contains(old))
	assert.True(t, k.contains(e.keys[0]))
	assert.Equal(t, 1, ix.Count())
}

func TestMultiMapIndex(t *testing.T) {
	ix := newIndex(schema.IndexSpec{Name: "g", Kind: schema.IndexMultiMap, Attrs: []string{"g"}}, 0)
	k := ix.(keyedIndex)

	a := fileEntry(obj("id", 1, "g", "x"), ix)
	b := fileEntry(obj("id", 2, "g", "y"), ix)
	c := fileEntry(obj("id", 3, "g", "x"), ix)
	ix.insert(a)
	ix.insert(b)
	ix.insert(c)

	assert.Equal(t, 3, ix.Count())
	assert.Equal(t, []*entry{a, c}, k.lookup(a.keys[0]))
	assert.Equal(t, []int64{1, 3, 2}, ids(ix.Records()), "keys iterate in first-insertion order")

	ix.remove(a)
	ix.remove(c)
	assert.False(t, k.contains(a.keys[0]))
	assert.Equal(t, 1, ix.Count())

	old := b.keys[0]
	b.keys[0] = lookupKey([]value.Value{value.String("z")})
	k.rekey(b, old)
	assert.False(t, k.contains(old))
	assert.Equal(t, []*entry{b}, k.lookup(b.keys[0]))
	assert.Equal(t, 1, ix.Count())
}

func TestListIndex(t *testing.T) {
	ix := newIndex(schema.IndexSpec{Name: "list", Kind: schema.IndexList}, 0)
	a := fileEntry(obj("id", 1), ix)
	b := fileEntry(obj("id", 1), ix)
	ix.insert(a)
	ix.insert(b)
	assert.Equal(t, 2, ix.Count(), "lists keep duplicates")

	ix.remove(a)
	assert.Equal(t, []*entry{b}, ix.entries())
}

func TestSingleValueIndex(t *testing.T) {
	ix := newIndex(schema.IndexSpec{Name: "single_value", Kind: schema.IndexSingleValue}, 0)
	assert.Empty(t, ix.Records())

	a := fileEntry(obj("v", 1), ix)
	b := fileEntry(obj("v", 2), ix)
	ix.insert(a)
	ix.insert(b)
	assert.Equal(t, []*entry{b}, ix.entries())

	ix.remove(a)
	assert.Equal(t, 1, ix.Count())
	ix.remove(b)
	assert.Zero(t, ix.Count())
}
