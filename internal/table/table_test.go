package table

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

func TestInsert_UniqueKeyReturnsLatest(t *testing.T) {
	tbl := newTable(t, "get(id)", "count")

	inserts := []struct {
		id, v int
	}{{1, 10}, {2, 20}, {1, 11}, {3, 30}, {2, 21}, {1, 12}}

	distinct := make(map[int]bool)
	for _, in := range inserts {
		tbl.Insert(obj("id", in.id, "v", in.v))
		distinct[in.id] = true

		got, ok := tbl.GetWith("id", value.Int(in.id))
		require.True(t, ok)
		v, _ := got.Attr("v")
		assert.Equal(t, value.Int(in.v), v)
		assert.Equal(t, len(distinct), tbl.Count())
	}
}

func TestInsert_ReplacementRemovesFromEveryIndex(t *testing.T) {
	tbl := newTable(t, "get(id)", "list(group)")

	tbl.Insert(obj("id", 1, "group", "a"))
	tbl.Insert(obj("id", 1, "group", "b"))

	assert.Empty(t, tbl.ListWith("group", value.String("a")))
	assert.Len(t, tbl.ListWith("group", value.String("b")), 1)
	assert.Equal(t, 1, tbl.Count())
}

func TestInsert_AutoAttributes(t *testing.T) {
	s := schema.MustCompile(schema.Decl{Name: "Log", Attrs: []string{"id auto", "msg"}, Funcs: []string{"get(id)"}})
	tbl := New(s)

	a := obj("msg", "a")
	tbl.Insert(a)
	assert.Equal(t, value.Int(1), a["id"])

	tbl.Insert(obj("id", 10, "msg", "explicit"))
	b := obj("msg", "b")
	tbl.Insert(b)
	assert.Equal(t, value.Int(11), b["id"], "counter advances past explicit values")
}

func TestLookups(t *testing.T) {
	tbl := newTable(t, "get(id)", "has(id)", "list(group)", "first")
	tbl.InsertAll([]Record{
		obj("id", 1, "group", "a"),
		obj("id", 2, "group", "b"),
		obj("id", 3, "group", "a"),
	})

	assert.True(t, tbl.HasWith("id", value.Int(2)))
	assert.False(t, tbl.HasWith("id", value.Int(9)))
	assert.Equal(t, []int64{1, 3}, ids(tbl.ListWith("group", value.String("a"))))
	assert.Equal(t, []int64{1, 2, 3}, ids(tbl.All()))

	first, ok := tbl.First()
	require.True(t, ok)
	assert.Equal(t, []int64{1}, ids([]Record{first}))

	_, ok = tbl.GetWith("id", value.Int(9))
	assert.False(t, ok)
}

func TestUnknownIndexPanicsWithUsageError(t *testing.T) {
	tbl := newTable(t, "get(id)")
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, stream.IsUsageError(err))
	}()
	tbl.GetWith("nope", value.Int(1))
}

func TestDeletes(t *testing.T) {
	tbl := newTable(t, "get(id)", "list(group)", "delete(group)")
	tbl.InsertAll([]Record{
		obj("id", 1, "group", "a"),
		obj("id", 2, "group", "b"),
		obj("id", 3, "group", "a"),
	})

	assert.Equal(t, 2, tbl.DeleteWith("group", value.String("a")))
	assert.Equal(t, []int64{2}, ids(tbl.All()))
	assert.False(t, tbl.HasWith("id", value.Int(1)))

	assert.True(t, tbl.DeleteItem(obj("id", 2)), "matched by primary key")
	assert.Zero(t, tbl.Count())
	assert.False(t, tbl.DeleteItem(obj("id", 2)))
}

func TestDeleteItemWithoutPrimaryMatchesContent(t *testing.T) {
	tbl := newTable(t, "listAll", "delete")
	tbl.InsertAll([]Record{obj("msg", "a"), obj("msg", "b")})

	assert.True(t, tbl.DeleteItem(obj("msg", "b")))
	assert.Equal(t, []Record{obj("msg", "a")}, tbl.All())
}

func TestDeleteAllAndReplaceAll(t *testing.T) {
	tbl := newTable(t, "get(id)", "deleteAll", "replaceAll")
	tbl.InsertAll([]Record{obj("id", 1), obj("id", 2)})

	tbl.DeleteAll()
	assert.Zero(t, tbl.Count())

	tbl.ReplaceAll([]Record{obj("id", 7), obj("id", 8)})
	assert.Equal(t, []int64{7, 8}, ids(tbl.All()))
}

func TestSingleValue(t *testing.T) {
	tbl := newTable(t, "get")
	_, ok := tbl.Get()
	assert.False(t, ok)

	tbl.Set(obj("url", "a"))
	tbl.Set(obj("url", "b"))
	got, ok := tbl.Get()
	require.True(t, ok)
	assert.Equal(t, obj("url", "b"), got)
	assert.Equal(t, 1, tbl.Count())
}

func TestUpdate_RepairsChangedKeys(t *testing.T) {
	tbl := newTable(t, "get(id)", "list(group)", "update")
	tbl.InsertAll([]Record{
		obj("id", 1, "group", "a"),
		obj("id", 2, "group", "a"),
	})

	n := tbl.Update(func(r Record) {
		id, _ := r.Attr("id")
		if id == value.Int(2) {
			r.SetAttr("group", value.String("b"))
		}
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1}, ids(tbl.ListWith("group", value.String("a"))))
	assert.Equal(t, []int64{2}, ids(tbl.ListWith("group", value.String("b"))))
}

func TestUpdateWith_PrimaryKeyCollisionEvicts(t *testing.T) {
	tbl := newTable(t, "get(id)", "update(id)")
	tbl.InsertAll([]Record{obj("id", 1), obj("id", 2)})

	n := tbl.UpdateWith("id", func(r Record) { r.SetAttr("id", value.Int(2)) }, value.Int(1))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, tbl.Count())
	assert.False(t, tbl.HasWith("id", value.Int(1)))
	assert.True(t, tbl.HasWith("id", value.Int(2)))
}

type fakeMonitor struct {
	created, closed []string
}

func (m *fakeMonitor) TableCreated(t *Table) { m.created = append(m.created, t.Name()) }
func (m *fakeMonitor) TableClosed(t *Table)  { m.closed = append(m.closed, t.Name()) }

func TestMonitorAndStats(t *testing.T) {
	m := &fakeMonitor{}
	s := schema.MustCompile(schema.Decl{Name: "Tabs", Funcs: []string{"get(id)", "list(win)", "listen", "status"}})
	tbl := New(s, WithName("tabs-1"), WithMonitor(m))
	tbl.Insert(obj("id", 1, "win", 1))

	l, err := tbl.Listen(ListenOptions{})
	require.NoError(t, err)
	_ = record(t, l)

	st := tbl.Stats()
	assert.Equal(t, "tabs-1", st.Name)
	assert.Equal(t, "Tabs", st.Schema)
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, 1, st.Listeners)
	assert.Equal(t, StatusDone, st.Status)
	assert.Equal(t, []IndexStats{{Name: "id", Kind: "map", Count: 1}, {Name: "win", Kind: "multimap", Count: 1}}, st.Indexes)

	tbl.Close()
	tbl.Close()
	assert.Equal(t, []string{"tabs-1"}, m.created)
	assert.Equal(t, []string{"tabs-1"}, m.closed)
	assert.True(t, l.IsClosed())
}
