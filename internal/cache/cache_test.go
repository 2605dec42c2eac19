package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/handler"
	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/testutil"
	"github.com/roach88/streamtable/internal/value"
)

func req(name string, kv ...any) value.Object {
	o := value.Object{"func": value.String(name)}
	for i := 0; i < len(kv); i += 2 {
		o[kv[i].(string)] = value.Must(kv[i+1])
	}
	return o
}

type recorder struct{ events []stream.Event }

func (r *recorder) Receive(evt stream.Event) error {
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) types() []stream.EventType {
	out := make([]stream.EventType, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

func listen(t *testing.T, it *CacheItem) *recorder {
	t.Helper()
	r := &recorder{}
	s := stream.New()
	require.NoError(t, s.SendTo(r))
	it.AddListener(s)
	return r
}

// openHandler answers with a stream that stays open, counting calls.
func openHandler(calls *int) handler.Func {
	return func(context.Context, value.Object) (handler.Result, error) {
		*calls++
		s := stream.New()
		_ = s.Put(value.Int(*calls))
		_ = s.Done()
		return handler.Stream(s), nil
	}
}

func TestGetItem_DeduplicatesAndInvalidates(t *testing.T) {
	calls := 0
	reg := handler.NewRegistry()
	reg.Register("X", openHandler(&calls))
	c := New(reg)

	a, err := c.GetItem(req("X", "arg", 1))
	require.NoError(t, err)
	b, err := c.GetItem(req("X", "arg", 1))
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, a.Refs())

	r := listen(t, a)
	require.Equal(t, []stream.EventType{stream.TypeItem, stream.TypeDone}, r.types())
	r.events = nil

	c.InvalidateItem(a)
	assert.Equal(t, 2, calls)
	require.Equal(t, []stream.EventType{stream.TypeRestart, stream.TypeItem, stream.TypeDone}, r.types())
	assert.Equal(t, value.Int(2), r.events[1].Item)
}

func TestGetItem_DistinctParamsAreDistinctItems(t *testing.T) {
	calls := 0
	reg := handler.NewRegistry()
	reg.Register("X", openHandler(&calls))
	c := New(reg)

	a, err := c.GetItem(req("X", "arg", 1))
	require.NoError(t, err)
	b, err := c.GetItem(value.Object{"arg": value.Int(1), "func": value.String("X")})
	require.NoError(t, err)
	other, err := c.GetItem(req("X", "arg", 2))
	require.NoError(t, err)

	assert.Same(t, a, b, "key order does not matter")
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, c.Len())
}

func TestAddListener_LateSubscriberReplaysLog(t *testing.T) {
	src := stream.New()
	reg := handler.NewRegistry()
	reg.Register("X", func(context.Context, value.Object) (handler.Result, error) {
		return handler.Stream(src), nil
	})
	c := New(reg)

	it, err := c.GetItem(req("X"))
	require.NoError(t, err)
	early := listen(t, it)

	require.NoError(t, src.PutSchema(schemaDecl()))
	require.NoError(t, src.Put(value.Int(1)))
	require.NoError(t, src.Put(value.Int(2)))
	require.NoError(t, src.Done())

	late := listen(t, it)
	assert.Equal(t, early.events, late.events)

	require.NoError(t, src.Close())
	assert.Equal(t, early.events, late.events)
	assert.Len(t, it.Log(), 5)
}

func TestListen_ReleasesOnClose(t *testing.T) {
	calls := 0
	reg := handler.NewRegistry()
	reg.Register("X", func(context.Context, value.Object) (handler.Result, error) {
		calls++
		return handler.List(value.Int(1)), nil
	})
	c := New(reg)

	s, err := c.Listen(req("X"))
	require.NoError(t, err)
	items, err := s.ItemsSync()
	require.NoError(t, err)
	assert.Equal(t, []any{value.Int(1)}, items)

	// The stream is finished, so nothing holds the item any more.
	assert.Zero(t, c.Len())

	_, err = c.Listen(req("X"))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestListen_UnhandledRequest(t *testing.T) {
	c := New(handler.NewRegistry())
	s, err := c.Listen(req("missing"))
	require.NoError(t, err)
	_, err = s.ItemsSync()
	assert.True(t, stream.HasErrorType(err, stream.ErrUnhandledRequest))
}

func TestRelease_LastReferenceEvicts(t *testing.T) {
	calls := 0
	reg := handler.NewRegistry()
	reg.Register("X", openHandler(&calls))
	c := New(reg)

	a, err := c.GetItem(req("X"))
	require.NoError(t, err)
	b, err := c.GetItem(req("X"))
	require.NoError(t, err)

	a.Release()
	assert.Equal(t, 1, c.Len())
	b.Release()
	assert.Zero(t, c.Len())

	// Invalidating an unreferenced item does not call the handler.
	c.InvalidateItem(a)
	assert.Equal(t, 1, calls)
}

func TestTTL(t *testing.T) {
	clk := testutil.NewFakeClock(time.Time{})
	calls := 0
	reg := handler.NewRegistry()
	reg.Register("X", openHandler(&calls))
	c := New(reg, WithTTL(time.Minute), WithClock(clk))

	a, err := c.GetItem(req("X"))
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Minute), a.ExpireAt())

	clk.Advance(30 * time.Second)
	b, err := c.GetItem(req("X"))
	require.NoError(t, err)
	assert.Same(t, a, b)

	clk.Advance(30 * time.Second)
	fresh, err := c.GetItem(req("X"))
	require.NoError(t, err)
	assert.NotSame(t, a, fresh)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, c.Len())

	// Releasing the expired item does not disturb its replacement.
	a.Release()
	a.Release()
	assert.Equal(t, 1, c.Len())
}

func TestInvalidateWithFilter(t *testing.T) {
	calls := 0
	reg := handler.NewRegistry()
	reg.Register(handler.CatchAll, openHandler(&calls))
	c := New(reg)

	for _, name := range []string{"A", "B", "A"} {
		_, err := c.GetItem(req(name, "n", calls))
		require.NoError(t, err)
	}
	require.Equal(t, 3, calls)

	n := c.InvalidateWithFilter(func(p value.Object) bool { return handler.FuncName(p) == "A" })
	assert.Equal(t, 2, n)
	assert.Equal(t, 5, calls, "referenced items refresh in place")

	assert.Equal(t, 1, c.InvalidateFunc("B"))
	assert.Equal(t, 6, calls)
}

func TestHandle(t *testing.T) {
	calls := 0
	reg := handler.NewRegistry()
	reg.Register("X", openHandler(&calls))
	c := New(reg)
	h := c.NewHandle()

	a, err := h.Set(req("X", "page", 1))
	require.NoError(t, err)
	again, err := h.Set(req("X", "page", 1))
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, 1, a.Refs())
	assert.Equal(t, 1, calls)

	b, err := h.Set(req("X", "page", 2))
	require.NoError(t, err)
	assert.Same(t, b, h.Item())
	assert.Equal(t, 1, c.Len(), "the first page was evicted")

	h.Release()
	assert.Nil(t, h.Item())
	assert.Zero(t, c.Len())
}

func schemaDecl() schema.Decl {
	return schema.Decl{Name: "X", Hint: schema.HintList}
}
