package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/value"
)

func answer(res Result, err error) Func {
	return func(context.Context, value.Object) (Result, error) { return res, err }
}

func types(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, evt := range events {
		out[i] = evt.Type
	}
	return out
}

func TestRun_Value(t *testing.T) {
	s := Run(context.Background(), "X", answer(Value(value.Int(3)), nil), nil)
	events, err := s.CollectSync()
	require.NoError(t, err)
	assert.Equal(t, []stream.EventType{stream.TypeSchema, stream.TypeItem, stream.TypeDone}, types(events))
	assert.Equal(t, schema.HintValue, events[0].Schema.Hint)
	assert.Equal(t, value.Int(3), events[1].Item)
}

func TestRun_List(t *testing.T) {
	items, err := Run(context.Background(), "X", answer(List(1, 2, 3), nil), nil).ItemsSync()
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, items)
}

func TestRun_NilResultIsNull(t *testing.T) {
	v, err := Run(context.Background(), "X", answer(nil, nil), nil).One(context.Background())
	require.NoError(t, err)
	assert.Equal(t, value.Null{}, v)
}

func TestRun_Table(t *testing.T) {
	tbl := table.New(schema.MustCompile(schema.Decl{Name: "Tabs", Funcs: []string{"get(id)"}}))
	tbl.InsertAll([]table.Record{value.Object{"id": value.Int(1)}, value.Object{"id": value.Int(2)}})

	events, err := Run(context.Background(), "X", answer(Table(tbl), nil), nil).CollectSync()
	require.NoError(t, err)
	assert.Equal(t, "Tabs", events[0].Schema.Name)
	assert.Len(t, events, 4)
}

func TestRun_StreamPassesThrough(t *testing.T) {
	s := stream.New()
	assert.Same(t, s, Run(context.Background(), "X", answer(Stream(s), nil), nil))
}

func TestRun_Iterator(t *testing.T) {
	seq := func(yield func(any, error) bool) {
		for i := 1; i <= 3; i++ {
			if !yield(i, nil) {
				return
			}
		}
	}
	items, err := Run(context.Background(), "X", answer(Iterator(seq), nil), nil).ItemsSync()
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, items)
}

func TestRun_IteratorError(t *testing.T) {
	seq := func(yield func(any, error) bool) {
		if !yield(1, nil) {
			return
		}
		yield(nil, stream.NewError(stream.ErrTimedOut, "slow"))
	}
	items, err := Run(context.Background(), "X", answer(Iterator(seq), nil), nil).ItemsSync()
	assert.Equal(t, []any{1}, items)
	assert.True(t, stream.HasErrorType(err, stream.ErrTimedOut))
}

func TestRun_Deferred(t *testing.T) {
	res := Deferred(func(context.Context) (Result, error) {
		return List("a", "b"), nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	items, err := Run(ctx, "X", answer(res, nil), nil).Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, items)
}

func TestRun_Errors(t *testing.T) {
	failures := stream.ListenFailures()
	defer stream.TeardownFailures()
	var captured []*stream.ErrorItem
	require.NoError(t, failures.SendToFunc(func(evt stream.Event) error {
		if evt.Type == stream.TypeItem {
			captured = append(captured, evt.Item.(*stream.ErrorItem))
		}
		return nil
	}))

	t.Run("request failure is not captured", func(t *testing.T) {
		_, err := Run(context.Background(), "X", answer(nil, stream.NewError(stream.ErrNotFound, "gone")), nil).ItemsSync()
		assert.True(t, stream.HasErrorType(err, stream.ErrNotFound))
		assert.Empty(t, captured)
	})

	t.Run("plain error is captured", func(t *testing.T) {
		_, err := Run(context.Background(), "X", answer(nil, errors.New("boom")), nil).ItemsSync()
		assert.True(t, stream.HasErrorType(err, stream.ErrUnhandledException))
		require.Len(t, captured, 1)
		assert.Equal(t, "boom", captured[0].ErrorMessage)
	})

	t.Run("panic is captured", func(t *testing.T) {
		fn := func(context.Context, value.Object) (Result, error) { panic("kaboom") }
		_, err := Run(context.Background(), "X", fn, nil).ItemsSync()
		item, ok := stream.AsErrorItem(err)
		require.True(t, ok)
		assert.Equal(t, stream.ErrUnhandledException, item.ErrorType)
		assert.Contains(t, item.ErrorMessage, "kaboom")
		assert.Len(t, captured, 2)
	})

	t.Run("panic inside an iterator is captured", func(t *testing.T) {
		seq := func(yield func(any, error) bool) {
			if !yield(1, nil) {
				return
			}
			panic("boom")
		}
		var (
			items []any
			err   error
		)
		require.NotPanics(t, func() {
			items, err = Run(context.Background(), "X", answer(Iterator(seq), nil), nil).ItemsSync()
		})
		assert.Equal(t, []any{1}, items)
		item, ok := stream.AsErrorItem(err)
		require.True(t, ok)
		assert.Equal(t, stream.ErrUnhandledException, item.ErrorType)
		assert.Contains(t, item.ErrorMessage, "boom")
		assert.Len(t, captured, 3)
	})

	t.Run("backpressure stop closes cleanly", func(t *testing.T) {
		events, err := Run(context.Background(), "X", answer(nil, stream.ErrBackpressureStop), nil).CollectSync()
		require.NoError(t, err)
		assert.Equal(t, []stream.EventType{stream.TypeClose}, types(events))
	})
}
