package handler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/stream"
)

func TestFromCallback_SynchronousSource(t *testing.T) {
	tornDown := 0
	s := FromCallback("numbers", func(e Emitter) func() {
		for i := 0; i < 3; i++ {
			require.NoError(t, e.Emit(i))
		}
		e.Finish()
		return func() { tornDown++ }
	})

	items, err := s.ItemsSync()
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 2}, items)
	assert.Equal(t, 1, tornDown)
}

func TestFromCallback_ConsumerGoneStopsSource(t *testing.T) {
	var emit Emitter
	tornDown := 0
	s := FromCallback("events", func(e Emitter) func() {
		emit = e
		return func() { tornDown++ }
	})
	require.NoError(t, s.SendToFunc(func(stream.Event) error { return nil }))

	require.NoError(t, emit.Emit("a"))
	s.CloseByDownstream()

	err := emit.Emit("b")
	assert.True(t, stream.IsBackpressureStop(err))
	assert.Equal(t, 1, tornDown)

	_ = emit.Emit("c")
	assert.Equal(t, 1, tornDown, "teardown runs once")
}

func TestFromCallback_Fail(t *testing.T) {
	s := FromCallback("broken", func(e Emitter) func() {
		e.Fail(errors.New("no source"))
		return nil
	})
	_, err := s.ItemsSync()
	assert.Error(t, err)
}
