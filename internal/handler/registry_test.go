package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/value"
)

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(_ context.Context, req value.Object) (Result, error) {
		return Value(req["arg"]), nil
	})

	v, err := r.Dispatch(context.Background(), value.Object{"func": value.String("echo"), "arg": value.Int(7)}).One(context.Background())
	require.NoError(t, err)
	assert.Equal(t, value.Int(7), v)

	_, err = r.Dispatch(context.Background(), value.Object{"func": value.String("missing")}).ItemsSync()
	assert.True(t, stream.HasErrorType(err, stream.ErrUnhandledRequest))
	assert.Contains(t, err.Error(), `"missing"`)

	_, err = r.Dispatch(context.Background(), value.Object{"arg": value.Int(1)}).ItemsSync()
	assert.True(t, stream.HasErrorType(err, stream.ErrBadRequest))
}

func TestRegistry_CatchAll(t *testing.T) {
	r := NewRegistry()
	r.Register(CatchAll, func(_ context.Context, req value.Object) (Result, error) {
		return Value(value.String(FuncName(req))), nil
	})

	v, err := r.Dispatch(context.Background(), value.Object{"func": value.String("anything")}).One(context.Background())
	require.NoError(t, err)
	assert.Equal(t, value.String("anything"), v)
	assert.Equal(t, []string{"*"}, r.Names())

	v, err = r.Dispatch(context.Background(), value.Object{}).One(context.Background())
	require.NoError(t, err, "the catch-all also takes unnamed requests")
	assert.Equal(t, value.String(""), v)

	r.Unregister(CatchAll)
	_, ok := r.Lookup("anything")
	assert.False(t, ok)
	_, err = r.Dispatch(context.Background(), value.Object{"func": value.String("anything")}).ItemsSync()
	assert.True(t, stream.HasErrorType(err, stream.ErrUnhandledRequest))
}

func TestRegistry_RegisterTable(t *testing.T) {
	tbl := table.New(schema.MustCompile(schema.Decl{Name: "Tabs", Funcs: []string{"get(id)", "count"}}))
	tbl.Insert(value.Object{"id": value.Int(1), "title": value.String("home")})

	r := NewRegistry()
	r.RegisterTable("tabs", tbl)

	req := value.Object{
		"func":   value.String("tabs"),
		"call":   value.String("get_with_id"),
		"params": value.Array{value.Int(1)},
	}
	v, err := r.Dispatch(context.Background(), req).One(context.Background())
	require.NoError(t, err)
	assert.Equal(t, value.Object{"id": value.Int(1), "title": value.String("home")}, v)

	_, err = r.Dispatch(context.Background(), value.Object{"func": value.String("tabs")}).ItemsSync()
	assert.True(t, stream.HasErrorType(err, stream.ErrBadRequest))
}
