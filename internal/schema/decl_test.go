package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFunc(t *testing.T) {
	tests := []struct {
		in   string
		want FuncDecl
	}{
		{"listen", FuncDecl{Name: "listen"}},
		{"get()", FuncDecl{Name: "get", HasParens: true}},
		{"get(id)", FuncDecl{Name: "get", Params: []string{"id"}, HasParens: true}},
		{"get($x)", FuncDecl{Name: "get", Params: []string{"x"}, HasParens: true}},
		{" list(a, b) ", FuncDecl{Name: "list", Params: []string{"a", "b"}, HasParens: true}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFunc(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFuncInvalid(t *testing.T) {
	for _, in := range []string{"", "get(", "get(a b)", "9lives", "get(,)"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseFunc(in)
			assert.Error(t, err)
		})
	}
}

func TestFuncDeclString(t *testing.T) {
	fd, err := ParseFunc("get($a,b)")
	require.NoError(t, err)
	assert.Equal(t, "get(a, b)", fd.String())
}

func TestParseAttr(t *testing.T) {
	a, err := ParseAttr("id auto")
	require.NoError(t, err)
	assert.Equal(t, AttrDecl{Name: "id", Auto: true}, a)

	a, err = ParseAttr("title")
	require.NoError(t, err)
	assert.Equal(t, AttrDecl{Name: "title"}, a)

	for _, in := range []string{"id(auto)", "id (auto)", " id( auto ) "} {
		a, err = ParseAttr(in)
		require.NoError(t, err, in)
		assert.Equal(t, AttrDecl{Name: "id", Auto: true}, a, in)
	}

	for _, in := range []string{"id primary", "id(primary)", "id(auto", "(auto)", "id(auto) x"} {
		_, err = ParseAttr(in)
		assert.Error(t, err, in)
	}
}
