package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"null", Null{}, "null"},
		{"string", String("tab"), `"tab"`},
		{"int", Int(-7), "-7"},
		{"bool", Bool(true), "true"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"sorted keys", Object{"zeta": Int(1), "alpha": Int(2)}, `{"alpha":2,"zeta":1}`},
		{"nested", Object{"b": Array{Int(1), Null{}}, "a": Object{"y": Bool(false), "x": String("q")}}, `{"a":{"x":"q","y":false},"b":[1,null]}`},
		{"no html escaping", String("<a&b>"), `"<a&b>"`},
		{"control chars", String("a\nb\u0001"), `"a\nb\u0001"`},
		{"line separator literal", String("x\u2028y"), "\"x\u2028y\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+10000 encodes as a surrogate pair (0xD800...), so it sorts before
	// U+E000 in UTF-16 even though it sorts after it byte-wise.
	obj := Object{"\U00010000": Int(2), "\uE000": Int(1)}
	out, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(out))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := String("e\u0301")
	composed := String("\u00e9")
	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a, err := Fingerprint(Must(map[string]any{"func": "X", "arg": 1}))
	require.NoError(t, err)
	b, err := Fingerprint(Object{"arg": Int(1), "func": String("X")})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"arg":1,"func":"X"}`, a)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "1", Key(Int(1)))
	assert.Equal(t, `"1"`, Key(String("1")))
	assert.Equal(t, `[1,"a"]`, Key(Int(1), String("a")))
	assert.NotEqual(t, Key(Int(1)), Key(String("1")))
}
