package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/value"
)

func declValue() schema.Decl {
	return schema.Decl{Hint: schema.HintValue}
}

func TestEventJSON(t *testing.T) {
	tests := []struct {
		name string
		evt  Event
		want string
	}{
		{"item", Item(value.Object{"id": value.Int(1)}), `{"t":"item","item":{"id":1}}`},
		{"schema", SchemaOf(schema.Decl{Name: "tabs", Funcs: []string{"delete(id)"}}), `{"t":"schema","schema":{"name":"tabs","funcs":["delete(id)"]}}`},
		{"done", Done(), `{"t":"done"}`},
		{"delta", Delta("delete_with_id", value.Int(2)), `{"t":"delta","func":"delete_with_id","params":[2]}`},
		{"fail", Fail(NewError(ErrNotFound, "table tabs")), `{"t":"fail","error":{"errorType":"not_found","errorMessage":"table tabs"}}`},
		{"comment", Comment("hi", LevelWarn, nil), `{"t":"comment","message":"hi","level":"warn"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.evt)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var back Event
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.evt.Type, back.Type)
		})
	}
}

func TestEventJSONDecodesValues(t *testing.T) {
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(`{"t":"delta","func":"delete_with_id","params":[7,"x"]}`), &evt))
	assert.Equal(t, []any{value.Int(7), value.String("x")}, evt.Params)

	require.NoError(t, json.Unmarshal([]byte(`{"t":"item","item":{"id":1,"title":"a"}}`), &evt))
	assert.Equal(t, value.Object{"id": value.Int(1), "title": value.String("a")}, evt.Item)
}

func TestEventJSONRejectsMissingType(t *testing.T) {
	var evt Event
	assert.Error(t, json.Unmarshal([]byte(`{"item":1}`), &evt))
}
