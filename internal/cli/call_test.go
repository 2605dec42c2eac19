package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

func callCmd(format string) *RootOptions { return &RootOptions{Format: format} }

func TestCall_Text(t *testing.T) {
	s := startServer(t, "")

	out, err := execute(t, NewCallCommand(callCmd("text")), "--url", s.url, "tabs", "count")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = execute(t, NewCallCommand(callCmd("text")), "--url", s.url, "tabs", "get_with_id", "2")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":2,"title":"docs"}`, out)
}

func TestCall_JSON(t *testing.T) {
	s := startServer(t, "")

	out, err := execute(t, NewCallCommand(callCmd("json")), "--url", s.url, "tabs", "get_with_id", "1")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Table string            `json:"table"`
			Call  string            `json:"call"`
			Items []json.RawMessage `json:"items"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "tabs", resp.Data.Table)
	assert.Equal(t, "get_with_id", resp.Data.Call)
	require.Len(t, resp.Data.Items, 1)
	assert.JSONEq(t, `{"id":1,"title":"home"}`, string(resp.Data.Items[0]))
}

func TestCall_WriteIsVisible(t *testing.T) {
	s := startServer(t, "")

	_, err := execute(t, NewCallCommand(callCmd("text")), "--url", s.url, "tabs", "insert", `{"id": 3, "title": "mail"}`)
	require.NoError(t, err)

	tabs, ok := s.srv.Table("tabs")
	require.True(t, ok)
	assert.Equal(t, 3, tabs.Count())

	out, err := execute(t, NewCallCommand(callCmd("text")), "--url", s.url, "tabs", "count")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
}

func TestCall_Failures(t *testing.T) {
	s := startServer(t, "")

	tests := []struct {
		name     string
		args     []string
		wantExit int
		wantText string
	}{
		{"missing record", []string{"tabs", "get_with_id", "99"}, ExitFailure, stream.ErrNotFound},
		{"unknown table", []string{"windows", "count"}, ExitFailure, stream.ErrUnhandledRequest},
		{"float param", []string{"tabs", "get_with_id", "1.5"}, ExitCommandError, "param 1"},
		{"bad json param", []string{"tabs", "insert", "{id:"}, ExitCommandError, "param 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--url", s.url}, tt.args...)
			out, err := execute(t, NewCallCommand(callCmd("text")), args...)
			require.Error(t, err)
			assert.Equal(t, tt.wantExit, GetExitCode(err))
			assert.Contains(t, out, tt.wantText)
		})
	}
}

func TestCall_FailureJSONCarriesErrorType(t *testing.T) {
	s := startServer(t, "")

	out, err := execute(t, NewCallCommand(callCmd("json")), "--url", s.url, "tabs", "get_with_id", "99")
	require.Error(t, err)

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeCallFailed, resp.Error.Code)
	assert.Equal(t, stream.ErrNotFound, resp.Error.Details["error_type"])
}

func TestCall_UnreachableServerTimesOut(t *testing.T) {
	_, err := execute(t, NewCallCommand(callCmd("text")),
		"--url", "ws://127.0.0.1:1/ws", "--timeout", "200ms", "tabs", "count")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeCallFailed)
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"3", `"x"`, `{"a": [1, true, null]}`})
	require.NoError(t, err)
	assert.Equal(t, value.Array{
		value.Int(3),
		value.String("x"),
		value.Object{"a": value.Array{value.Int(1), value.Bool(true), value.Null{}}},
	}, params)

	_, err = parseParams([]string{"1", "nope"})
	assert.ErrorContains(t, err, "param 2")
}

func TestListen_PrintsInitialContents(t *testing.T) {
	s := startServer(t, "")

	out, err := execute(t, NewListenCommand(callCmd("text")), "--url", s.url, "--count", "3", "tabs")
	require.NoError(t, err)
	assert.Contains(t, out, `"t":"schema"`)
	assert.Contains(t, out, `"title":"home"`)
	assert.Contains(t, out, `"title":"docs"`)
}

func TestListen_UnknownTableFails(t *testing.T) {
	s := startServer(t, "")

	out, err := execute(t, NewListenCommand(callCmd("text")), "--url", s.url, "windows")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "subscription failed")
	assert.Contains(t, out, `"t":"fail"`)
}

func TestSend_ReportsErrorType(t *testing.T) {
	s := startServer(t, "")
	c := s.dial(t)

	_, err := send(t, c, request("tabs", "get_with_id", value.Int(42)))
	assert.Equal(t, stream.ErrNotFound, errorType(err))
}
