package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/store"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/value"
)

// recordSession traces a read, a write, a read of the write and a
// failing read on one connection, plus a subscription.
func recordSession(t *testing.T) (db, connID string) {
	t.Helper()
	s := startServer(t, "trace_db: trace.db\n")
	c := s.dial(t)

	got, err := send(t, c, request("tabs", "count"))
	require.NoError(t, err)
	require.Equal(t, []any{value.Int(2)}, got)
	_, err = send(t, c, request("tabs", "insert", value.Object{"id": value.Int(3), "title": value.String("mail")}))
	require.NoError(t, err)
	got, err = send(t, c, request("tabs", "count"))
	require.NoError(t, err)
	require.Equal(t, []any{value.Int(3)}, got)
	_, err = send(t, c, request("tabs", "get_with_id", value.Int(99)))
	require.Equal(t, stream.ErrNotFound, errorType(err))

	done := make(chan struct{})
	sub := c.SyncClient().Subscribe("tabs", table.ListenOptions{InitialData: true})
	require.NoError(t, sub.SendToFunc(func(evt stream.Event) error {
		if evt.Type == stream.TypeDone {
			close(done)
			return stream.ErrBackpressureStop
		}
		return nil
	}))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("subscription never delivered its initial contents")
	}

	return s.cfg.TraceDB, onlyConnection(t, s.cfg.TraceDB)
}

func TestReplay_MatchesFreshServer(t *testing.T) {
	db, id := recordSession(t)
	fresh := startServer(t, "")

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", db, "--connection", id, "--url", fresh.url)
	require.NoError(t, err)
	assert.Contains(t, out, "4 request(s)")
	assert.Contains(t, out, "✓ All replayed requests match the trace")
	assert.NotContains(t, out, "✗")
}

func TestReplay_MismatchExitsOne(t *testing.T) {
	db, id := recordSession(t)
	fresh := startServer(t, "")

	_, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", db, "--connection", id, "--url", fresh.url)
	require.NoError(t, err)

	// The fresh server now holds the replayed write, so the first count
	// differs on a second replay.
	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", db, "--connection", id, "--url", fresh.url)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Replay mismatch")
	assert.Contains(t, out, "recorded: 1 item(s) [2]")
	assert.Contains(t, out, "replayed: 1 item(s) [3]")
}

func TestReplay_JSON(t *testing.T) {
	db, id := recordSession(t)
	fresh := startServer(t, "")

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "json"}), "--db", db, "--connection", id, "--url", fresh.url)
	require.NoError(t, err)

	var resp struct {
		Status       string       `json:"status"`
		ConnectionID string       `json:"connection_id"`
		Data         ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, id, resp.ConnectionID)
	assert.True(t, resp.Data.AllMatch)
	assert.Equal(t, 1, resp.Data.Skipped, "the subscription is not replayed")
	require.Len(t, resp.Data.Requests, 4)
	assert.Equal(t, stream.ErrNotFound, resp.Data.Requests[3].Recorded.ErrorType)
	assert.Equal(t, stream.ErrNotFound, resp.Data.Requests[3].Replayed.ErrorType)
}

func TestReplay_Errors(t *testing.T) {
	t.Run("missing flags", func(t *testing.T) {
		_, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", "x.db")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"connection" not set`)
	})

	t.Run("missing database", func(t *testing.T) {
		_, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", "/nonexistent/trace.db", "--connection", "c")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestReplay_NothingToReplay(t *testing.T) {
	db, _ := recordSession(t)

	out, err := execute(t, NewReplayCommand(&RootOptions{Format: "text"}), "--db", db, "--connection", "unknown", "--url", "ws://127.0.0.1:1/ws")
	require.NoError(t, err)
	assert.Contains(t, out, "0 request(s)")
	assert.Contains(t, out, "✓ All replayed requests match the trace")
}

func TestRecordedRequests(t *testing.T) {
	item := stream.Item(map[string]any{"id": int64(1)})
	done := stream.Done()
	fail := stream.Fail(stream.NewError(stream.ErrNotFound, "gone"))
	req := func(n string) value.Object { return request("tabs", n) }
	entries := []store.Entry{
		{Seq: 1, Direction: store.DirReceived, Message: remote.Established()},
		{Seq: 2, Direction: store.DirReceived, Message: remote.Message{Type: remote.MsgRequest, StreamID: 1, Req: req("list_all")}},
		{Seq: 3, Direction: store.DirReceived, Message: remote.Message{Type: remote.MsgRequest, StreamID: 2, Req: req("get_with_id")}},
		{Seq: 4, Direction: store.DirSent, Message: remote.Message{Type: remote.MsgResponse, StreamID: 2, Event: &fail}},
		{Seq: 5, Direction: store.DirSent, Message: remote.Message{Type: remote.MsgResponse, StreamID: 1, Event: &item}},
		{Seq: 6, Direction: store.DirSent, Message: remote.Message{Type: remote.MsgResponse, StreamID: 1, Event: &done}},
		{Seq: 7, Direction: store.DirReceived, Message: remote.Message{Type: remote.MsgConnectionLevelRequest, StreamID: 3, ReqType: remote.ReqListenToTable, Name: "tabs"}},
	}

	got, skipped := recordedRequests(entries)
	assert.Equal(t, 1, skipped)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, []value.Value{value.Object{"id": value.Int(1)}}, got[0].Recorded.Items)
	assert.Empty(t, got[0].Recorded.ErrorType)
	assert.Equal(t, stream.ErrNotFound, got[1].Recorded.ErrorType)
	assert.Empty(t, got[1].Recorded.Items)
}

func TestOutcomesEqual(t *testing.T) {
	a := Outcome{Items: []value.Value{value.Int(1)}}
	assert.True(t, outcomesEqual(a, Outcome{Items: []value.Value{value.Int(1)}}))
	assert.False(t, outcomesEqual(a, Outcome{Items: []value.Value{value.Int(2)}}))
	assert.False(t, outcomesEqual(a, Outcome{Items: []value.Value{}}))
	assert.False(t, outcomesEqual(Outcome{ErrorType: stream.ErrNotFound}, Outcome{ErrorType: stream.ErrNoHandler}))
}
