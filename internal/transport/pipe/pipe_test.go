package pipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

func messages(t *testing.T, s *stream.Stream) *[]remote.Message {
	t.Helper()
	var out []remote.Message
	require.NoError(t, s.SendToFunc(func(evt stream.Event) error {
		if evt.Type == stream.TypeItem {
			out = append(out, evt.Item.(remote.Message))
		}
		return nil
	}))
	return &out
}

func TestPipe_EstablishedOnCreate(t *testing.T) {
	client, server := New()
	got := messages(t, client.Incoming())
	require.Len(t, *got, 1)
	assert.Equal(t, remote.MsgConnectionEstablished, (*got)[0].Type)

	got = messages(t, server.Incoming())
	require.Len(t, *got, 1)
}

func TestPipe_SendRoundTripsThroughCodec(t *testing.T) {
	client, server := New()
	got := messages(t, server.Incoming())

	require.NoError(t, client.Send(remote.Message{
		Type:     remote.MsgRequest,
		StreamID: 1,
		Req:      value.Object{"func": value.String("x"), "n": value.Int(2)},
	}))

	require.Len(t, *got, 2)
	m := (*got)[1]
	assert.Equal(t, remote.MsgRequest, m.Type)
	assert.Equal(t, value.Int(2), m.Req["n"])
}

func TestPipe_SendRejectsInvalid(t *testing.T) {
	client, _ := New()
	err := client.Send(remote.Message{Type: remote.MsgResponse, StreamID: 1})
	assert.Error(t, err)
}

func TestPipe_CloseDropsBothEnds(t *testing.T) {
	client, server := New()
	c := messages(t, client.Incoming())
	s := messages(t, server.Incoming())

	require.NoError(t, client.Close())

	require.Len(t, *c, 2)
	require.Len(t, *s, 2)
	assert.Equal(t, remote.MsgConnectionLost, (*s)[1].Type)
	assert.True(t, (*s)[1].Retry())
	assert.True(t, server.Incoming().IsClosed())

	assert.ErrorIs(t, server.Send(remote.Message{Type: remote.MsgCloseRequest, StreamID: 1}), ErrClosed)
	require.NoError(t, server.Close())
}

func TestPipe_DropWithoutRetry(t *testing.T) {
	client, server := New()
	c := messages(t, client.Incoming())

	server.Drop(false)

	require.Len(t, *c, 2)
	assert.False(t, (*c)[1].Retry())
}

func TestPipe_SetSender(t *testing.T) {
	_, server := New()
	got := messages(t, server.Incoming())
	server.SetSender("browser-1")

	require.Len(t, *got, 2)
	assert.Equal(t, remote.MsgSetConnectionMetadata, (*got)[1].Type)
	assert.Equal(t, "browser-1", (*got)[1].Sender)
}
