package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/streamtable/internal/config"
	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/server"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/transport/wsock"
	"github.com/roach88/streamtable/internal/value"
)

const waitFor = 5 * time.Second

const serveYAML = `schemas: [schemas/tabs.cue, schemas/notes.cue]
tables:
  - schema: Tabs
    name: tabs
    items:
      - {id: 1, title: home}
      - {id: 2, title: docs}
  - schema: Notes
`

// testServer is a running server reachable over a real WebSocket.
type testServer struct {
	srv *server.Server
	cfg *config.Config
	url string
}

// startServer serves serveYAML plus extra top-level config lines.
func startServer(t *testing.T, extra string) *testServer {
	t.Helper()
	cfg, err := config.Load(writeServeConfig(t, serveYAML+extra))
	require.NoError(t, err)

	srv, err := server.New(cfg)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Close()
	})
	return &testServer{
		srv: srv,
		cfg: cfg,
		url: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
	}
}

// dial opens a client connection to the test server.
func (s *testServer) dial(t *testing.T) *remote.Connection {
	t.Helper()
	c := remote.New(wsock.Dialer(s.url))
	t.Cleanup(c.Close)
	return c
}

func request(name, fn string, params ...value.Value) value.Object {
	return value.Object{
		"func":   value.String(name),
		"call":   value.String(fn),
		"params": value.Array(params),
	}
}

func send(t *testing.T, c *remote.Connection, req value.Object) ([]any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	return c.SendRequest(req).Items(ctx)
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func errorType(err error) string {
	if item, ok := stream.AsErrorItem(err); ok {
		return item.ErrorType
	}
	return ""
}
