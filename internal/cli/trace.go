package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/store"
	"github.com/roach88/streamtable/internal/stream"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database   string
	Connection string
	Type       string // optional - filter to one message type
}

// TraceEvent is one traced message in a connection timeline.
type TraceEvent struct {
	Seq       int64          `json:"seq"`
	Direction string         `json:"direction"`
	Type      string         `json:"type"`
	StreamID  int64          `json:"stream_id,omitempty"`
	Summary   string         `json:"summary"`
	At        time.Time      `json:"at"`
	Message   remote.Message `json:"message"`
}

// TraceStats summarizes a connection timeline.
type TraceStats struct {
	Sent      int `json:"sent"`
	Received  int `json:"received"`
	Requests  int `json:"requests"`
	Responses int `json:"responses"`
	Failures  int `json:"failures"`
}

// TraceResult is the trace of one connection.
type TraceResult struct {
	ConnectionID string       `json:"connection_id"`
	Timeline     []TraceEvent `json:"timeline"`
	Stats        TraceStats   `json:"stats"`
}

// ConnectionInfo is one row of the connection listing.
type ConnectionInfo struct {
	ID        string    `json:"id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Sent      int       `json:"sent"`
	Received  int       `json:"received"`
}

var traceableTypes = map[remote.MessageType]bool{
	remote.MsgConnectionLevelRequest: true,
	remote.MsgRequest:                true,
	remote.MsgResponse:               true,
	remote.MsgCloseRequest:           true,
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a server's message trace",
		Long: `Read the trace database written by serve.

Without --connection, lists every traced connection with its message
counts. With --connection, prints that connection's messages in the
order they crossed the wire: requests the server received and the
responses it sent.

Examples:
  streamtable trace --db trace.db
  streamtable trace --db trace.db --connection 3f2a...
  streamtable trace --db trace.db --connection 3f2a... --type request --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to trace database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Connection, "connection", "", "connection ID to print")
	cmd.Flags().StringVar(&opts.Type, "type", "", "filter to one message type (request, response, ...)")

	return cmd
}

// openTrace opens an existing trace database. store.Open would create a
// missing file, which is never what a reader wants.
func openTrace(opts *RootOptions, path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "trace database not found", err)
	}
	st, err := store.Open(path, store.WithLogger(opts.logger()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open trace database", err)
	}
	return st, nil
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := opts.formatter(cmd)

	if opts.Type != "" && !traceableTypes[remote.MessageType(opts.Type)] {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric,
			fmt.Sprintf("unknown message type %q", opts.Type), nil)
	}
	if opts.Type != "" && opts.Connection == "" {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "--type requires --connection", nil)
	}

	st, err := openTrace(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if opts.Connection == "" {
		return listConnections(ctx, st, formatter)
	}

	entries, err := st.ReadConnection(ctx, opts.Connection, remote.MessageType(opts.Type))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeTraceFailed, err.Error(), nil)
	}
	result := buildTrace(opts.Connection, entries)

	if formatter.Format == "json" {
		return formatter.Report(CLIResponse{Status: "ok", Data: result, ConnectionID: result.ConnectionID})
	}
	if len(entries) == 0 {
		fmt.Fprintf(formatter.Writer, "No messages found for connection: %s\n", opts.Connection)
		return nil
	}
	return outputTraceText(formatter.Writer, result, opts.Verbose)
}

func listConnections(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	conns, err := st.Connections(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeTraceFailed, err.Error(), nil)
	}

	infos := make([]ConnectionInfo, len(conns))
	for i, c := range conns {
		infos[i] = ConnectionInfo(c)
	}

	if formatter.Format == "json" {
		return formatter.Report(CLIResponse{Status: "ok", Data: infos})
	}

	w := formatter.Writer
	if len(infos) == 0 {
		fmt.Fprintln(w, "No connections traced")
		return nil
	}
	fmt.Fprintf(w, "%d connection(s):\n", len(infos))
	for _, c := range infos {
		fmt.Fprintf(w, "  %s  %s .. %s  sent=%d received=%d\n",
			c.ID,
			c.FirstSeen.UTC().Format(time.RFC3339),
			c.LastSeen.UTC().Format(time.RFC3339),
			c.Sent, c.Received)
	}
	return nil
}

// buildTrace converts store entries into a timeline with stats.
func buildTrace(connID string, entries []store.Entry) TraceResult {
	result := TraceResult{ConnectionID: connID, Timeline: make([]TraceEvent, 0, len(entries))}
	for _, e := range entries {
		result.Timeline = append(result.Timeline, TraceEvent{
			Seq:       e.Seq,
			Direction: string(e.Direction),
			Type:      string(e.Message.Type),
			StreamID:  e.Message.StreamID,
			Summary:   e.Message.String(),
			At:        e.At.UTC(),
			Message:   e.Message,
		})

		switch e.Direction {
		case store.DirSent:
			result.Stats.Sent++
		case store.DirReceived:
			result.Stats.Received++
		}
		switch e.Message.Type {
		case remote.MsgRequest, remote.MsgConnectionLevelRequest:
			result.Stats.Requests++
		case remote.MsgResponse:
			result.Stats.Responses++
			if e.Message.Event != nil && e.Message.Event.Type == stream.TypeFail {
				result.Stats.Failures++
			}
		}
	}
	return result
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	fmt.Fprintf(w, "Trace for connection: %s\n", result.ConnectionID)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	for _, ev := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %s %s\n", ev.Seq, arrow(ev.Direction), ev.Summary)
		if verbose {
			fmt.Fprintf(w, "       At: %s\n", ev.At.Format(time.RFC3339Nano))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Sent:      %d\n", result.Stats.Sent)
	fmt.Fprintf(w, "  Received:  %d\n", result.Stats.Received)
	fmt.Fprintf(w, "  Requests:  %d\n", result.Stats.Requests)
	fmt.Fprintf(w, "  Responses: %d\n", result.Stats.Responses)
	fmt.Fprintf(w, "  Failures:  %d\n", result.Stats.Failures)
	return nil
}

// arrow marks direction from the server's side: <- came in, -> went out.
func arrow(direction string) string {
	if direction == string(store.DirReceived) {
		return "<-"
	}
	return "->"
}
