package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/store"
	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database   string
	Connection string
	URL        string
	Timeout    time.Duration
}

// Outcome is what one request produced: its items, or the error type
// it failed with.
type Outcome struct {
	Items     []value.Value `json:"items"`
	ErrorType string        `json:"error_type,omitempty"`
}

// ReplayRequest is the comparison for one replayed request.
type ReplayRequest struct {
	Seq      int64        `json:"seq"`
	Request  value.Object `json:"request"`
	Recorded Outcome      `json:"recorded"`
	Replayed Outcome      `json:"replayed"`
	Match    bool         `json:"match"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	ConnectionID string          `json:"connection_id"`
	Requests     []ReplayRequest `json:"requests"`
	Skipped      int             `json:"skipped"`
	AllMatch     bool            `json:"all_match"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Resend a traced connection's requests and compare outcomes",
		Long: `Replay the requests one traced connection sent, in their original
order, against a running server. Each replayed outcome (items, or the
error type) is compared with the responses recorded in the trace.

Subscriptions are skipped. Writes are resent too, so replay against a
server started from the same config as the one that was traced.

Exit codes:
  0 - Every replayed request matched its recorded outcome
  1 - At least one request differed
  2 - Command error (database not found, etc.)

Examples:
  streamtable replay --db trace.db --connection 3f2a...
  streamtable replay --db trace.db --connection 3f2a... --url ws://localhost:9000/ws --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to trace database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Connection, "connection", "", "connection ID to replay (required)")
	_ = cmd.MarkFlagRequired("connection")
	addClientFlags(cmd, &opts.URL, &opts.Timeout)

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := opts.formatter(cmd)

	st, err := openTrace(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ReadConnection(ctx, opts.Connection, "")
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeTraceFailed, err.Error(), nil)
	}
	recorded, skipped := recordedRequests(entries)

	result := ReplayResult{
		ConnectionID: opts.Connection,
		Requests:     make([]ReplayRequest, 0, len(recorded)),
		Skipped:      skipped,
		AllMatch:     true,
	}

	if len(recorded) > 0 {
		conn := dial(opts.RootOptions, opts.URL, opts.Timeout)
		defer conn.Close()

		for _, rr := range recorded {
			formatter.VerboseLog("Replaying [%d] %v", rr.Seq, rr.Request)
			rr.Replayed = replayOne(ctx, conn, rr.Request, opts.Timeout)
			rr.Match = outcomesEqual(rr.Recorded, rr.Replayed)
			if !rr.Match {
				result.AllMatch = false
			}
			result.Requests = append(result.Requests, rr)
		}
	}

	if formatter.Format == "json" {
		return outputReplayJSON(formatter, result)
	}
	return outputReplayText(formatter.Writer, result, opts.Verbose)
}

// recordedRequests pairs each request the server received with the
// outcome it sent back. Connection-level requests are skipped and
// counted.
func recordedRequests(entries []store.Entry) ([]ReplayRequest, int) {
	byStream := make(map[int64]*ReplayRequest)
	var (
		order   []int64
		skipped int
	)
	for _, e := range entries {
		m := e.Message
		switch {
		case e.Direction == store.DirReceived && m.Type == remote.MsgRequest:
			byStream[m.StreamID] = &ReplayRequest{
				Seq:      e.Seq,
				Request:  m.Req,
				Recorded: Outcome{Items: []value.Value{}},
			}
			order = append(order, m.StreamID)
		case e.Direction == store.DirReceived && m.Type == remote.MsgConnectionLevelRequest:
			skipped++
		case e.Direction == store.DirSent && m.Type == remote.MsgResponse && m.Event != nil:
			rr, ok := byStream[m.StreamID]
			if !ok {
				continue
			}
			switch m.Event.Type {
			case stream.TypeItem:
				if v, err := value.From(m.Event.Item); err == nil {
					rr.Recorded.Items = append(rr.Recorded.Items, v)
				}
			case stream.TypeFail:
				if m.Event.Err != nil {
					rr.Recorded.ErrorType = m.Event.Err.ErrorType
				}
			}
		}
	}

	out := make([]ReplayRequest, 0, len(order))
	for _, id := range order {
		out = append(out, *byStream[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, skipped
}

func replayOne(ctx context.Context, conn *remote.Connection, req value.Object, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := Outcome{Items: []value.Value{}}
	items, err := conn.SendRequest(req.Clone()).Items(ctx)
	for _, it := range items {
		if v, convErr := value.From(it); convErr == nil {
			out.Items = append(out.Items, v)
		}
	}
	if err != nil {
		if item, ok := stream.AsErrorItem(err); ok {
			out.ErrorType = item.ErrorType
		} else {
			out.ErrorType = stream.ErrTimedOut
		}
	}
	return out
}

func outcomesEqual(a, b Outcome) bool {
	if a.ErrorType != b.ErrorType || len(a.Items) != len(b.Items) {
		return false
	}
	for i := range a.Items {
		if !value.Equal(a.Items[i], b.Items[i]) {
			return false
		}
	}
	return true
}

func outputReplayJSON(formatter *OutputFormatter, result ReplayResult) error {
	response := CLIResponse{Status: "ok", Data: result, ConnectionID: result.ConnectionID}
	if !result.AllMatch {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeReplayMismatch,
			Message: "replayed outcomes differ from the trace",
		}
	}
	if err := formatter.Report(response); err != nil {
		return err
	}
	if !result.AllMatch {
		return NewExitError(ExitFailure, "replay mismatch")
	}
	return nil
}

func outputReplayText(w io.Writer, result ReplayResult, verbose bool) error {
	fmt.Fprintf(w, "Replay of connection %s: %d request(s)", result.ConnectionID, len(result.Requests))
	if result.Skipped > 0 {
		fmt.Fprintf(w, ", %d subscription(s) skipped", result.Skipped)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	for _, rr := range result.Requests {
		status := "✓"
		if !rr.Match {
			status = "✗"
		}
		fmt.Fprintf(w, "%s [%d] %v\n", status, rr.Seq, rr.Request)
		if !rr.Match || verbose {
			fmt.Fprintf(w, "  recorded: %s\n", describeOutcome(rr.Recorded))
			fmt.Fprintf(w, "  replayed: %s\n", describeOutcome(rr.Replayed))
		}
	}
	if len(result.Requests) > 0 {
		fmt.Fprintln(w)
	}

	if result.AllMatch {
		fmt.Fprintln(w, "✓ All replayed requests match the trace")
		return nil
	}
	fmt.Fprintln(w, "✗ Replay mismatch")
	return NewExitError(ExitFailure, "replay mismatch")
}

func describeOutcome(o Outcome) string {
	if o.ErrorType != "" {
		return "error " + o.ErrorType
	}
	return fmt.Sprintf("%d item(s) %v", len(o.Items), o.Items)
}
