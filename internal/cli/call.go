package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/streamtable/internal/remote"
	"github.com/roach88/streamtable/internal/transport/wsock"
	"github.com/roach88/streamtable/internal/value"
)

// DefaultCallTimeout bounds how long call and listen wait on the server.
const DefaultCallTimeout = 10 * time.Second

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	URL     string
	Timeout time.Duration
}

// CallResult is the outcome of one call.
type CallResult struct {
	Table string        `json:"table"`
	Call  string        `json:"call"`
	Items []value.Value `json:"items"`
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call <table> <function> [param-json]...",
		Short: "Call a function of a served table",
		Long: `Send one request to a running server and print the items it returns.

Each parameter is a JSON value. A failed request prints its error type
and exits with code 1.

Examples:
  streamtable call tabs count
  streamtable call tabs get_with_id 3
  streamtable call tabs insert '{"id": 4, "title": "news"}'
  streamtable call --url ws://host:8080/ws tabs list_all --format json`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(opts, args[0], args[1], args[2:], cmd)
		},
	}

	addClientFlags(cmd, &opts.URL, &opts.Timeout)

	return cmd
}

func addClientFlags(cmd *cobra.Command, url *string, timeout *time.Duration) {
	cmd.Flags().StringVar(url, "url", "ws://localhost:8080/ws", "server WebSocket URL")
	cmd.Flags().DurationVar(timeout, "timeout", DefaultCallTimeout, "how long to wait for the server")
}

// dial connects to url. Requests wait in the connection's buffer until
// the socket is up, for at most timeout.
func dial(opts *RootOptions, url string, timeout time.Duration) *remote.Connection {
	logger := opts.logger()
	return remote.New(
		wsock.Dialer(url, wsock.WithLogger(logger)),
		remote.WithLogger(logger),
		remote.WithBufferTimeout(timeout),
	)
}

// parseParams decodes each argument as a JSON value.
func parseParams(args []string) (value.Array, error) {
	params := make(value.Array, len(args))
	for i, arg := range args {
		v, err := value.Decode([]byte(arg))
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i+1, err)
		}
		params[i] = v
	}
	return params, nil
}

func runCall(opts *CallOptions, tableName, fn string, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	params, err := parseParams(args)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	conn := dial(opts.RootOptions, opts.URL, opts.Timeout)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(commandContext(cmd), opts.Timeout)
	defer cancel()

	formatter.VerboseLog("Calling %s.%s%v on %s", tableName, fn, params, opts.URL)
	items, err := conn.SendRequest(value.Object{
		"func":   value.String(tableName),
		"call":   value.String(fn),
		"params": params,
	}).Items(ctx)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeCallFailed, err.Error(), errorTypeDetails(err))
	}

	result := CallResult{Table: tableName, Call: fn, Items: make([]value.Value, 0, len(items))}
	for _, it := range items {
		v, err := value.From(it)
		if err != nil {
			return formatter.Fail(ExitFailure, ErrCodeGeneric, err.Error(), nil)
		}
		result.Items = append(result.Items, v)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	for _, v := range result.Items {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintln(formatter.Writer, string(data))
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// signalContext is the command context, cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
}
