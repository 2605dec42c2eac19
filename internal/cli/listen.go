package cli

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
)

// ListenOptions holds flags for the listen command.
type ListenOptions struct {
	*RootOptions
	URL           string
	Timeout       time.Duration
	NoInitial     bool
	DeletionIndex string
	Count         int
}

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "listen <table>",
		Short: "Print a served table's live events",
		Long: `Subscribe to a table that declares listen and print every event,
one JSON object per line: the initial contents, then deltas as the table
changes. The subscription survives reconnects; each reconnect starts with
a restart event.

Stops on Ctrl-C, after --count events, or when the server closes the
subscription.

Examples:
  streamtable listen tabs
  streamtable listen tabs --no-initial --count 10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(opts, args[0], cmd)
		},
	}

	addClientFlags(cmd, &opts.URL, &opts.Timeout)
	cmd.Flags().BoolVar(&opts.NoInitial, "no-initial", false, "skip the current contents")
	cmd.Flags().StringVar(&opts.DeletionIndex, "deletion-index", "", "index whose keys delete events carry")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "stop after this many events (0 = no limit)")

	return cmd
}

func runListen(opts *ListenOptions, tableName string, cmd *cobra.Command) error {
	conn := dial(opts.RootOptions, opts.URL, opts.Timeout)
	defer conn.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	events := conn.SyncClient().Subscribe(tableName, table.ListenOptions{
		InitialData:   !opts.NoInitial,
		DeletionIndex: opts.DeletionIndex,
	})

	var (
		mu      sync.Mutex
		seen    int
		failure *stream.ErrorItem
	)
	done := make(chan struct{})
	finish := sync.OnceFunc(func() { close(done) })

	w := cmd.OutOrStdout()
	err := events.SendToFunc(func(evt stream.Event) error {
		mu.Lock()
		defer mu.Unlock()
		data, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		seen++

		switch {
		case evt.Type == stream.TypeFail:
			failure = evt.Err
			finish()
		case evt.Type == stream.TypeClose:
			finish()
		case opts.Count > 0 && seen >= opts.Count:
			finish()
			return stream.ErrBackpressureStop
		}
		return nil
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
	events.CloseByDownstream()

	mu.Lock()
	defer mu.Unlock()
	if failure != nil {
		return WrapExitError(ExitFailure, "subscription failed", failure)
	}
	return nil
}
