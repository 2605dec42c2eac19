package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/streamtable/internal/config"
	"github.com/roach88/streamtable/internal/diag"
	"github.com/roach88/streamtable/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen  string // overrides the config's listen address
	TraceDB string // overrides the config's trace database
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve <config.yaml>",
		Short: "Serve tables over WebSockets",
		Long: `Serve the tables named in a config file.

Clients connect to /ws and send requests such as
{"func": "tabs", "call": "get_with_id", "params": [3]}, or subscribe to
tables that declare listen. /healthz and /debug/* report on the running
server. Stops on SIGINT or SIGTERM.

Examples:
  streamtable serve serve.yaml
  streamtable serve serve.yaml --listen :9000 --trace trace.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.TraceDB, "trace", "", "trace database path (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, path string, cmd *cobra.Command) error {
	logger := opts.logger()

	cfg, err := config.Load(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.TraceDB != "" {
		cfg.TraceDB = opts.TraceDB
	}

	registry := diag.Init(diag.WithLogger(logger), diag.WithWarnThreshold(cfg.TableWarnThreshold))
	defer diag.Teardown()

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithDiagnostics(registry))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			logger.Error("error closing server", "error", closeErr)
		}
	}()

	ctx, stop := signalContext(cmd)
	defer stop()

	logger.Info("server starting", "config", path, "tables", srv.TableNames(), "trace", cfg.TraceDB)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d table(s) on %s. Press Ctrl-C to stop.\n", len(srv.TableNames()), cfg.Listen)

	if err := srv.ListenAndServe(ctx); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
