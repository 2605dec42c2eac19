// Command streamtable serves, queries and debugs declared tables over
// WebSocket connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/streamtable/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "streamtable: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
