// Command orchestrad is the composition root for the orchestration
// core: a single entry point exposing both the task CLI verbs and the
// long-running server (task store, supervisor, channel bridge, and
// HTTP/stream gateway).
package main

import (
	"fmt"
	"os"

	"github.com/orchestra/squadcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCodeFor(err))
	}
}
