// Command test-run is the application entry point: builds the cobra
// command tree, executes it, and selects the process exit code from the
// taxonomy cli.ExitCode() records after a run/reproduce command completes.
//
// Grounded on the teacher's cmd/queue/main.go: build-time version
// injection via ldflags, a top-level panic recovery, build-and-Execute.
package main

import (
	"fmt"
	"os"

	"github.com/tarantool/test-run/internal/cli"
	"github.com/tarantool/test-run/internal/dispatcher"
)

var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(dispatcher.ExitUnknown)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(dispatcher.ExitUnknown)
	}

	os.Exit(cli.ExitCode())
}
