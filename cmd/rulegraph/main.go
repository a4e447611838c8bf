// Command rulegraph validates, expands, fires and runs rule definitions.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/rulegraph/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rulegraph: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
