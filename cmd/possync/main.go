// Command possync runs and inspects the offline-first POS sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/possync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
