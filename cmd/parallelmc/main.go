// Command parallelmc runs Monte-Carlo simulations across a group of
// cooperating processes.
package main

import (
	"os"

	"github.com/Iron-Ham/parallelmc/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
