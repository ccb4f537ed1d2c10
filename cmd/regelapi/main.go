// Command regelapi correlates calculation requests with the result sets an
// external rule engine publishes for them.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/regelapi/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
