// Command cdcrun runs change-data-capture handler workers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/cdcrun/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		// Commands print their own errors; anything else reaches here.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
