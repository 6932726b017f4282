// Package cli is the bay command entrypoint.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/cli"

	"bay.dev/bay/cli/commands"
	"bay.dev/bay/version"
)

func Run(args []string) int {
	c := cli.NewCLI("bay", version.Version)
	c.Commands = commands.All()
	c.Args = args[1:]

	exitStatus, err := c.Run()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Printf("ERROR: %s\n", err)
			return 1
		}
	}

	return exitStatus
}
