package commands

import (
	"fmt"

	"bay.dev/bay/version"
)

type VersionCommand struct{}

func (c *VersionCommand) Synopsis() string {
	return "Print version information"
}

func (c *VersionCommand) Help() string {
	return "Usage: bay version"
}

func (c *VersionCommand) Run(args []string) int {
	fmt.Println(version.GetInfo().String())
	return 0
}
