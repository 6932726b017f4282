package main

import (
	"os"

	"bay.dev/bay/cli"
)

func main() {
	os.Exit(cli.Run(os.Args))
}
