package main

import (
	"github.com/stowage-io/stowage/internal/simplecli"
	"github.com/stowage-io/stowage/pkg/cli"
	"os"
)

func main() {
	if err := simplecli.Run(&cli.Runner{}, os.Args); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
