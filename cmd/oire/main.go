package main

import (
	"fmt"
	"os"

	"github.com/roach88/oire/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "oire:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
