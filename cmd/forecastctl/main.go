package main

import (
	"fmt"
	"os"

	"github.com/kubilitics/kubilitics-forecast/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
