package main

import (
	"os"

	"github.com/docloop/docloop/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
