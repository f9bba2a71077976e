package main

import (
	"os"

	"github.com/marmos91/tallyd/cmd/tallyd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
