// Package main is the entry point for the parley CLI.
package main

import (
	"os"

	"github.com/parleyd/parley/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
