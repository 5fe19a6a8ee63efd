// Package main is the entry point for the flaretrack CLI tool.
package main

import (
	"os"

	"github.com/flaretrack/flaretrack/cmd/flarectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
