// Package main provides the entry point for the kvdb admin CLI.
package main

import (
	"os"

	"github.com/kvdb/engine/cmd/kvdb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
