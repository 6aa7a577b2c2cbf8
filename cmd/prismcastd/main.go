// Package main is the entry point for the prismcast application.
package main

import (
	"os"

	"github.com/tresby/prismcast/cmd/prismcastd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
