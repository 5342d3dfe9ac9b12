// Package main is the entry point for the restreamd daemon.
package main

import (
	"os"

	"github.com/dhaslett/restreamd/cmd/restreamd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
