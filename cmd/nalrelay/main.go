// Package main is the entry point for the nalrelay command.
package main

import (
	"os"

	"github.com/zsiec/nalrelay/cmd/nalrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
