// Package main provides the entry point for the semcode CLI.
package main

import (
	"os"

	"github.com/coderift/semcode/cmd/semcode/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
