// Package main provides the entry point for the docsage CLI.
package main

import (
	"os"

	"github.com/docsage/docsage/cmd/docsage/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
