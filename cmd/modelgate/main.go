// Package main is the entry point for the modelgate CLI.
package main

import (
	"os"

	"modelgate/cmd/modelgate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
