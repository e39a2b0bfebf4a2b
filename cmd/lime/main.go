package main

import (
	"os"

	"lime/cmd/lime/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
