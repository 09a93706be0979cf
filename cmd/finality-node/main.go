package main

import (
	"os"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "AlephFinality-Engine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
