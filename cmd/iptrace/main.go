package main

import (
	"os"
)

func main() {
	// cobra already prints the error, so only the exit code is set here
	if err := newRootCmd().Execute(); err != nil {
		osExit(1)
	}
}

// For CLI unit tests...
var osExit = os.Exit
