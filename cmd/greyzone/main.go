// ABOUTME: Entry point for the greyzone submitter CLI
// ABOUTME: Exits with the approved command's exit code when waiting on a request

package main

import (
	"errors"
	"fmt"
	"os"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

// exitError carries a process exit code without printing anything.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
