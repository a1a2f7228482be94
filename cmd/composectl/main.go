package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/nixpig/shellcompose/internal/protocol"
)

func main() {
	err := newCLI().rootCmd().Execute()
	if err == nil {
		return
	}

	// A child exit status is mirrored silently; everything else is
	// reported. Daemon-side errors exit 2, client-side errors exit 1.
	var status exitStatusError
	if errors.As(err, &status) {
		os.Exit(status.code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	var daemonErr *protocol.Error
	if errors.As(err, &daemonErr) {
		os.Exit(2)
	}

	os.Exit(1)
}

// exitStatusError carries a child process exit status through cobra to
// the process exit code.
type exitStatusError struct {
	code int
}

func (e exitStatusError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}
