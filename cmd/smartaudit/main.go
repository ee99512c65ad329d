// cmd/smartaudit/main.go
//
// This is the entry point for the SmartAudit CLI.
// Running `smartaudit` with no arguments opens the dashboard; the
// subcommands run headless audits and the local stub pipeline.

package main

import (
	"errors"
	"fmt"
	"os"
)

// exitError carries a process exit code without printing anything extra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
