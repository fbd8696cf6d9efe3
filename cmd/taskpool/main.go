// Command taskpool runs functions on a pool of worker processes.
//
// Configuration comes from flags, TASKPOOL_* environment variables and an
// optional config.yaml in ./configs or the working directory.
package main

import (
	"errors"
	"fmt"
	"os"

	"taskpool/internal/domain"
)

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates the operation completed successfully.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates invalid command line arguments or configuration.
	ExitInvalidArgs = 2

	// ExitPoolUnavailable indicates the pool was shut down before the call ran.
	ExitPoolUnavailable = 3

	// ExitSerialization indicates a call or result could not cross the
	// process boundary.
	ExitSerialization = 4

	// ExitTaskFailed indicates the function failed or its worker died.
	ExitTaskFailed = 5
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFromError(err))
	}
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *usageError
	switch {
	case errors.As(err, &usage):
		return ExitInvalidArgs
	case errors.Is(err, domain.ErrInvalidConfiguration):
		return ExitInvalidArgs
	case errors.Is(err, domain.ErrPoolUnavailable):
		return ExitPoolUnavailable
	case errors.Is(err, domain.ErrSerialization):
		return ExitSerialization
	case errors.Is(err, domain.ErrWorkerFailure):
		return ExitTaskFailed
	default:
		return ExitGeneralError
	}
}
