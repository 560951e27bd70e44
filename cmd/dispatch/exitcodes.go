package main

import (
	"errors"

	"github.com/abdhe/llm-dispatch/pkg/align"
	"github.com/abdhe/llm-dispatch/pkg/dispatch"
)

// Exit codes for the CLI.
const (
	ExitOK           = 0 // All items dispatched.
	ExitFailure      = 1 // Backend or I/O failure.
	ExitInvalidInput = 2 // Bad flags, config, input file or ranges.
	ExitItemTooLarge = 3 // A single item exceeds the backend's limits.
	ExitAborted      = 4 // Declined at the confirmation prompt.
)

func exitCode(err error) int {
	var tooLarge *dispatch.ItemTooLargeError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &tooLarge):
		return ExitItemTooLarge
	case errors.Is(err, dispatch.ErrAborted):
		return ExitAborted
	case errors.Is(err, dispatch.ErrInvalidConfiguration), errors.Is(err, align.ErrInvalidRange), errors.Is(err, errInvalidInput):
		return ExitInvalidInput
	}
	return ExitFailure
}
