package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned at dispatch start for settings that
	// cannot work, such as an insertion backend with a batch size other than 1.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrAborted is returned when the confirmation hook declines a dispatch.
	ErrAborted = errors.New("dispatch aborted")
)

// ItemTooLargeError reports a single request item the backend rejects even
// in a batch of its own. It is fatal: there is nothing left to split.
type ItemTooLargeError struct {
	Index int    // position in the caller's request list
	Item  string // the offending prompt or text
	Err   error  // the backend's batch-too-large error
}

func (e *ItemTooLargeError) Error() string {
	return fmt.Sprintf("dispatch: item %d is too large for the backend: %v", e.Index, e.Err)
}

func (e *ItemTooLargeError) Unwrap() error { return e.Err }
