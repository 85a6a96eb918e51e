package rt

import "errors"

var (
	// ErrIncorrectState is returned when an operation required the calling
	// thread to be in a specific engine state, e.g. creating a weak handle
	// without an active thread state.
	ErrIncorrectState = errors.New("rt: incorrect thread state")

	// ErrClosed is returned by operations on a runtime handle that has
	// been shut down.
	ErrClosed = errors.New("rt: runtime closed")

	// ErrCollected is returned when upgrading a weak handle whose target
	// has been collected.
	ErrCollected = errors.New("rt: target was collected")
)
