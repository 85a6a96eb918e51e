package engine

import "errors"

// Errors shared across engine implementations.
var (
	// ErrAlreadyInitialized is returned by Init when the instance has
	// already been initialized. Reinitializing would corrupt the engine's
	// global state, so this fails fast instead.
	ErrAlreadyInitialized = errors.New("engine: already initialized")

	// ErrNotInitialized is returned by operations that require an
	// initialized instance.
	ErrNotInitialized = errors.New("engine: not initialized")

	// ErrTypeMismatch is returned when an operation is applied to an
	// object of the wrong kind, before any memory is reinterpreted.
	ErrTypeMismatch = errors.New("engine: type mismatch")

	// ErrUndefined is returned by lookups that resolve nothing.
	ErrUndefined = errors.New("engine: undefined binding")
)
