package async

import "errors"

var (
	// ErrChannelClosed is returned when dispatching to a worker or pool
	// whose receiving side has terminated. Not retryable.
	ErrChannelClosed = errors.New("async: channel closed")

	// ErrChannelFull is returned by TryDispatch when the bounded task
	// channel is full. The dispatcher is still unsent and may be retried;
	// this is backpressure, not failure.
	ErrChannelFull = errors.New("async: channel full")

	// ErrWorkerDied is returned when the worker's scheduler itself
	// panicked. Per-task panics are caught and reported per task; this is
	// the fatal variant.
	ErrWorkerDied = errors.New("async: worker died")

	// ErrPoolClosed is returned by operations on a pool whose last worker
	// has been removed.
	ErrPoolClosed = errors.New("async: pool closed")
)
