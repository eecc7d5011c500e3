package worker

import "errors"

// Sentinel errors returned unwrapped so callers can compare directly.
var (
	// ErrPoolNotStarted indicates Submit was called before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped indicates the pool has been stopped.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted indicates Start was called twice.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull indicates the work queue is at capacity; the caller
	// decides whether to drop or back off.
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilProcessor indicates a nil processor function was provided.
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout indicates workers were still busy when the stop
	// deadline expired.
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
