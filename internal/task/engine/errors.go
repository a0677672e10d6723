package engine

import "errors"

var (
	ErrStopped = errors.New("job engine stopped")
	// ErrOverlap means a dequeued job's type was already running in this
	// process. The queue should make this impossible.
	ErrOverlap = errors.New("job type already running")
)
