package autoupdate

import "errors"

// Control errors returned by Controller operations. Handlers map them to
// conflict (409) except ErrInvalidRequest (400).
var (
	// ErrRunning is returned by BuildQueue while a run is active.
	ErrRunning = errors.New("auto-update is running")

	// ErrAlreadyRunning is returned by Start when the run is already active.
	ErrAlreadyRunning = errors.New("auto-update already running")

	// ErrNotRunning is returned by Pause when no run is active.
	ErrNotRunning = errors.New("auto-update is not running")

	// ErrEmptyQueue is returned by Start when no queue has been built.
	ErrEmptyQueue = errors.New("queue is empty")

	// ErrNothingPending is returned by Start when every item is finished.
	ErrNothingPending = errors.New("no pending items in queue")

	// ErrInvalidRequest is returned for an unknown mode, filter or results filter.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotRetryable is returned by Retry for items that are not failed, or
	// while a run is active.
	ErrNotRetryable = errors.New("item cannot be retried")
)
