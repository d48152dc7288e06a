package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrLockContention means another worker claimed the row first. It is
	// not a failure; the batch is simply skipped.
	ErrLockContention = errors.New("job locked by another worker")

	// ErrStale is recorded on rows the recovery scan takes back from an
	// abandoned worker. It never reaches a caller.
	ErrStale = errors.New("processing exceeded stale threshold")

	// ErrExecutionTimeout is raised when Execute overruns its budget. It is
	// classified as recoverable.
	ErrExecutionTimeout = errors.New("execution exceeded time budget")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports bad registration or enqueue input. Nothing is
// persisted when it is returned.
type ValidationError struct {
	Op      string // register | enqueue
	JobType string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.JobType, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
