package interleave

import (
	"errors"
	"fmt"
	"time"
)

// Usage errors. These indicate a broken worker script, not a broken environment.
var (
	// ErrReentry is returned when a worker arrives twice at a checkpoint
	// that has not released yet.
	ErrReentry = errors.New("worker already arrived at checkpoint")

	// ErrCheckpointReleased is returned when a worker arrives at a checkpoint
	// that already released. Each checkpoint is consumed once per run.
	ErrCheckpointReleased = errors.New("checkpoint already released")

	// ErrUnknownCheckpoint is returned by Arrive for an undefined name.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrDuplicateCheckpoint is returned by Define for a name already defined.
	ErrDuplicateCheckpoint = errors.New("checkpoint already defined")

	// ErrNoWorker is returned by Arrive when ctx carries no worker identity.
	ErrNoWorker = errors.New("context carries no worker")

	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("coordinator already ran")
)

// CheckpointTimeoutError is raised when a checkpoint does not collect its
// expected arrivals within the arrive bound. It cancels the whole run.
type CheckpointTimeoutError struct {
	Name     string
	Arrived  int
	Expected int
	Waiting  []string
}

func (e *CheckpointTimeoutError) Error() string {
	return fmt.Sprintf("checkpoint %q timed out: %d of %d arrivals (waiting: %v)",
		e.Name, e.Arrived, e.Expected, e.Waiting)
}

// HarnessTimeoutError is raised when a whole run exceeds its bound.
type HarnessTimeoutError struct {
	Bound time.Duration
}

func (e *HarnessTimeoutError) Error() string {
	return fmt.Sprintf("run exceeded %s", e.Bound)
}

// IsCheckpointTimeout checks if an error is a CheckpointTimeoutError.
// Uses errors.As to handle wrapped errors.
func IsCheckpointTimeout(err error) bool {
	var target *CheckpointTimeoutError
	return errors.As(err, &target)
}

// IsHarnessTimeout checks if an error is a HarnessTimeoutError.
func IsHarnessTimeout(err error) bool {
	var target *HarnessTimeoutError
	return errors.As(err, &target)
}

// IsHarnessFailure reports whether err means the run itself is broken
// (timeouts), as opposed to a business or assertion failure.
func IsHarnessFailure(err error) bool {
	return IsCheckpointTimeout(err) || IsHarnessTimeout(err)
}
