package engine

import (
	"errors"
	"fmt"

	"github.com/blastline/blastline/internal/channel"
)

var (
	// ErrAlreadyRunning is returned when starting a campaign that has a live run loop
	ErrAlreadyRunning = errors.New("campaign already running")

	// ErrNotRunning is returned for control calls on a campaign with no run to act on
	ErrNotRunning = errors.New("campaign is not running")

	// ErrTerminal is returned for control calls on a finished campaign
	ErrTerminal = errors.New("campaign is in a terminal state")

	// ErrShuttingDown is returned when the engine is stopping
	ErrShuttingDown = errors.New("engine is shutting down")
)

// ValidationError rejects bad configuration or input before a run starts
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// PreconditionError aborts a start without any state change
type PreconditionError struct {
	Reason string
	Err    error
}

func (e *PreconditionError) Error() string {
	if e.Err == nil {
		return "precondition failed: " + e.Reason
	}
	return fmt.Sprintf("precondition failed: %s: %v", e.Reason, e.Err)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// TaskError is a per-recipient failure; it is recorded on the task and
// always recovered locally, never propagated to the campaign status
type TaskError struct {
	TaskID   string
	Category channel.Category
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed (%s): %v", e.TaskID, e.Category, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// FatalError is account-level breakage that halts the run loop; it is never
// silently retried and requires an explicit forced restart
type FatalError struct {
	Category channel.Category
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("campaign fatal (%s): %v", e.Category, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
