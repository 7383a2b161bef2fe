package taskz

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors reported through JoinHandle results and Spawn.
var (
	// ErrCancelled is the terminal result of a task that was aborted or
	// shut down before its future completed.
	ErrCancelled = errors.New("task cancelled")

	// ErrShutdown is returned by Spawn when the runtime has begun
	// shutting down and no longer admits tasks.
	ErrShutdown = errors.New("runtime shutting down")
)

// JoinError carries the failure context for a task that did not produce
// its output: it was cancelled, it was swept up in a runtime shutdown, or
// its poll panicked. It wraps the underlying cause for errors.Is /
// errors.As chains.
type JoinError struct {
	Timestamp time.Time
	Task      ID
	Err       error
	Cancelled bool
	Panicked  bool
	// PanicValue holds the recovered panic payload when Panicked is set.
	PanicValue any
}

// Error implements the error interface.
func (e *JoinError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Panicked {
		return fmt.Sprintf("task %d panicked: %v", e.Task, e.PanicValue)
	}
	if e.Cancelled {
		return fmt.Sprintf("task %d cancelled", e.Task)
	}
	return fmt.Sprintf("task %d failed: %v", e.Task, e.Err)
}

// Unwrap returns the underlying error, supporting errors.Is and
// errors.As with the sentinel causes.
func (e *JoinError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsCancelled reports whether the task was cancelled (by Abort, by
// shutdown, or by a panicking poll) rather than finishing its future.
func (e *JoinError) IsCancelled() bool {
	return e != nil && e.Cancelled
}

// IsPanic reports whether the task's poll panicked.
func (e *JoinError) IsPanic() bool {
	return e != nil && e.Panicked
}

func newCancelledError(id ID, now time.Time) *JoinError {
	return &JoinError{
		Timestamp: now,
		Task:      id,
		Err:       ErrCancelled,
		Cancelled: true,
	}
}

func newPanicError(id ID, now time.Time, value any) *JoinError {
	return &JoinError{
		Timestamp:  now,
		Task:       id,
		Err:        ErrCancelled,
		Cancelled:  true,
		Panicked:   true,
		PanicValue: value,
	}
}
