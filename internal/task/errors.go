package task

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a task id is unknown to the store.
var ErrNotFound = errors.New("task not found")

// ErrAlreadyRunning is returned when a spawn is requested for a task that
// already has a live worker process (process isolation invariant).
var ErrAlreadyRunning = errors.New("task already has a live worker process")

// ValidationError reports bad task input. It is returned synchronously,
// never retried, and never mutates task state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError reports an illegal lifecycle change. The lifecycle
// manager rejects these rather than coercing state.
type InvalidTransitionError struct {
	TaskID int64
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %d: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// SpawnError reports an OS-level failure to create a worker process. The
// task remains Pending.
type SpawnError struct {
	TaskID int64
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("task %d: spawn worker: %v", e.TaskID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CrashError reports an unexpected worker exit (non-zero code, no prior
// Completed message). Subject to the classifier's retry budget.
type CrashError struct {
	TaskID   int64
	ExitCode int
	Attempt  int
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("task %d: worker crashed with exit code %d (attempt %d)", e.TaskID, e.ExitCode, e.Attempt)
}

// AntiBotError reports a CAPTCHA or equivalent challenge detected mid-scrape.
// It is a pause-for-intervention signal, not a failure.
type AntiBotError struct {
	Kind NotificationKind
	URL  string
}

func (e *AntiBotError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("anti-bot challenge detected (%s)", e.Kind)
	}
	return fmt.Sprintf("anti-bot challenge detected (%s) at %s", e.Kind, e.URL)
}
