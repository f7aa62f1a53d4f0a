package task

import (
	"context"
	"time"
)

// Store persists tasks, results, and (optionally) progress snapshots. The
// orchestrator treats persistence as an external collaborator; last known
// state wins.
type Store interface {
	SaveTask(ctx context.Context, t Task) (int64, error)
	LoadTask(ctx context.Context, id int64) (Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status Status, errText string) error
	IncrementRetries(ctx context.Context, id int64) (int, error)
	AppendResults(ctx context.Context, id int64, results []Result) error
	ListResults(ctx context.Context, id int64) ([]Result, error)
	UpdateProgress(ctx context.Context, id int64, p Progress) error
	Ping(ctx context.Context) error
}

// Notifier surfaces pause-for-intervention events to an operator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
