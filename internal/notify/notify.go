// Package notify delivers pause-for-intervention notifications to operators.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/task"
)

// LogNotifier writes notifications to the structured log. It is the default
// sink when no external channel is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wires a zap logger to the notifier interface.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification at warn level so operators see it.
func (n *LogNotifier) Notify(_ context.Context, note task.Notification) error {
	n.logger.Warn("task needs operator attention",
		zap.Int64("task_id", note.TaskID),
		zap.String("kind", string(note.Kind)),
		zap.String("message", note.Message),
		zap.String("url", note.URL),
	)
	return nil
}

// MemoryNotifier records notifications for inspection; used in tests and by
// the status API's recent-notifications endpoint.
type MemoryNotifier struct {
	mu    sync.Mutex
	notes []task.Notification
}

// NewMemoryNotifier constructs an empty MemoryNotifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// Notify appends the notification.
func (n *MemoryNotifier) Notify(_ context.Context, note task.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

// Notifications returns a copy of everything recorded so far.
func (n *MemoryNotifier) Notifications() []task.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]task.Notification, len(n.notes))
	copy(out, n.notes)
	return out
}

// Fanout delivers each notification to every wrapped notifier, returning the
// first error encountered.
type Fanout struct {
	sinks []task.Notifier
}

// NewFanout constructs a Fanout over the given sinks.
func NewFanout(sinks ...task.Notifier) *Fanout {
	return &Fanout{sinks: sinks}
}

// Notify fans the notification out in order.
func (f *Fanout) Notify(ctx context.Context, note task.Notification) error {
	var first error
	for _, s := range f.sinks {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, note); err != nil && first == nil {
			first = err
		}
	}
	return first
}
