// Package classifier maps worker failure events to recovery decisions. It is
// pure policy: it records attempts and emits notifications but never touches
// processes or task state itself; the lifecycle manager executes whatever
// decision comes back.
package classifier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/metrics"
	"github.com/leadgrid/scraperd/internal/task"
)

// Decision is the recovery action the lifecycle manager should take.
type Decision int

const (
	// DecisionContinue means no state change: the worker handles the
	// condition cooperatively on its own.
	DecisionContinue Decision = iota
	// DecisionRespawn means start a fresh worker process for the task.
	DecisionRespawn
	// DecisionPause means transition the task to paused and wait for an
	// operator to intervene.
	DecisionPause
	// DecisionFail means transition the task to failed permanently.
	DecisionFail
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionRespawn:
		return "respawn"
	case DecisionPause:
		return "pause"
	case DecisionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Config tunes the classifier.
type Config struct {
	// RetryBudget is the number of automatic respawns allowed per task
	// after crashes. Once exhausted, the next crash fails the task.
	RetryBudget int
}

// Classifier decides how the orchestrator reacts to worker failures.
type Classifier struct {
	cfg      Config
	store    task.Store
	notifier task.Notifier
	logger   *zap.Logger
	clock    task.Clock
}

// New constructs a Classifier. A nil notifier disables notifications; a nil
// clock falls back to wall time.
func New(cfg Config, store task.Store, notifier task.Notifier, logger *zap.Logger, clock task.Clock) *Classifier {
	if cfg.RetryBudget < 0 {
		cfg.RetryBudget = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Classifier{cfg: cfg, store: store, notifier: notifier, logger: logger, clock: clock}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// ClassifyCrash handles an unexpected worker exit. Each crash consumes one
// unit of the task's retry budget; while budget remains the decision is
// respawn, afterwards the task fails and the operator is notified.
func (c *Classifier) ClassifyCrash(ctx context.Context, crash *task.CrashError) (Decision, error) {
	attempts, err := c.store.IncrementRetries(ctx, crash.TaskID)
	if err != nil {
		return DecisionFail, fmt.Errorf("record crash for task %d: %w", crash.TaskID, err)
	}
	crash.Attempt = attempts

	if attempts <= c.cfg.RetryBudget {
		c.logger.Warn("worker crashed, respawning",
			zap.Int64("task_id", crash.TaskID),
			zap.Int("exit_code", crash.ExitCode),
			zap.Int("attempt", attempts),
			zap.Int("retry_budget", c.cfg.RetryBudget),
		)
		metrics.ObserveRestart()
		return DecisionRespawn, nil
	}

	c.logger.Error("worker crashed, retry budget exhausted",
		zap.Int64("task_id", crash.TaskID),
		zap.Int("exit_code", crash.ExitCode),
		zap.Int("attempt", attempts),
	)
	c.notify(ctx, task.Notification{
		TaskID:  crash.TaskID,
		Kind:    task.NotifyRetryBudget,
		Message: fmt.Sprintf("worker crashed %d times (exit code %d), giving up", attempts, crash.ExitCode),
		At:      c.clock.Now(),
	})
	return DecisionFail, nil
}

// ClassifyChallenge handles a CAPTCHA or equivalent anti-bot block. The task
// pauses for manual intervention and the operator is notified; the retry
// budget is untouched because a respawn would hit the same wall.
func (c *Classifier) ClassifyChallenge(ctx context.Context, taskID int64, challenge *task.AntiBotError) Decision {
	c.logger.Warn("anti-bot challenge detected, pausing task",
		zap.Int64("task_id", taskID),
		zap.String("kind", string(challenge.Kind)),
		zap.String("url", challenge.URL),
	)
	metrics.ObserveIntervention(string(challenge.Kind))
	c.notify(ctx, task.Notification{
		TaskID:  taskID,
		Kind:    challenge.Kind,
		Message: challenge.Error(),
		URL:     challenge.URL,
		At:      c.clock.Now(),
	})
	return DecisionPause
}

// ClassifyRateLimited handles a platform throttle signal. The worker backs
// off cooperatively, so this is observability only.
func (c *Classifier) ClassifyRateLimited(taskID int64, platform string, retryAfter time.Duration) Decision {
	c.logger.Info("platform rate limit hit, worker backing off",
		zap.Int64("task_id", taskID),
		zap.String("platform", platform),
		zap.Duration("retry_after", retryAfter),
	)
	metrics.ObserveRateLimitDelay(platform, retryAfter)
	return DecisionContinue
}

func (c *Classifier) notify(ctx context.Context, n task.Notification) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.logger.Error("notification delivery failed",
			zap.Int64("task_id", n.TaskID),
			zap.String("kind", string(n.Kind)),
			zap.Error(err),
		)
	}
}
