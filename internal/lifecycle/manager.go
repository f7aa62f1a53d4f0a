// Package lifecycle drives tasks through their state machine. The manager is
// the only component allowed to change a task's status; it consumes worker
// events from the supervisor, executes the classifier's recovery decisions,
// and exposes the operations the API layer calls.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/archive"
	"github.com/leadgrid/scraperd/internal/classifier"
	"github.com/leadgrid/scraperd/internal/metrics"
	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/supervisor"
	"github.com/leadgrid/scraperd/internal/task"
)

// WorkerSupervisor is the slice of the supervisor the manager drives.
type WorkerSupervisor interface {
	Spawn(ctx context.Context, t task.Task, info protocol.PlatformInfo) (supervisor.Handle, error)
	Send(taskID int64, msg protocol.Message) error
	Terminate(ctx context.Context, taskID int64) error
}

// Policy is the slice of the failure classifier the manager consults.
type Policy interface {
	ClassifyCrash(ctx context.Context, crash *task.CrashError) (classifier.Decision, error)
	ClassifyChallenge(ctx context.Context, taskID int64, challenge *task.AntiBotError) classifier.Decision
	ClassifyRateLimited(taskID int64, platform string, retryAfter time.Duration) classifier.Decision
}

// Config wires the manager's collaborators that are data, not behavior.
type Config struct {
	// Platforms maps platform keys to the info handed to workers.
	Platforms map[string]protocol.PlatformInfo
}

// Manager owns task state. It implements supervisor.Sink.
type Manager struct {
	cfg      Config
	store    task.Store
	sup      WorkerSupervisor
	policy   Policy
	archiver *archive.Archiver
	logger   *zap.Logger
	clock    task.Clock

	mu       sync.RWMutex
	progress map[int64]task.Progress
}

// New constructs a Manager.
func New(cfg Config, store task.Store, sup WorkerSupervisor, policy Policy, archiver *archive.Archiver, logger *zap.Logger, clock task.Clock) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		sup:      sup,
		policy:   policy,
		archiver: archiver,
		logger:   logger,
		clock:    clock,
		progress: make(map[int64]task.Progress),
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// CreateTask validates and persists a new task at Pending.
func (m *Manager) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	if _, ok := m.cfg.Platforms[t.Platform]; !ok {
		return task.Task{}, &task.ValidationError{
			Field:  "platform",
			Reason: fmt.Sprintf("unknown platform %q", t.Platform),
		}
	}
	t.Status = task.StatusPending
	t.Retries = 0
	id, err := m.store.SaveTask(ctx, t)
	if err != nil {
		return task.Task{}, fmt.Errorf("save task: %w", err)
	}
	metrics.ObserveTransition(string(task.StatusPending))
	m.logger.Info("task created",
		zap.Int64("task_id", id),
		zap.String("platform", t.Platform),
		zap.Strings("keywords", t.Keywords),
	)
	return m.store.LoadTask(ctx, id)
}

// StartTask spawns a worker for a Pending task and moves it to InProgress.
// A task scheduled for the future is rejected until its time arrives.
func (m *Manager) StartTask(ctx context.Context, id int64) error {
	t, err := m.store.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPending {
		return &task.InvalidTransitionError{TaskID: id, From: t.Status, To: task.StatusInProgress}
	}
	if t.ScheduledAt != nil && m.clock.Now().Before(*t.ScheduledAt) {
		return &task.ValidationError{
			Field:  "scheduled_at",
			Reason: fmt.Sprintf("task is scheduled for %s", t.ScheduledAt.Format(time.RFC3339)),
		}
	}
	return m.spawn(ctx, t)
}

// PauseTask asks the worker to suspend. The status flips to Paused when the
// worker acknowledges with TaskPaused.
func (m *Manager) PauseTask(ctx context.Context, id int64) error {
	t, err := m.store.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusInProgress {
		return &task.InvalidTransitionError{TaskID: id, From: t.Status, To: task.StatusPaused}
	}
	return m.sup.Send(id, &protocol.Pause{Header: protocol.NewHeader(protocol.TypePause, id)})
}

// ResumeTask continues a Paused task. If the worker is still alive (a
// self-pause after a challenge) it receives Resume; otherwise a fresh worker
// is spawned.
func (m *Manager) ResumeTask(ctx context.Context, id int64) error {
	t, err := m.store.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusPaused {
		return &task.InvalidTransitionError{TaskID: id, From: t.Status, To: task.StatusInProgress}
	}
	err = m.sup.Send(id, &protocol.Resume{Header: protocol.NewHeader(protocol.TypeResume, id)})
	if err == nil {
		return nil
	}
	if !errors.Is(err, task.ErrNotFound) {
		return err
	}
	// No live worker; start over from the last persisted state.
	return m.spawn(ctx, t)
}

// CancelTask terminates any live worker and moves the task to Cancelled.
// Cancelling a task already in a terminal state is a no-op.
func (m *Manager) CancelTask(ctx context.Context, id int64) error {
	t, err := m.store.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	if !t.Status.CanTransition(task.StatusCancelled) {
		return &task.InvalidTransitionError{TaskID: id, From: t.Status, To: task.StatusCancelled}
	}
	if err := m.sup.Terminate(ctx, id); err != nil {
		return fmt.Errorf("terminate worker for task %d: %w", id, err)
	}
	return m.setStatus(ctx, id, t.Status, task.StatusCancelled, "")
}

// GetTask returns the persisted task.
func (m *Manager) GetTask(ctx context.Context, id int64) (task.Task, error) {
	return m.store.LoadTask(ctx, id)
}

// GetProgress returns the live progress snapshot for a task.
func (m *Manager) GetProgress(id int64) (task.Progress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[id]
	return p, ok
}

// ListResults returns everything scraped for the task so far.
func (m *Manager) ListResults(ctx context.Context, id int64) ([]task.Result, error) {
	return m.store.ListResults(ctx, id)
}

// HandleMessage consumes one decoded worker event.
func (m *Manager) HandleMessage(ctx context.Context, msg protocol.Message) {
	id := msg.Task()
	switch v := msg.(type) {
	case *protocol.ScrapingStarted:
		m.logger.Info("scraping started", zap.Int64("task_id", id))

	case *protocol.Progress:
		p := v.Progress
		p.ClampPercentage()
		p.UpdatedAt = m.clock.Now()
		m.recordProgress(ctx, id, p)

	case *protocol.ScrapingPageComplete:
		m.mu.RLock()
		p := m.progress[id]
		m.mu.RUnlock()
		p.CurrentPage = v.Page
		p.TotalPages = v.TotalPages
		p.UpdatedAt = m.clock.Now()
		p.ClampPercentage()
		m.recordProgress(ctx, id, p)

	case *protocol.ScrapingResultFound:
		if err := m.store.AppendResults(ctx, id, []task.Result{v.Result}); err != nil {
			m.logger.Error("persist result failed", zap.Int64("task_id", id), zap.Error(err))
		}
		m.bumpResultCount(ctx, id, 1)
		metrics.ObserveResults(v.Result.Platform, 1)

	case *protocol.Completed:
		m.completeTask(ctx, id, v.Results)

	case *protocol.Error:
		m.logger.Error("worker reported fatal error",
			zap.Int64("task_id", id), zap.String("error", v.ErrorText))
		t, err := m.store.LoadTask(ctx, id)
		if err != nil || t.Status.Terminal() {
			// A straggler from a dying worker; the recorded outcome stands.
			return
		}
		if err := m.setStatus(ctx, id, t.Status, task.StatusFailed, v.ErrorText); err != nil {
			m.logger.Error("mark task failed", zap.Int64("task_id", id), zap.Error(err))
		}

	case *protocol.ScrapingRateLimited:
		t, err := m.store.LoadTask(ctx, id)
		if err != nil {
			return
		}
		m.policy.ClassifyRateLimited(id, t.Platform, 0)

	case *protocol.ScrapingCaptchaDetected:
		challenge := &task.AntiBotError{Kind: task.NotifyCaptcha, URL: v.URL}
		if m.policy.ClassifyChallenge(ctx, id, challenge) == classifier.DecisionPause {
			if err := m.setStatus(ctx, id, task.StatusInProgress, task.StatusPaused, challenge.Error()); err != nil {
				m.logger.Error("pause task after challenge", zap.Int64("task_id", id), zap.Error(err))
			}
		}

	case *protocol.TaskPaused:
		t, err := m.store.LoadTask(ctx, id)
		if err != nil || t.Status != task.StatusInProgress {
			return
		}
		if err := m.setStatus(ctx, id, t.Status, task.StatusPaused, ""); err != nil {
			m.logger.Error("record pause ack", zap.Int64("task_id", id), zap.Error(err))
		}

	case *protocol.TaskResumed:
		t, err := m.store.LoadTask(ctx, id)
		if err != nil || t.Status != task.StatusPaused {
			return
		}
		if err := m.setStatus(ctx, id, t.Status, task.StatusInProgress, ""); err != nil {
			m.logger.Error("record resume ack", zap.Int64("task_id", id), zap.Error(err))
		}

	default:
		m.logger.Warn("unhandled worker message",
			zap.Int64("task_id", id), zap.String("type", string(msg.Type())))
	}
}

// HandleExit consumes a worker exit report. Clean exits need no action; an
// unexpected exit of an InProgress task goes through the crash policy.
func (m *Manager) HandleExit(ctx context.Context, taskID int64, exitCode int, clean bool) {
	if clean {
		return
	}
	t, err := m.store.LoadTask(ctx, taskID)
	if err != nil {
		m.logger.Error("load task after worker exit", zap.Int64("task_id", taskID), zap.Error(err))
		return
	}
	if t.Status != task.StatusInProgress {
		// Terminal or paused already; nothing to recover.
		return
	}

	crash := &task.CrashError{TaskID: taskID, ExitCode: exitCode}
	decision, err := m.policy.ClassifyCrash(ctx, crash)
	if err != nil {
		m.logger.Error("classify crash", zap.Int64("task_id", taskID), zap.Error(err))
		decision = classifier.DecisionFail
	}

	switch decision {
	case classifier.DecisionRespawn:
		fresh, loadErr := m.store.LoadTask(ctx, taskID)
		if loadErr != nil {
			m.logger.Error("reload task for respawn", zap.Int64("task_id", taskID), zap.Error(loadErr))
			return
		}
		info := m.cfg.Platforms[fresh.Platform]
		if _, spawnErr := m.sup.Spawn(ctx, fresh, info); spawnErr != nil {
			m.logger.Error("respawn worker", zap.Int64("task_id", taskID), zap.Error(spawnErr))
			if err := m.setStatus(ctx, taskID, task.StatusInProgress, task.StatusFailed, spawnErr.Error()); err != nil {
				m.logger.Error("mark task failed", zap.Int64("task_id", taskID), zap.Error(err))
			}
		}
	case classifier.DecisionFail:
		if err := m.setStatus(ctx, taskID, task.StatusInProgress, task.StatusFailed, crash.Error()); err != nil {
			m.logger.Error("mark task failed", zap.Int64("task_id", taskID), zap.Error(err))
		}
	}
}

// Shutdown drops the live progress cache. Worker teardown belongs to the
// supervisor.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = make(map[int64]task.Progress)
}

func (m *Manager) spawn(ctx context.Context, t task.Task) error {
	info, ok := m.cfg.Platforms[t.Platform]
	if !ok {
		return fmt.Errorf("no platform configured for %q", t.Platform)
	}
	if _, err := m.sup.Spawn(ctx, t, info); err != nil {
		// The task keeps its current status; spawn failures are surfaced
		// to the caller, not recorded as a lifecycle change.
		return err
	}
	return m.setStatus(ctx, t.ID, t.Status, task.StatusInProgress, "")
}

func (m *Manager) completeTask(ctx context.Context, id int64, results []task.Result) {
	t, err := m.store.LoadTask(ctx, id)
	if err != nil {
		m.logger.Error("load task for completion", zap.Int64("task_id", id), zap.Error(err))
		return
	}
	if t.Status.Terminal() {
		// A straggler from a dying worker; the recorded outcome stands.
		m.logger.Warn("dropping completion for finished task",
			zap.Int64("task_id", id), zap.String("status", string(t.Status)))
		return
	}
	if len(results) > 0 {
		if err := m.store.AppendResults(ctx, id, results); err != nil {
			m.logger.Error("persist final results", zap.Int64("task_id", id), zap.Error(err))
		}
	}
	if err := m.setStatus(ctx, id, t.Status, task.StatusCompleted, ""); err != nil {
		m.logger.Error("mark task completed", zap.Int64("task_id", id), zap.Error(err))
		return
	}

	t, err = m.store.LoadTask(ctx, id)
	if err != nil {
		return
	}
	all, err := m.store.ListResults(ctx, id)
	if err != nil {
		m.logger.Error("load results for archive", zap.Int64("task_id", id), zap.Error(err))
		return
	}
	metrics.ObserveResults(t.Platform, len(results))
	uri, err := m.archiver.Archive(ctx, t, all)
	if err != nil {
		m.logger.Error("archive results", zap.Int64("task_id", id), zap.Error(err))
		return
	}
	if uri != "" {
		m.logger.Info("results archived", zap.Int64("task_id", id), zap.String("uri", uri))
	}
}

// setStatus enforces the transition table before writing the new status.
func (m *Manager) setStatus(ctx context.Context, id int64, from, to task.Status, errText string) error {
	if !from.CanTransition(to) {
		return &task.InvalidTransitionError{TaskID: id, From: from, To: to}
	}
	if err := m.store.UpdateTaskStatus(ctx, id, to, errText); err != nil {
		return fmt.Errorf("update task %d status: %w", id, err)
	}
	metrics.ObserveTransition(string(to))
	m.logger.Info("task transitioned",
		zap.Int64("task_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (m *Manager) recordProgress(ctx context.Context, id int64, p task.Progress) {
	m.mu.Lock()
	m.progress[id] = p
	m.mu.Unlock()
	if err := m.store.UpdateProgress(ctx, id, p); err != nil {
		m.logger.Debug("persist progress failed", zap.Int64("task_id", id), zap.Error(err))
	}
}

func (m *Manager) bumpResultCount(ctx context.Context, id int64, n int) {
	m.mu.Lock()
	p := m.progress[id]
	p.ResultsCount += n
	p.UpdatedAt = m.clock.Now()
	m.progress[id] = p
	m.mu.Unlock()
	if err := m.store.UpdateProgress(ctx, id, p); err != nil {
		m.logger.Debug("persist progress failed", zap.Int64("task_id", id), zap.Error(err))
	}
}
