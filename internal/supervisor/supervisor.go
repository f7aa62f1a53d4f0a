// Package supervisor owns the worker processes: one OS process per task,
// spawned on demand, tracked in a handle registry, and terminated with a
// grace period. Everything the workers say arrives here first and is handed
// to a Sink for interpretation.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/metrics"
	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/task"
)

// Proc is a live worker process. ExecLauncher backs it with os/exec; tests
// back it with pipes.
type Proc interface {
	PID() int
	Stdin() io.Writer
	Stdout() io.Reader
	Signal(sig syscall.Signal) error
	Kill() error
	Wait() (exitCode int, err error)
}

// Launcher creates worker processes.
type Launcher interface {
	Launch(ctx context.Context, t task.Task) (Proc, error)
}

// Sink receives decoded worker events and exit reports. The supervisor never
// interprets messages beyond completion tracking; policy lives behind this
// interface.
type Sink interface {
	HandleMessage(ctx context.Context, msg protocol.Message)
	HandleExit(ctx context.Context, taskID int64, exitCode int, clean bool)
}

// Handle is the public view of one tracked worker process.
type Handle struct {
	TaskID          int64     `json:"task_id"`
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"started_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// Health is the supervisor's contribution to the daemon health report.
type Health struct {
	ProcessIsolation bool `json:"process_isolation"`
	TotalProcesses   int  `json:"total_processes"`
}

// Config tunes the supervisor.
type Config struct {
	// GracePeriod is how long Terminate waits after SIGTERM before
	// escalating to SIGKILL.
	GracePeriod time.Duration
	// MaxActiveWorkers caps concurrent worker processes. Zero means
	// unlimited.
	MaxActiveWorkers int
}

type procHandle struct {
	taskID    int64
	proc      Proc
	writer    *protocol.Writer
	startedAt time.Time
	done      chan struct{}

	mu           sync.Mutex
	lastSeen     time.Time
	sawCompleted bool
	stopping     bool
}

// Supervisor tracks worker processes keyed by task id.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger
	clock    task.Clock

	mu      sync.RWMutex
	handles map[int64]*procHandle
	sink    Sink
}

// New constructs a Supervisor. The Sink is attached later with SetSink so
// the consumer can hold a reference to the supervisor itself.
func New(cfg Config, launcher Launcher, logger *zap.Logger, clock task.Clock) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		clock:    clock,
		handles:  make(map[int64]*procHandle),
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// SetSink attaches the message consumer. Must be called before Spawn.
func (s *Supervisor) SetSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Spawn creates a worker process for the task and sends it the Start
// message. A task with a live worker is rejected with ErrAlreadyRunning; the
// registry holds at most one process per task id.
func (s *Supervisor) Spawn(ctx context.Context, t task.Task, info protocol.PlatformInfo) (Handle, error) {
	s.mu.Lock()
	if _, exists := s.handles[t.ID]; exists {
		s.mu.Unlock()
		return Handle{}, task.ErrAlreadyRunning
	}
	if s.cfg.MaxActiveWorkers > 0 && len(s.handles) >= s.cfg.MaxActiveWorkers {
		s.mu.Unlock()
		return Handle{}, fmt.Errorf("worker limit of %d reached", s.cfg.MaxActiveWorkers)
	}
	// Reserve the slot before the (slow) launch so a concurrent Spawn for
	// the same task fails fast.
	s.handles[t.ID] = nil
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx, t)
	if err != nil {
		s.unregister(t.ID)
		return Handle{}, &task.SpawnError{TaskID: t.ID, Err: err}
	}

	now := s.clock.Now()
	h := &procHandle{
		taskID:    t.ID,
		proc:      proc,
		writer:    protocol.NewWriter(proc.Stdin()),
		startedAt: now,
		lastSeen:  now,
		done:      make(chan struct{}),
	}

	start := &protocol.Start{
		Header:       protocol.NewHeader(protocol.TypeStart, t.ID),
		TaskData:     t,
		PlatformInfo: info,
	}
	if err := h.writer.Send(start); err != nil {
		_ = proc.Kill()
		_, _ = proc.Wait()
		s.unregister(t.ID)
		return Handle{}, &task.SpawnError{TaskID: t.ID, Err: fmt.Errorf("send start message: %w", err)}
	}

	s.mu.Lock()
	s.handles[t.ID] = h
	count := len(s.handles)
	s.mu.Unlock()
	metrics.SetActiveWorkers(count)

	s.logger.Info("worker spawned",
		zap.Int64("task_id", t.ID),
		zap.Int("pid", proc.PID()),
		zap.String("platform", t.Platform),
	)

	go s.pump(h)
	return s.snapshot(h), nil
}

// Send forwards a control message to the task's worker.
func (s *Supervisor) Send(taskID int64, msg protocol.Message) error {
	s.mu.RLock()
	h := s.handles[taskID]
	s.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("task %d: %w", taskID, task.ErrNotFound)
	}
	return h.writer.Send(msg)
}

// Terminate stops the task's worker: SIGTERM, a grace period, then SIGKILL.
// Terminating a task with no live worker is a no-op.
func (s *Supervisor) Terminate(ctx context.Context, taskID int64) error {
	s.mu.RLock()
	h := s.handles[taskID]
	s.mu.RUnlock()
	if h == nil {
		return nil
	}

	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	if err := h.proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM failed, escalating",
			zap.Int64("task_id", taskID), zap.Error(err))
		_ = h.proc.Kill()
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(s.cfg.GracePeriod):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Warn("worker ignored SIGTERM, sending SIGKILL",
		zap.Int64("task_id", taskID),
		zap.Int("pid", h.proc.PID()),
	)
	if err := h.proc.Kill(); err != nil {
		return fmt.Errorf("kill worker for task %d: %w", taskID, err)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessCount returns the number of live workers. Slots reserved for a
// launch still in flight are not counted.
func (s *Supervisor) ProcessCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, h := range s.handles {
		if h != nil {
			count++
		}
	}
	return count
}

// ActiveProcesses lists the tracked workers.
func (s *Supervisor) ActiveProcesses() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		if h == nil {
			continue
		}
		out = append(out, s.snapshot(h))
	}
	return out
}

// HealthCheck verifies the one-process-per-task invariant: every handle maps
// to a distinct pid.
func (s *Supervisor) HealthCheck() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids := make(map[int]struct{}, len(s.handles))
	isolated := true
	total := 0
	for _, h := range s.handles {
		if h == nil {
			continue
		}
		total++
		pid := h.proc.PID()
		if _, dup := pids[pid]; dup {
			isolated = false
		}
		pids[pid] = struct{}{}
	}
	return Health{ProcessIsolation: isolated, TotalProcesses: total}
}

// Shutdown terminates every live worker.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var first error
	for _, id := range ids {
		if err := s.Terminate(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// pump reads the worker's event stream until exit, forwarding each decoded
// message to the sink, then reports the exit.
func (s *Supervisor) pump(h *procHandle) {
	ctx := context.Background()
	reader := protocol.NewReader(h.proc.Stdout())
	for {
		msg, err := reader.Next()
		if err != nil {
			if protocol.IsProtocolError(err) {
				// Fatal to this message only; keep reading.
				s.logger.Warn("dropping malformed worker message",
					zap.Int64("task_id", h.taskID),
					zap.Error(err),
				)
				continue
			}
			break
		}
		h.mu.Lock()
		h.lastSeen = s.clock.Now()
		if msg.Type() == protocol.TypeCompleted {
			h.sawCompleted = true
		}
		h.mu.Unlock()

		if sink := s.currentSink(); sink != nil {
			sink.HandleMessage(ctx, msg)
		}
	}

	exitCode, waitErr := h.proc.Wait()
	if waitErr != nil {
		s.logger.Debug("worker wait returned error",
			zap.Int64("task_id", h.taskID), zap.Error(waitErr))
	}

	h.mu.Lock()
	clean := h.stopping || (h.sawCompleted && exitCode == 0)
	h.mu.Unlock()

	s.unregister(h.taskID)
	close(h.done)

	s.logger.Info("worker exited",
		zap.Int64("task_id", h.taskID),
		zap.Int("exit_code", exitCode),
		zap.Bool("clean", clean),
	)
	if sink := s.currentSink(); sink != nil {
		sink.HandleExit(ctx, h.taskID, exitCode, clean)
	}
}

func (s *Supervisor) currentSink() Sink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink
}

func (s *Supervisor) unregister(taskID int64) {
	s.mu.Lock()
	delete(s.handles, taskID)
	count := len(s.handles)
	s.mu.Unlock()
	metrics.SetActiveWorkers(count)
}

func (s *Supervisor) snapshot(h *procHandle) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Handle{
		TaskID:          h.taskID,
		PID:             h.proc.PID(),
		StartedAt:       h.startedAt,
		LastHealthCheck: h.lastSeen,
	}
}
