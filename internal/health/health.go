// Package health runs the daemon's periodic self-checks: storage
// reachability, the supervisor's process isolation invariant, and a loopback
// round trip through the IPC codec.
package health

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/supervisor"
	"github.com/leadgrid/scraperd/internal/task"
)

// Pinger is the slice of the task store the checker probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SupervisorProbe reports the worker registry's health.
type SupervisorProbe interface {
	HealthCheck() supervisor.Health
}

// Report is one completed health check.
type Report struct {
	Healthy          bool      `json:"healthy"`
	Storage          string    `json:"storage"`
	IPCChannel       string    `json:"ipc_channel"`
	ProcessIsolation bool      `json:"process_isolation"`
	TotalProcesses   int       `json:"total_processes"`
	CheckedAt        time.Time `json:"checked_at"`
}

const statusOK = "ok"

// Config tunes the checker.
type Config struct {
	// Interval between periodic checks in Run.
	Interval time.Duration
	// ProbeTimeout bounds a single storage ping.
	ProbeTimeout time.Duration
}

// Checker performs and records health checks.
type Checker struct {
	cfg    Config
	store  Pinger
	sup    SupervisorProbe
	logger *zap.Logger
	clock  task.Clock

	mu   sync.RWMutex
	last *Report
}

// New constructs a Checker.
func New(cfg Config, store Pinger, sup SupervisorProbe, logger *zap.Logger, clock task.Clock) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = wallClock{}
	}
	return &Checker{cfg: cfg, store: store, sup: sup, logger: logger, clock: clock}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Check runs every probe once and returns the report.
func (c *Checker) Check(ctx context.Context) Report {
	r := Report{
		Storage:    statusOK,
		IPCChannel: statusOK,
		CheckedAt:  c.clock.Now(),
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	if err := c.store.Ping(probeCtx); err != nil {
		r.Storage = err.Error()
	}

	if err := ipcRoundTrip(); err != nil {
		r.IPCChannel = err.Error()
	}

	sup := c.sup.HealthCheck()
	r.ProcessIsolation = sup.ProcessIsolation
	r.TotalProcesses = sup.TotalProcesses

	r.Healthy = r.Storage == statusOK && r.IPCChannel == statusOK && r.ProcessIsolation

	c.mu.Lock()
	c.last = &r
	c.mu.Unlock()
	return r
}

// Run executes Check on a ticker until the context ends.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.checkAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAndLog(ctx)
		}
	}
}

// Last returns the most recent report, if any check has completed.
func (c *Checker) Last() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

func (c *Checker) checkAndLog(ctx context.Context) {
	r := c.Check(ctx)
	if r.Healthy {
		c.logger.Debug("health check passed",
			zap.Int("total_processes", r.TotalProcesses))
		return
	}
	c.logger.Warn("health check failed",
		zap.String("storage", r.Storage),
		zap.String("ipc_channel", r.IPCChannel),
		zap.Bool("process_isolation", r.ProcessIsolation),
	)
}

// ipcRoundTrip pushes one message through the wire codec over a loopback
// pipe and verifies it narrows back to the same variant.
func ipcRoundTrip() error {
	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		w := protocol.NewWriter(pw)
		err := w.Send(&protocol.Progress{
			Header:   protocol.NewHeader(protocol.TypeProgress, 0),
			Progress: task.Progress{CurrentPage: 1, TotalPages: 1},
		})
		pw.CloseWithError(err)
		errc <- err
	}()

	msg, err := protocol.NewReader(pr).Next()
	if err != nil {
		return fmt.Errorf("ipc loopback read: %w", err)
	}
	if sendErr := <-errc; sendErr != nil {
		return fmt.Errorf("ipc loopback write: %w", sendErr)
	}
	if msg.Type() != protocol.TypeProgress {
		return fmt.Errorf("ipc loopback returned %q", msg.Type())
	}
	return nil
}
