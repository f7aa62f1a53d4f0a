// Package ratelimit implements a sliding-window limiter gating outbound
// request throughput and concurrency, with a fixed cooldown applied after
// every granted slot.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultWindow = time.Minute
	// pollInterval is how often a blocked Acquire rechecks the concurrency
	// gate. Waits are cooperative, not OS-level blocking.
	pollInterval = 25 * time.Millisecond
)

// Config controls limiter behavior. Zero values disable the corresponding
// gate.
type Config struct {
	// MaxPerMinute caps acquisitions in the trailing window.
	MaxPerMinute int
	// MaxConcurrent caps slots held between Acquire and Release.
	MaxConcurrent int
	// Cooldown is applied per acquisition, after both gates pass, and
	// serializes back-to-back requests even under low contention.
	Cooldown time.Duration
	// Window overrides the trailing window length. Defaults to one minute;
	// only tests should shrink it.
	Window time.Duration
}

// Status is a point-in-time observability snapshot.
type Status struct {
	PerMinute    int  `json:"perMinute"`
	Concurrent   int  `json:"concurrent"`
	WithinLimits bool `json:"withinLimits"`
}

// Limiter enforces the per-minute ceiling, the concurrency ceiling, and the
// post-acquire cooldown. Safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	stamps     []time.Time
	concurrent int
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	return &Limiter{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Acquire blocks until both the per-minute and concurrency gates admit the
// caller, then applies the configured cooldown before returning. The context
// aborts the wait.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rate limit acquire: %w", err)
		}

		l.mu.Lock()
		now := l.now()
		l.prune(now)

		windowOpen := l.cfg.MaxPerMinute <= 0 || len(l.stamps) < l.cfg.MaxPerMinute
		concurrencyOpen := l.cfg.MaxConcurrent <= 0 || l.concurrent < l.cfg.MaxConcurrent

		if windowOpen && concurrencyOpen {
			l.stamps = append(l.stamps, now)
			l.concurrent++
			l.mu.Unlock()

			if l.cfg.Cooldown > 0 {
				if err := l.sleep(ctx, l.cfg.Cooldown); err != nil {
					return fmt.Errorf("rate limit cooldown: %w", err)
				}
			}
			return nil
		}

		wait := pollInterval
		if !windowOpen {
			// The window reopens when the oldest stamp ages out.
			oldest := l.stamps[0]
			if until := l.cfg.Window - now.Sub(oldest); until > wait {
				wait = until
			}
		}
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limit acquire: %w", err)
		}
	}
}

// Release returns a concurrency slot. Releasing more than was acquired is
// safe; the counter floors at zero.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.concurrent > 0 {
		l.concurrent--
	}
}

// GetStatus reports the current window count, held slots, and whether both
// gates are currently open.
func (l *Limiter) GetStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	within := (l.cfg.MaxPerMinute <= 0 || len(l.stamps) < l.cfg.MaxPerMinute) &&
		(l.cfg.MaxConcurrent <= 0 || l.concurrent < l.cfg.MaxConcurrent)
	return Status{
		PerMinute:    len(l.stamps),
		Concurrent:   l.concurrent,
		WithinLimits: within,
	}
}

// prune drops stamps that have left the trailing window. Caller holds the
// lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	idx := 0
	for idx < len(l.stamps) && !l.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[idx:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
