// Package worker implements the scraping side of the IPC protocol. A worker
// process serves exactly one task: it reads Start from its control stream,
// walks the platform's pagination under the rate limiter, streams events
// back, and exits zero only after Completed is on the wire.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/dedup"
	"github.com/leadgrid/scraperd/internal/metrics"
	"github.com/leadgrid/scraperd/internal/platform"
	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/ratelimit"
	"github.com/leadgrid/scraperd/internal/task"
)

// backoffNoticeThreshold is how long a rate limiter wait must be before the
// worker reports it upstream as a ScrapingRateLimited event.
const backoffNoticeThreshold = time.Second

// Config tunes a worker run.
type Config struct {
	// RateLimit bounds request pacing against the platform.
	RateLimit ratelimit.Config
	// NavTimeout bounds a single page navigation.
	NavTimeout time.Duration
	// UserAgent overrides the platform's configured agent when set.
	UserAgent string
}

// Worker runs one task to completion over an IPC channel pair.
type Worker struct {
	cfg      Config
	registry *platform.Registry
	logger   *zap.Logger

	in      *protocol.Reader
	out     *protocol.Writer
	control chan protocol.Message
}

// New wires a Worker to its control (in) and event (out) streams.
func New(cfg Config, registry *platform.Registry, logger *zap.Logger, in io.Reader, out io.Writer) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		in:       protocol.NewReader(in),
		out:      protocol.NewWriter(out),
		control:  make(chan protocol.Message, 4),
	}
}

// Run executes the task. A nil return means Completed was sent and the
// process may exit zero; any error must surface as a non-zero exit.
func (w *Worker) Run(ctx context.Context) error {
	start, err := w.awaitStart()
	if err != nil {
		return err
	}
	t := start.TaskData
	info := start.PlatformInfo

	go w.pumpControl()

	adapter, err := w.registry.Get(t.Platform)
	if err != nil {
		return w.fatal(t.ID, err)
	}
	sess, err := adapter.OpenSession(ctx, info, platform.SessionOptions{
		UserAgent:  w.userAgent(info),
		Delay:      time.Duration(t.DelayMs) * time.Millisecond,
		NavTimeout: w.cfg.NavTimeout,
		Headless:   t.Headless,
	})
	if err != nil {
		return w.fatal(t.ID, fmt.Errorf("open platform session: %w", err))
	}
	defer sess.Close()

	if err := w.send(&protocol.ScrapingStarted{Header: protocol.NewHeader(protocol.TypeScrapingStarted, t.ID)}); err != nil {
		return err
	}

	limiter := ratelimit.New(w.cfg.RateLimit)
	seen := dedup.NewSet()
	var all []task.Result
	page := 1
	for {
		if err := w.checkControl(ctx, t.ID); err != nil {
			return err
		}

		results, err := w.scrapePage(ctx, t, limiter, sess)
		if err != nil {
			var antiBot *task.AntiBotError
			if errors.As(err, &antiBot) {
				// Self-pause behind the challenge; the page is retried
				// after an operator resumes the task.
				if pauseErr := w.pauseForChallenge(ctx, t.ID, antiBot); pauseErr != nil {
					return pauseErr
				}
				continue
			}
			return w.fatal(t.ID, err)
		}

		for i := range results {
			if !seen.Add(results[i]) {
				continue
			}
			all = append(all, results[i])
			if err := w.send(&protocol.ScrapingResultFound{
				Header: protocol.NewHeader(protocol.TypeScrapingResultFound, t.ID),
				Result: results[i],
			}); err != nil {
				return err
			}
		}
		if err := w.send(&protocol.ScrapingPageComplete{
			Header:     protocol.NewHeader(protocol.TypeScrapingPageComplete, t.ID),
			Page:       page,
			TotalPages: t.MaxPages,
		}); err != nil {
			return err
		}
		progress := task.Progress{CurrentPage: page, TotalPages: t.MaxPages, ResultsCount: len(all)}
		progress.ClampPercentage()
		if err := w.send(&protocol.Progress{
			Header:   protocol.NewHeader(protocol.TypeProgress, t.ID),
			Progress: progress,
		}); err != nil {
			return err
		}

		more, err := sess.NextPage(ctx, t.MaxPages)
		if err != nil {
			return w.fatal(t.ID, err)
		}
		if !more {
			break
		}
		page++
	}

	return w.send(&protocol.Completed{
		Header:  protocol.NewHeader(protocol.TypeCompleted, t.ID),
		Results: all,
	})
}

// awaitStart reads messages until Start arrives. Malformed lines are fatal
// to themselves only.
func (w *Worker) awaitStart() (*protocol.Start, error) {
	for {
		msg, err := w.in.Next()
		if err != nil {
			if protocol.IsProtocolError(err) {
				w.logger.Warn("dropping malformed control message", zap.Error(err))
				continue
			}
			return nil, fmt.Errorf("read control stream: %w", err)
		}
		start, ok := msg.(*protocol.Start)
		if !ok {
			w.logger.Warn("ignoring control message before Start",
				zap.String("type", string(msg.Type())))
			continue
		}
		return start, nil
	}
}

// pumpControl feeds post-Start control messages into the control channel.
// The channel closes when the supervisor closes our stdin.
func (w *Worker) pumpControl() {
	defer close(w.control)
	for {
		msg, err := w.in.Next()
		if err != nil {
			if protocol.IsProtocolError(err) {
				w.logger.Warn("dropping malformed control message", zap.Error(err))
				continue
			}
			return
		}
		w.control <- msg
	}
}

// checkControl handles any pending control message without blocking.
func (w *Worker) checkControl(ctx context.Context, taskID int64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case msg, ok := <-w.control:
		if !ok {
			return errors.New("control stream closed")
		}
		if msg.Type() == protocol.TypePause {
			return w.pause(ctx, taskID)
		}
		return nil
	default:
		return nil
	}
}

// pause acknowledges a Pause and blocks until Resume.
func (w *Worker) pause(ctx context.Context, taskID int64) error {
	if err := w.send(&protocol.TaskPaused{Header: protocol.NewHeader(protocol.TypeTaskPaused, taskID)}); err != nil {
		return err
	}
	w.logger.Info("task paused, awaiting resume", zap.Int64("task_id", taskID))
	return w.awaitResume(ctx, taskID)
}

// pauseForChallenge reports the challenge, then blocks until an operator
// resumes the task.
func (w *Worker) pauseForChallenge(ctx context.Context, taskID int64, challenge *task.AntiBotError) error {
	w.logger.Warn("anti-bot challenge, pausing",
		zap.Int64("task_id", taskID),
		zap.String("kind", string(challenge.Kind)),
		zap.String("url", challenge.URL),
	)
	if err := w.send(&protocol.ScrapingCaptchaDetected{
		Header: protocol.NewHeader(protocol.TypeScrapingCaptchaDetected, taskID),
		URL:    challenge.URL,
	}); err != nil {
		return err
	}
	return w.awaitResume(ctx, taskID)
}

// awaitResume blocks until a Resume arrives and acknowledges it.
func (w *Worker) awaitResume(ctx context.Context, taskID int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-w.control:
			if !ok {
				return errors.New("control stream closed while paused")
			}
			if msg.Type() != protocol.TypeResume {
				w.logger.Warn("ignoring control message while paused",
					zap.String("type", string(msg.Type())))
				continue
			}
			w.logger.Info("task resumed", zap.Int64("task_id", taskID))
			return w.send(&protocol.TaskResumed{Header: protocol.NewHeader(protocol.TypeTaskResumed, taskID)})
		}
	}
}

// scrapePage runs one page fetch under the rate limiter.
func (w *Worker) scrapePage(ctx context.Context, t task.Task, limiter *ratelimit.Limiter, sess platform.Session) ([]task.Result, error) {
	waitStart := time.Now()
	if err := limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire rate limit slot: %w", err)
	}
	defer limiter.Release()

	// Acquire sleeps the configured cooldown on every grant; only time spent
	// blocked on a gate counts as backoff.
	waited := time.Since(waitStart) - w.cfg.RateLimit.Cooldown
	if waited >= backoffNoticeThreshold {
		metrics.ObserveRateLimitDelay(t.Platform, waited)
		if err := w.send(&protocol.ScrapingRateLimited{
			Header: protocol.NewHeader(protocol.TypeScrapingRateLimited, t.ID),
		}); err != nil {
			return nil, err
		}
	}
	return sess.SearchBusinesses(ctx, t.Keywords, t.Location)
}

// fatal reports a non-recoverable failure upstream and returns an error so
// the process exits non-zero.
func (w *Worker) fatal(taskID int64, cause error) error {
	if sendErr := w.send(&protocol.Error{
		Header:    protocol.NewHeader(protocol.TypeError, taskID),
		ErrorText: cause.Error(),
	}); sendErr != nil {
		return fmt.Errorf("%v (and reporting it failed: %w)", cause, sendErr)
	}
	return cause
}

func (w *Worker) send(msg protocol.Message) error {
	if err := w.out.Send(msg); err != nil {
		return fmt.Errorf("send %s event: %w", msg.Type(), err)
	}
	return nil
}

func (w *Worker) userAgent(info protocol.PlatformInfo) string {
	if w.cfg.UserAgent != "" {
		return w.cfg.UserAgent
	}
	return info.UserAgent
}
