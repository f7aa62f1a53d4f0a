// Package main implements the per-task scrape worker. The supervisor owns
// this process: control messages arrive on stdin, events leave on stdout,
// and logs go to stderr so they never pollute the event channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/config"
	"github.com/leadgrid/scraperd/internal/logging"
	"github.com/leadgrid/scraperd/internal/platform"
	"github.com/leadgrid/scraperd/internal/platform/collyadapter"
	"github.com/leadgrid/scraperd/internal/platform/headlessadapter"
	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/ratelimit"
	"github.com/leadgrid/scraperd/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, "scrapeworker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := buildRegistry(cfg)
	if err != nil {
		logger.Error("build platform registry", zap.Error(err))
		os.Exit(1)
	}

	w := worker.New(worker.Config{
		RateLimit: ratelimit.Config{
			MaxPerMinute:  cfg.RateLimit.MaxPerMinute,
			MaxConcurrent: cfg.RateLimit.MaxConcurrent,
			Cooldown:      cfg.RateLimit.Cooldown(),
		},
		NavTimeout: time.Duration(cfg.Worker.NavTimeoutSeconds) * time.Second,
		UserAgent:  cfg.Worker.UserAgent,
	}, registry, logger, os.Stdin, os.Stdout)

	if err := w.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("worker stopped", zap.Error(err))
		} else {
			logger.Error("worker failed", zap.Error(err))
		}
		os.Exit(1)
	}
}

// buildRegistry registers a hybrid adapter per configured platform: plain
// HTTP collection by default, a headless browser session when the task asks
// for one.
func buildRegistry(cfg config.Config) (*platform.Registry, error) {
	registry := platform.NewRegistry()
	for key := range cfg.Platforms {
		headless, err := headlessadapter.New(key, headlessadapter.Config{
			MaxParallel: cfg.Worker.HeadlessParallel,
			UserAgent:   cfg.Worker.UserAgent,
			NavTimeout:  time.Duration(cfg.Worker.NavTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("platform %q: init headless adapter: %w", key, err)
		}
		if err := registry.Register(&hybridAdapter{
			key:      key,
			plain:    collyadapter.New(key),
			headless: headless,
		}); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

type hybridAdapter struct {
	key      string
	plain    platform.Adapter
	headless platform.Adapter
}

func (a *hybridAdapter) Key() string { return a.key }

func (a *hybridAdapter) OpenSession(ctx context.Context, info protocol.PlatformInfo, opts platform.SessionOptions) (platform.Session, error) {
	if opts.Headless {
		return a.headless.OpenSession(ctx, info, opts)
	}
	return a.plain.OpenSession(ctx, info, opts)
}
