// Package main wires together the scraperd orchestration daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/api"
	"github.com/leadgrid/scraperd/internal/archive"
	archgcs "github.com/leadgrid/scraperd/internal/archive/gcs"
	archlocal "github.com/leadgrid/scraperd/internal/archive/local"
	"github.com/leadgrid/scraperd/internal/classifier"
	"github.com/leadgrid/scraperd/internal/clock/system"
	"github.com/leadgrid/scraperd/internal/config"
	"github.com/leadgrid/scraperd/internal/health"
	"github.com/leadgrid/scraperd/internal/lifecycle"
	"github.com/leadgrid/scraperd/internal/logging"
	"github.com/leadgrid/scraperd/internal/metrics"
	"github.com/leadgrid/scraperd/internal/notify"
	"github.com/leadgrid/scraperd/internal/storage/memory"
	"github.com/leadgrid/scraperd/internal/storage/postgres"
	"github.com/leadgrid/scraperd/internal/supervisor"
	"github.com/leadgrid/scraperd/internal/task"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, "scraperd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("scraperd failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	memNotes := notify.NewMemoryNotifier()
	notifier, closeNotifier, err := buildNotifier(ctx, cfg, memNotes, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	archiver, err := buildArchiver(ctx, cfg, clock)
	if err != nil {
		return err
	}

	launcher := supervisor.NewExecLauncher(cfg.Supervisor.WorkerBin, "-config", configArg())
	sup := supervisor.New(supervisor.Config{
		GracePeriod:      cfg.Supervisor.GracePeriod(),
		MaxActiveWorkers: cfg.Supervisor.MaxActiveWorkers,
	}, launcher, logger.Named("supervisor"), clock)

	policy := classifier.New(classifier.Config{
		RetryBudget: cfg.Supervisor.RetryBudget,
	}, store, notifier, logger.Named("classifier"), clock)

	manager := lifecycle.New(lifecycle.Config{
		Platforms: cfg.Platforms,
	}, store, sup, policy, archiver, logger.Named("lifecycle"), clock)
	sup.SetSink(manager)

	checker := health.New(health.Config{
		Interval: time.Duration(cfg.Health.IntervalSeconds) * time.Second,
	}, store, sup, logger.Named("health"), clock)
	go checker.Run(ctx)

	keys := make([]string, 0, len(cfg.Platforms))
	for key := range cfg.Platforms {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	srv := api.NewServer(manager, sup, checker, memNotes, keys, logger.Named("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("control API listening", zap.Int("port", cfg.Server.Port))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker shutdown failed", zap.Error(err))
	}
	manager.Shutdown()
	return nil
}

func buildStore(ctx context.Context, cfg config.Config) (task.Store, func(), error) {
	if cfg.DB.DSN == "" {
		return memory.NewTaskStore(), func() {}, nil
	}
	pg, err := postgres.NewTaskStore(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect task store: %w", err)
	}
	return pg, pg.Close, nil
}

func buildNotifier(ctx context.Context, cfg config.Config, memNotes *notify.MemoryNotifier, logger *zap.Logger) (task.Notifier, func(), error) {
	sinks := []task.Notifier{
		notify.NewLogNotifier(logger.Named("notify")),
		memNotes,
	}
	closeNotifier := func() {}
	if cfg.PubSub.ProjectID != "" {
		ps, err := notify.NewPubSubNotifier(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			return nil, nil, fmt.Errorf("connect pubsub notifier: %w", err)
		}
		sinks = append(sinks, ps)
		closeNotifier = func() {
			if err := ps.Close(); err != nil {
				logger.Warn("close pubsub notifier", zap.Error(err))
			}
		}
	}
	return notify.NewFanout(sinks...), closeNotifier, nil
}

func buildArchiver(ctx context.Context, cfg config.Config, clock task.Clock) (*archive.Archiver, error) {
	switch cfg.Archive.Backend {
	case "local":
		blobs, err := archlocal.New(cfg.Archive.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		return archive.New(blobs, cfg.Archive.Prefix, clock), nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		blobs, err := archgcs.New(client, cfg.Archive.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("open gcs archive: %w", err)
		}
		return archive.New(blobs, cfg.Archive.Prefix, clock), nil
	default:
		return archive.New(nil, cfg.Archive.Prefix, clock), nil
	}
}

// configArg re-resolves the -config flag value so spawned workers read the
// same file.
func configArg() string {
	if f := flag.Lookup("config"); f != nil {
		return f.Value.String()
	}
	return ""
}
