// Command server runs the single-node runtime: the in-process task pool, the
// cron scheduler, the ingest directory watcher, and the health/metrics
// endpoint. Distributed scan workers run separately under cmd/scanworker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fundamental/fundamental/internal/adapter/calibre"
	"github.com/fundamental/fundamental/internal/adapter/datasource"
	"github.com/fundamental/fundamental/internal/adapter/repo/postgres"
	"github.com/fundamental/fundamental/internal/app"
	"github.com/fundamental/fundamental/internal/config"
	"github.com/fundamental/fundamental/internal/match"
	"github.com/fundamental/fundamental/internal/observability"
	"github.com/fundamental/fundamental/internal/scan"
	"github.com/fundamental/fundamental/internal/scheduler"
	"github.com/fundamental/fundamental/internal/taskrun"
	"github.com/fundamental/fundamental/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr(), Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	// Repositories
	tasks := postgres.NewTaskRepo(pool)
	schedules := postgres.NewScheduleRepo(pool)
	users := postgres.NewUserRepo(pool)
	libraries := postgres.NewLibraryRepo(pool)
	metadata := postgres.NewMetadataRepo(pool)
	mappings := postgres.NewMappingRepo(pool)
	similarities := postgres.NewSimilarityRepo(pool)

	sources := datasource.NewRegistry()
	datasource.RegisterDefaults(sources, cfg, pool)

	orchestrator := match.NewOrchestrator(cfg.MinConfidence, cfg.MinSimilarity)

	// Task runtime and handlers
	registry := taskrun.NewRegistry()
	runtime := taskrun.NewThreadRuntime(tasks, registry, cfg.TaskWorkers, cfg.TaskQueueSize)
	scan.RegisterTaskHandlers(registry, &scan.HandlerDeps{
		Tasks:         tasks,
		Libraries:     libraries,
		Metadata:      metadata,
		Mappings:      mappings,
		Similarities:  similarities,
		Sources:       sources,
		OpenCatalog:   calibre.Open,
		Orchestrator:  orchestrator,
		DefaultSource: cfg.DataSourceName,
		DefaultOptions: scan.Options{
			StaleMaxAgeDays:     cfg.StaleMaxAge(),
			RefreshIntervalDays: cfg.StaleRefreshInterval(),
			MaxWorksPerAuthor:   cfg.MaxWorksPerAuthor,
			DedupThreshold:      cfg.DedupThreshold,
		},
	})
	watcher.RegisterDiscoveryHandler(registry)

	if err := runtime.Start(ctx); err != nil {
		slog.Error("task runtime start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Scheduler over DB job definitions
	sched := scheduler.New(runtime, schedules, users)
	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Ingest directory watcher
	var watch *watcher.Watcher
	if cfg.IngestDir != "" {
		sysUser, err := users.SystemUser(ctx)
		if err != nil {
			slog.Error("system user lookup failed", slog.Any("error", err))
			os.Exit(1)
		}
		watch, err = watcher.New(runtime, watcher.Options{
			Dir:          cfg.IngestDir,
			Debounce:     cfg.WatchDebounce,
			ForcePolling: cfg.WatchForcePolling,
			PollInterval: cfg.WatchPollInterval,
			UserID:       sysUser.ID,
		})
		if err != nil {
			slog.Error("watcher setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		if err := watch.Start(ctx); err != nil {
			slog.Error("watcher start failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Background maintenance
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	sweeper := app.NewStuckTaskSweeper(tasks, cfg.SweeperMaxRunningAge, cfg.SweeperInterval)
	go sweeper.Run(bgCtx)
	cleanup := app.NewRetentionCleanup(tasks, cfg.TaskRetentionDays, cfg.CleanupInterval)
	go cleanup.RunPeriodic(bgCtx)

	handler := app.BuildRouter(app.BuildReadinessChecks(pool, rdb))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if watch != nil {
		watch.Stop()
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		slog.Warn("scheduler shutdown", slog.Any("error", err))
	}
	bgCancel()
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		slog.Warn("task runtime shutdown", slog.Any("error", err))
	}
}
