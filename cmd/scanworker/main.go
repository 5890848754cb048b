// Command scanworker runs the distributed scan-worker fleet: all seven stage
// consumers plus the broker-backed task runtime, sharing the Redis queues and
// the per-job progress counters with every other worker process.
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

	"github.com/fundamental/fundamental/internal/adapter/broker/redisq"
	"github.com/fundamental/fundamental/internal/adapter/calibre"
	"github.com/fundamental/fundamental/internal/adapter/datasource"
	"github.com/fundamental/fundamental/internal/adapter/repo/postgres"
	"github.com/fundamental/fundamental/internal/app"
	"github.com/fundamental/fundamental/internal/config"
	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/match"
	"github.com/fundamental/fundamental/internal/observability"
	"github.com/fundamental/fundamental/internal/scan"
	"github.com/fundamental/fundamental/internal/scan/worker"
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
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	tasks := postgres.NewTaskRepo(pool)
	libraries := postgres.NewLibraryRepo(pool)
	metadata := postgres.NewMetadataRepo(pool)
	mappings := postgres.NewMappingRepo(pool)
	similarities := postgres.NewSimilarityRepo(pool)

	sources := datasource.NewRegistry()
	datasource.RegisterDefaults(sources, cfg, pool)
	orchestrator := match.NewOrchestrator(cfg.MinConfidence, cfg.MinSimilarity)

	broker := redisq.New(rdb, cfg.BrokerPollInterval)
	tracker := scan.NewTracker(redisq.NewKV(rdb), cfg.ProgressTTL)

	defaults := scanDefaults(cfg)

	// Stage workers
	worker.RegisterAll(&worker.Deps{
		Broker:         broker,
		Tracker:        tracker,
		Tasks:          tasks,
		Metadata:       metadata,
		Mappings:       mappings,
		Similarities:   similarities,
		Sources:        sources,
		OpenCatalog:    calibre.Open,
		Orchestrator:   orchestrator,
		DedupThreshold: cfg.DedupThreshold,
	}, cfg.ScanTopicWorkers)

	// Generic task consumer: remote handlers plus the library_scan dispatch
	// onto the stage topics.
	registry := taskrun.NewRegistry()
	runtime := taskrun.NewBrokerRuntime(tasks, registry, broker, tracker)
	runtime.ScanDispatch = worker.NewScanDispatcher(broker, libraries, cfg.DataSourceName, defaults)
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
			StaleMaxAgeDays:     defaults.StaleMaxAgeDays,
			RefreshIntervalDays: defaults.RefreshIntervalDays,
			MaxWorksPerAuthor:   defaults.MaxWorksPerAuthor,
			DedupThreshold:      cfg.DedupThreshold,
		},
	})
	watcher.RegisterDiscoveryHandler(registry)
	if err := runtime.Start(ctx); err != nil {
		slog.Error("broker runtime start failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := broker.Start(ctx); err != nil {
		slog.Error("broker start failed", slog.Any("error", err))
		os.Exit(1)
	}

	handler := app.BuildRouter(app.BuildReadinessChecks(pool, rdb))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker http server starting", slog.Int("port", cfg.Port))
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
	broker.Stop()
}

func scanDefaults(cfg config.Config) domain.ScanOptions {
	return domain.ScanOptions{
		StaleMaxAgeDays:     cfg.StaleMaxAge(),
		RefreshIntervalDays: cfg.StaleRefreshInterval(),
		MaxWorksPerAuthor:   cfg.MaxWorksPerAuthor,
	}
}
