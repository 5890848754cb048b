package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fundamental/fundamental/internal/domain"
)

// StuckTaskSweeper fails RUNNING tasks whose started_at is older than the
// configured bound. Worker crashes leave such rows behind; without the
// sweeper they block the skip-if-still-running semantics forever.
type StuckTaskSweeper struct {
	tasks         domain.TaskStore
	maxRunningAge time.Duration
	interval      time.Duration
}

// NewStuckTaskSweeper builds a sweeper; zero durations select 2h/5m.
func NewStuckTaskSweeper(tasks domain.TaskStore, maxRunningAge, interval time.Duration) *StuckTaskSweeper {
	if tasks == nil {
		return nil
	}
	if maxRunningAge <= 0 {
		maxRunningAge = 2 * time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckTaskSweeper{tasks: tasks, maxRunningAge: maxRunningAge, interval: interval}
}

// Run sweeps until ctx is done. An immediate first sweep catches rows left
// over from the previous process.
func (s *StuckTaskSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck task sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckTaskSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.sweeper")
	ctx, span := tracer.Start(ctx, "StuckTaskSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().Add(-s.maxRunningAge)
	const pageSize = 100
	span.SetAttributes(attribute.Float64("tasks.max_running_age_seconds", s.maxRunningAge.Seconds()))

	failed := 0
	for offset := 0; ; {
		tasks, err := s.tasks.ListStaleRunning(ctx, cutoff, pageSize, offset)
		if err != nil {
			span.RecordError(err)
			slog.Error("stuck task sweep failed to list", slog.Any("error", err))
			return
		}
		if len(tasks) == 0 {
			break
		}
		for _, t := range tasks {
			msg := fmt.Sprintf("task stuck in running state for over %s", s.maxRunningAge)
			if err := s.tasks.FailTask(ctx, t.ID, msg); err != nil {
				// Likely finished between the list and the update.
				offset++
				slog.Debug("stuck task already terminal", slog.Int64("task_id", t.ID), slog.Any("error", err))
				continue
			}
			failed++
			slog.Warn("stuck task failed by sweeper",
				slog.Int64("task_id", t.ID),
				slog.String("type", string(t.Type)),
				slog.Time("started_at", deref(t.StartedAt)))
		}
	}
	if failed > 0 {
		span.SetAttributes(attribute.Int("tasks.failed", failed))
		slog.Info("stuck task sweep finished", slog.Int("failed", failed))
	}
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
