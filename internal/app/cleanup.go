package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
)

// RetentionCleanup deletes terminal tasks older than the retention window.
// Retention is opt-in: zero days keeps tasks forever and RunPeriodic returns
// immediately.
type RetentionCleanup struct {
	tasks         domain.TaskStore
	retentionDays int
	interval      time.Duration
}

// NewRetentionCleanup builds the service; zero interval selects 24h.
func NewRetentionCleanup(tasks domain.TaskStore, retentionDays int, interval time.Duration) *RetentionCleanup {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionCleanup{tasks: tasks, retentionDays: retentionDays, interval: interval}
}

// RunPeriodic sweeps until ctx is done.
func (c *RetentionCleanup) RunPeriodic(ctx context.Context) {
	if c == nil || c.retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.cleanupOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention cleanup stopping")
			return
		case <-ticker.C:
			c.cleanupOnce(ctx)
		}
	}
}

func (c *RetentionCleanup) cleanupOnce(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -c.retentionDays)
	deleted, err := c.tasks.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("retention cleanup failed", slog.Any("error", err))
		return
	}
	if deleted > 0 {
		slog.Info("retention cleanup removed terminal tasks",
			slog.Int64("deleted", deleted),
			slog.Int("retention_days", c.retentionDays))
	}
}
