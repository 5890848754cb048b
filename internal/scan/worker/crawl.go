package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
	"github.com/fundamental/fundamental/internal/scan"
)

// CrawlWorker consumes scan_jobs: it opens the catalog, seeds the per-job
// counters, and fans one message per author out onto the match queue.
type CrawlWorker struct {
	deps *Deps
}

// Handle processes one ScanJobMessage.
func (w *CrawlWorker) Handle(ctx context.Context, payload []byte) error {
	msg, err := decode[domain.ScanJobMessage](w.deps, payload)
	if err != nil {
		slog.Error("scan job message rejected", slog.Any("error", err))
		return nil // malformed messages are dropped, not retried
	}
	if w.deps.cancelled(ctx, msg.TaskID) {
		slog.Info("scan job cancelled before crawl", slog.Int64("task_id", msg.TaskID))
		if _, err := w.deps.Tasks.CancelTask(ctx, msg.TaskID); err != nil {
			return err
		}
		return w.deps.Tracker.ClearCancelled(ctx, msg.TaskID)
	}
	if err := w.deps.Tasks.StartTask(ctx, msg.TaskID); err != nil {
		slog.Warn("start task failed", slog.Int64("task_id", msg.TaskID), slog.Any("error", err))
	}

	catalog, err := w.deps.OpenCatalog(msg.CalibreDBPath, msg.CalibreDBFile)
	if err != nil {
		return w.fail(ctx, msg.TaskID, fmt.Sprintf("open catalog: %v", err))
	}
	defer catalog.Close()

	authors, err := catalog.ListAuthors(ctx)
	if err != nil {
		return w.fail(ctx, msg.TaskID, fmt.Sprintf("crawl authors: %v", err))
	}
	observability.ScanItemsProcessedTotal.WithLabelValues(scan.StageCrawl).Add(float64(len(authors)))

	if len(authors) == 0 {
		// Nothing to fan out; the job-level stages still run.
		_, err := w.deps.Broker.Publish(ctx, domain.TopicDeduplicate, &domain.JobStageMessage{
			TaskID:     msg.TaskID,
			LibraryID:  msg.LibraryID,
			DataSource: msg.DataSource,
			Options:    msg.Options,
		})
		return err
	}

	if err := w.deps.Tracker.InitializeJob(ctx, msg.LibraryID, int64(len(authors)), msg.TaskID); err != nil {
		return w.fail(ctx, msg.TaskID, fmt.Sprintf("initialize counters: %v", err))
	}
	if err := w.deps.Tasks.UpdateProgress(ctx, msg.TaskID, 0.05, map[string]any{
		"current_stage": scan.StageCrawl,
		"total_items":   len(authors),
	}); err != nil {
		slog.Warn("progress update failed", slog.Int64("task_id", msg.TaskID), slog.Any("error", err))
	}

	for _, a := range authors {
		out := &domain.AuthorTaskMessage{
			TaskID:          msg.TaskID,
			LibraryID:       msg.LibraryID,
			CalibreAuthorID: a.ID,
			AuthorName:      a.Name,
			DataSource:      msg.DataSource,
			Options:         msg.Options,
		}
		if ids, err := catalog.AuthorIdentifiers(ctx, a.ID); err == nil && !ids.Empty() {
			out.Identifiers = &ids
		}
		if _, err := w.deps.Broker.Publish(ctx, domain.TopicMatchQueue, out); err != nil {
			return w.fail(ctx, msg.TaskID, fmt.Sprintf("fan out author %d: %v", a.ID, err))
		}
	}
	slog.Info("scan fanned out",
		slog.Int64("task_id", msg.TaskID),
		slog.Int64("library_id", msg.LibraryID),
		slog.Int("authors", len(authors)))
	return nil
}

func (w *CrawlWorker) fail(ctx context.Context, taskID int64, msg string) error {
	if err := w.deps.Tasks.FailTask(ctx, taskID, msg); err != nil {
		return err
	}
	return nil
}
