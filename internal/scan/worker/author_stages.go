package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/match"
	"github.com/fundamental/fundamental/internal/observability"
	"github.com/fundamental/fundamental/internal/scan"
)

// MatchWorker consumes match_queue. Matched authors move on to the ingest
// queue; skipped and unmatched ones are accounted as drained immediately.
type MatchWorker struct {
	deps *Deps
}

// Handle processes one AuthorTaskMessage.
func (w *MatchWorker) Handle(ctx context.Context, payload []byte) error {
	msg, err := decode[domain.AuthorTaskMessage](w.deps, payload)
	if err != nil {
		slog.Error("match message rejected", slog.Any("error", err))
		return nil
	}
	if w.deps.cancelled(ctx, msg.TaskID) {
		return w.deps.finishItem(ctx, msg.TaskID, msg.LibraryID, msg.DataSource, msg.Options)
	}
	src, err := w.deps.Sources.Resolve(msg.DataSource)
	if err != nil {
		slog.Error("data source unavailable",
			slog.String("source", msg.DataSource.Name), slog.Any("error", err))
		return w.deps.finishItem(ctx, msg.TaskID, msg.LibraryID, msg.DataSource, msg.Options)
	}

	res, err := w.deps.Orchestrator.ProcessMatchRequest(ctx, match.Request{
		Author:          domain.CalibreAuthor{ID: msg.CalibreAuthorID, Name: msg.AuthorName},
		Identifiers:     msg.Identifiers,
		LibraryID:       msg.LibraryID,
		Source:          src,
		Force:           msg.Options.Force,
		StaleMaxAgeDays: msg.Options.StaleMaxAgeDays,
		Mappings:        w.deps.Mappings,
		Metadata:        w.deps.Metadata,
	})
	observability.ScanItemsProcessedTotal.WithLabelValues(scan.StageMatch).Inc()
	if err != nil {
		slog.Warn("match failed for author",
			slog.String("author", msg.AuthorName),
			slog.Int64("task_id", msg.TaskID),
			slog.Any("error", err))
		return w.deps.finishItem(ctx, msg.TaskID, msg.LibraryID, msg.DataSource, msg.Options)
	}
	if res == nil {
		// Skipped by the gates or recorded as unmatched; the item is done.
		return w.deps.finishItem(ctx, msg.TaskID, msg.LibraryID, msg.DataSource, msg.Options)
	}

	msg.MatchResult = res
	msg.MessageID = ""
	_, err = w.deps.Broker.Publish(ctx, domain.TopicIngestQueue, msg)
	return err
}

// IngestWorker consumes ingest_queue. Ingest failures are logged, not fatal:
// the message still moves on to the link queue so the mapping gets recorded.
type IngestWorker struct {
	deps *Deps
}

// Handle processes one AuthorTaskMessage carrying a match result.
func (w *IngestWorker) Handle(ctx context.Context, payload []byte) error {
	msg, err := decode[domain.AuthorTaskMessage](w.deps, payload)
	if err != nil {
		slog.Error("ingest message rejected", slog.Any("error", err))
		return nil
	}
	if msg.MatchResult == nil {
		slog.Error("ingest message without match result", slog.Int64("task_id", msg.TaskID))
		return w.deps.finishItem(ctx, msg.TaskID, msg.LibraryID, msg.DataSource, msg.Options)
	}
	if w.deps.cancelled(ctx, msg.TaskID) {
		return w.deps.finishItem(ctx, msg.TaskID, msg.LibraryID, msg.DataSource, msg.Options)
	}

	src, err := w.deps.Sources.Resolve(msg.DataSource)
	if err != nil {
		slog.Error("data source unavailable",
			slog.String("source", msg.DataSource.Name), slog.Any("error", err))
	} else {
		_, err = scan.IngestAuthor(ctx, w.deps.Metadata, src, *msg.MatchResult, scanOptions(msg.Options), time.Now())
		if err != nil {
			slog.Warn("ingest failed for author",
				slog.String("key", msg.MatchResult.Author.Key),
				slog.Int64("task_id", msg.TaskID),
				slog.Any("error", err))
		}
	}
	observability.ScanItemsProcessedTotal.WithLabelValues(scan.StageIngest).Inc()

	msg.MessageID = ""
	_, err = w.deps.Broker.Publish(ctx, domain.TopicLinkQueue, msg)
	return err
}

// LinkWorker consumes link_queue, upserts the mapping, and drains the item.
// The last drained item of a job triggers the deduplicate stage.
type LinkWorker struct {
	deps *Deps
}

// Handle processes one AuthorTaskMessage carrying a match result.
func (w *LinkWorker) Handle(ctx context.Context, payload []byte) error {
	msg, err := decode[domain.AuthorTaskMessage](w.deps, payload)
	if err != nil {
		slog.Error("link message rejected", slog.Any("error", err))
		return nil
	}
	if msg.MatchResult != nil && !w.deps.cancelled(ctx, msg.TaskID) {
		if _, err := scan.LinkMatch(ctx, w.deps.Metadata, w.deps.Mappings, msg.LibraryID, *msg.MatchResult, time.Now()); err != nil {
			slog.Warn("link failed for author",
				slog.String("key", msg.MatchResult.Author.Key),
				slog.Int64("task_id", msg.TaskID),
				slog.Any("error", err))
		}
	}
	observability.ScanItemsProcessedTotal.WithLabelValues(scan.StageLink).Inc()
	if err := w.reportProgress(ctx, msg); err != nil {
		slog.Debug("progress update failed", slog.Int64("task_id", msg.TaskID), slog.Any("error", err))
	}
	return w.deps.finishItem(ctx, msg.TaskID, msg.LibraryID, msg.DataSource, msg.Options)
}

// reportProgress maps the drained fraction into the per-author band of the
// task's progress (5% to 70%).
func (w *LinkWorker) reportProgress(ctx context.Context, msg *domain.AuthorTaskMessage) error {
	processed, total, ok, err := w.deps.Tracker.Progress(ctx, msg.LibraryID)
	if err != nil || !ok || total == 0 {
		return err
	}
	frac := float64(processed) / float64(total)
	return w.deps.Tasks.UpdateProgress(ctx, msg.TaskID, 0.05+0.65*frac, map[string]any{
		"current_stage": scan.StageLink,
		"processed":     processed,
		"total_items":   total,
	})
}
