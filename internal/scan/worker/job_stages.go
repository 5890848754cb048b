package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
	"github.com/fundamental/fundamental/internal/scan"
)

// DeduplicateWorker consumes deduplicate_jobs, runs duplicate detection and
// merging for the whole library, then hands off to scoring.
type DeduplicateWorker struct {
	deps *Deps
}

// Handle processes one JobStageMessage.
func (w *DeduplicateWorker) Handle(ctx context.Context, payload []byte) error {
	msg, err := decode[domain.JobStageMessage](w.deps, payload)
	if err != nil {
		slog.Error("deduplicate message rejected", slog.Any("error", err))
		return nil
	}
	if w.deps.cancelled(ctx, msg.TaskID) {
		return w.forward(ctx, domain.TopicCompletionJobs, msg)
	}
	first, err := w.deps.Tracker.MarkStageStarted(ctx, msg.LibraryID, scan.StageDeduplicate)
	if err == nil && !first {
		// Redelivery of an at-least-once message; the stage already ran.
		slog.Info("deduplicate stage already started, skipping",
			slog.Int64("library_id", msg.LibraryID), slog.Int64("task_id", msg.TaskID))
		return nil
	}

	start := time.Now()
	merged, pairs, err := scan.DeduplicateLibrary(ctx, w.deps.Metadata, w.deps.Mappings, w.deps.Similarities, msg.LibraryID, w.deps.DedupThreshold)
	observability.ScanStageDuration.WithLabelValues(scan.StageDeduplicate).Observe(time.Since(start).Seconds())
	if err != nil {
		return w.failJob(ctx, msg, fmt.Sprintf("deduplicate: %v", err))
	}
	if err := w.deps.Tasks.UpdateProgress(ctx, msg.TaskID, 0.80, map[string]any{
		"current_stage": scan.StageDeduplicate,
		"pairs":         pairs,
		"merged":        merged,
	}); err != nil {
		slog.Debug("progress update failed", slog.Int64("task_id", msg.TaskID), slog.Any("error", err))
	}
	return w.forward(ctx, domain.TopicScoreJobs, msg)
}

func (w *DeduplicateWorker) forward(ctx context.Context, topic string, msg *domain.JobStageMessage) error {
	msg.MessageID = ""
	_, err := w.deps.Broker.Publish(ctx, topic, msg)
	return err
}

func (w *DeduplicateWorker) failJob(ctx context.Context, msg *domain.JobStageMessage, reason string) error {
	return failJob(ctx, w.deps, msg, reason)
}

// ScoreWorker consumes score_jobs and computes the similarity rows before
// handing off to completion.
type ScoreWorker struct {
	deps *Deps
}

// Handle processes one JobStageMessage.
func (w *ScoreWorker) Handle(ctx context.Context, payload []byte) error {
	msg, err := decode[domain.JobStageMessage](w.deps, payload)
	if err != nil {
		slog.Error("score message rejected", slog.Any("error", err))
		return nil
	}
	forward := func() error {
		msg.MessageID = ""
		_, err := w.deps.Broker.Publish(ctx, domain.TopicCompletionJobs, msg)
		return err
	}
	if w.deps.cancelled(ctx, msg.TaskID) {
		return forward()
	}

	start := time.Now()
	scored, err := scan.ScoreLibrary(ctx, w.deps.Metadata, w.deps.Similarities, msg.LibraryID, scanOptions(msg.Options), time.Now())
	observability.ScanStageDuration.WithLabelValues(scan.StageScore).Observe(time.Since(start).Seconds())
	if err != nil {
		return failJob(ctx, w.deps, msg, fmt.Sprintf("score: %v", err))
	}
	if err := w.deps.Tasks.UpdateProgress(ctx, msg.TaskID, 0.95, map[string]any{
		"current_stage": scan.StageScore,
		"scored":        scored,
	}); err != nil {
		slog.Debug("progress update failed", slog.Int64("task_id", msg.TaskID), slog.Any("error", err))
	}
	return forward()
}

// CompletionWorker consumes completion_jobs and marks the task terminal,
// clearing all per-job state.
type CompletionWorker struct {
	deps *Deps
}

// Handle processes one JobStageMessage.
func (w *CompletionWorker) Handle(ctx context.Context, payload []byte) error {
	msg, err := decode[domain.JobStageMessage](w.deps, payload)
	if err != nil {
		slog.Error("completion message rejected", slog.Any("error", err))
		return nil
	}
	defer func() {
		if err := w.deps.Tracker.ClearJob(ctx, msg.LibraryID); err != nil {
			slog.Warn("clear job counters failed", slog.Int64("library_id", msg.LibraryID), slog.Any("error", err))
		}
	}()

	if w.deps.cancelled(ctx, msg.TaskID) {
		if _, err := w.deps.Tasks.CancelTask(ctx, msg.TaskID); err != nil {
			return err
		}
		slog.Info("scan cancelled", slog.Int64("task_id", msg.TaskID), slog.Int64("library_id", msg.LibraryID))
		return w.deps.Tracker.ClearCancelled(ctx, msg.TaskID)
	}
	if err := w.deps.Tasks.UpdateProgress(ctx, msg.TaskID, 1.0, map[string]any{
		"current_stage": scan.StageCompletion,
	}); err != nil {
		slog.Debug("progress update failed", slog.Int64("task_id", msg.TaskID), slog.Any("error", err))
	}
	if err := w.deps.Tasks.CompleteTask(ctx, msg.TaskID); err != nil {
		return err
	}
	slog.Info("scan completed", slog.Int64("task_id", msg.TaskID), slog.Int64("library_id", msg.LibraryID))
	return nil
}

// failJob marks the task failed and clears the job state so redeliveries
// cannot resurrect it.
func failJob(ctx context.Context, d *Deps, msg *domain.JobStageMessage, reason string) error {
	if err := d.Tasks.FailTask(ctx, msg.TaskID, reason); err != nil {
		return err
	}
	return d.Tracker.ClearJob(ctx, msg.LibraryID)
}
