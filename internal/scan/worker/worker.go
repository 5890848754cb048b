// Package worker realizes each scan stage as a broker consumer. The
// per-author stages (match, ingest, link) fan out over the durable queues;
// the job-level stages (deduplicate, score, completion) fire exactly once per
// library when the shared progress counter drains.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/match"
	"github.com/fundamental/fundamental/internal/scan"
)

// SourceResolver resolves a data source by configuration; implemented by the
// datasource registry.
type SourceResolver interface {
	Resolve(cfg domain.DataSourceConfig) (domain.DataSource, error)
}

// Deps carries everything the worker fleet needs.
type Deps struct {
	Broker       domain.Broker
	Tracker      *scan.Tracker
	Tasks        domain.TaskStore
	Metadata     domain.MetadataRepository
	Mappings     domain.MappingRepository
	Similarities domain.SimilarityRepository
	Sources      SourceResolver
	OpenCatalog  domain.CatalogOpener
	Orchestrator *match.Orchestrator
	Validate     *validator.Validate
	// DedupThreshold is the name-similarity floor for duplicate detection.
	DedupThreshold float64
}

// RegisterAll subscribes every stage worker on its topic. perAuthorWorkers
// sets the consumer concurrency of the fan-out topics.
func RegisterAll(d *Deps, perAuthorWorkers int) {
	if d.Validate == nil {
		d.Validate = validator.New()
	}
	d.Broker.Subscribe(domain.TopicScanJobs, (&CrawlWorker{d}).Handle)
	d.Broker.Subscribe(domain.TopicMatchQueue, (&MatchWorker{d}).Handle)
	d.Broker.Subscribe(domain.TopicIngestQueue, (&IngestWorker{d}).Handle)
	d.Broker.Subscribe(domain.TopicLinkQueue, (&LinkWorker{d}).Handle)
	d.Broker.Subscribe(domain.TopicDeduplicate, (&DeduplicateWorker{d}).Handle)
	d.Broker.Subscribe(domain.TopicScoreJobs, (&ScoreWorker{d}).Handle)
	d.Broker.Subscribe(domain.TopicCompletionJobs, (&CompletionWorker{d}).Handle)
	if perAuthorWorkers > 1 {
		d.Broker.SetConcurrency(domain.TopicMatchQueue, perAuthorWorkers)
		d.Broker.SetConcurrency(domain.TopicIngestQueue, perAuthorWorkers)
		d.Broker.SetConcurrency(domain.TopicLinkQueue, perAuthorWorkers)
	}
}

func decode[T any](d *Deps, payload []byte) (*T, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("op=worker.decode: %w", err)
	}
	if err := d.Validate.Struct(&msg); err != nil {
		return nil, fmt.Errorf("op=worker.validate: %w", err)
	}
	return &msg, nil
}

func (d *Deps) cancelled(ctx context.Context, taskID int64) bool {
	flagged, err := d.Tracker.IsCancelled(ctx, taskID)
	if err != nil {
		slog.Warn("cancellation check failed", slog.Int64("task_id", taskID), slog.Any("error", err))
		return false
	}
	return flagged
}

// finishItem accounts one drained per-author item. When this was the last
// item of the job, the next job-level stage fires: deduplicate normally,
// nothing when the job was cancelled (the task row is already cancelled and
// the counters are cleared by the drain itself).
func (d *Deps) finishItem(ctx context.Context, taskID, libraryID int64, src domain.DataSourceConfig, opts domain.ScanOptions) error {
	last, ok, err := d.Tracker.MarkItemProcessed(ctx, libraryID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("progress counters missing; job already drained",
			slog.Int64("library_id", libraryID), slog.Int64("task_id", taskID))
		return nil
	}
	if !last {
		return nil
	}
	if d.cancelled(ctx, taskID) {
		slog.Info("scan drained after cancellation",
			slog.Int64("library_id", libraryID), slog.Int64("task_id", taskID))
		return d.Tracker.ClearCancelled(ctx, taskID)
	}
	_, err = d.Broker.Publish(ctx, domain.TopicDeduplicate, &domain.JobStageMessage{
		TaskID:     taskID,
		LibraryID:  libraryID,
		DataSource: src,
		Options:    opts,
	})
	return err
}

func scanOptions(o domain.ScanOptions) scan.Options {
	return scan.Options{
		StaleMaxAgeDays:     o.StaleMaxAgeDays,
		RefreshIntervalDays: o.RefreshIntervalDays,
		MaxWorksPerAuthor:   o.MaxWorksPerAuthor,
		Force:               o.Force,
	}
}
