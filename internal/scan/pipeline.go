package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/fundamental/fundamental/internal/observability"
)

// Pipeline executes the seven stages in order against one shared Context.
// It is the in-process counterpart of the distributed worker fleet.
type Pipeline struct {
	stages     []Stage
	completion *CompletionStage
}

// NewPipeline builds the standard stage order.
func NewPipeline() *Pipeline {
	completion := &CompletionStage{}
	return &Pipeline{
		stages: []Stage{
			&CrawlStage{},
			&MatchStage{},
			&IngestStage{},
			&LinkStage{},
			&DeduplicateStage{},
			&ScoreStage{},
			completion,
		},
		completion: completion,
	}
}

// Run executes the stages. Per-author failures inside a stage are not
// critical; a stage-level failure short-circuits to completion, which marks
// the task failed (or cancelled when cancellation was requested).
func (p *Pipeline) Run(ctx context.Context, sc *Context) []StageResult {
	results := make([]StageResult, 0, len(p.stages))
	for _, stage := range p.stages {
		if stage == Stage(p.completion) {
			break
		}
		start := time.Now()
		res := stage.Execute(ctx, sc)
		observability.ScanStageDuration.WithLabelValues(stage.Name()).Observe(time.Since(start).Seconds())
		results = append(results, res)
		slog.Info("scan stage finished",
			slog.Int64("task_id", sc.TaskID),
			slog.Int64("library_id", sc.LibraryID),
			slog.String("stage", stage.Name()),
			slog.Bool("success", res.Success),
			slog.Any("stats", res.Stats))
		if !res.Success {
			if !sc.Cancelled() {
				p.completion.FailureMessage = stage.Name() + ": " + res.Message
			}
			break
		}
	}
	results = append(results, p.completion.Execute(ctx, sc))
	return results
}
