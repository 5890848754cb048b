// Package scan implements the library-scan workflow: seven stages sharing a
// Context, runnable in-process through the Pipeline or stage-by-stage through
// the broker workers in scan/worker.
package scan

import (
	"context"
	"sync/atomic"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/match"
)

// Stage names, also used as stage_started flags and progress labels.
const (
	StageCrawl       = "crawl"
	StageMatch       = "match"
	StageIngest      = "ingest"
	StageLink        = "link"
	StageDeduplicate = "deduplicate"
	StageScore       = "score"
	StageCompletion  = "completion"
)

// ProgressFunc reports overall task progress with optional structured meta.
type ProgressFunc func(ctx context.Context, progress float64, meta map[string]any) error

// Options tune staleness gating and fan-out for one scan.
type Options struct {
	StaleMaxAgeDays     *int
	RefreshIntervalDays *int
	MaxWorksPerAuthor   int
	Force               bool
	// DedupThreshold is the duplicate-detection similarity floor (0 selects 0.85).
	DedupThreshold float64
	// WorksLanguage restricts work fetches; empty fetches all.
	WorksLanguage string
}

// Context is the state shared by the stages of one scan invocation.
type Context struct {
	TaskID    int64
	LibraryID int64
	Library   domain.Library

	Catalog      domain.CalibreCatalog
	Source       domain.DataSource
	Tasks        domain.TaskStore
	Metadata     domain.MetadataRepository
	Mappings     domain.MappingRepository
	Similarities domain.SimilarityRepository
	Orchestrator *match.Orchestrator
	Progress     ProgressFunc
	Options      Options

	// Stage outputs.
	CrawledAuthors   []domain.CalibreAuthor
	CrawledBooks     []domain.CalibreBook
	MatchResults     []domain.MatchResult
	UnmatchedAuthors []domain.CalibreAuthor

	cancelled atomic.Bool
}

// MarkCancelled requests cooperative cancellation; stages check it at least
// once per processed item.
func (sc *Context) MarkCancelled() { sc.cancelled.Store(true) }

// Cancelled reports whether cancellation was requested.
func (sc *Context) Cancelled() bool { return sc.cancelled.Load() }

func (sc *Context) report(ctx context.Context, progress float64, meta map[string]any) {
	if sc.Progress == nil {
		return
	}
	_ = sc.Progress(ctx, progress, meta)
}

// StageResult is the outcome of one stage execution.
type StageResult struct {
	Success bool
	Message string
	Stats   map[string]int64
}

// Stage is one unit of the scan workflow.
type Stage interface {
	Name() string
	Execute(ctx context.Context, sc *Context) StageResult
	// Progress is the stage's own completion fraction in [0,1].
	Progress() float64
}

// stageMeta builds the current_stage progress substructure.
func stageMeta(name, status string, extra map[string]any) map[string]any {
	cur := map[string]any{"name": name, "status": status}
	for k, v := range extra {
		cur[k] = v
	}
	return map[string]any{"current_stage": cur}
}
