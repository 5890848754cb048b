package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
)

// LinkStage creates or updates the (library, calibre author) -> metadata
// mapping for every match result.
type LinkStage struct {
	done  atomic.Int64
	total atomic.Int64
	now   func() time.Time
}

// Name implements Stage.
func (s *LinkStage) Name() string { return StageLink }

// Progress implements Stage.
func (s *LinkStage) Progress() float64 {
	total := s.total.Load()
	if total == 0 {
		return 0
	}
	return float64(s.done.Load()) / float64(total)
}

// Execute implements Stage.
func (s *LinkStage) Execute(ctx context.Context, sc *Context) StageResult {
	if s.now == nil {
		s.now = time.Now
	}
	s.total.Store(int64(len(sc.MatchResults)))
	var created, updated, skipped int64
	for i, res := range sc.MatchResults {
		if sc.Cancelled() {
			return StageResult{Success: false, Message: "cancelled"}
		}
		outcome, err := LinkMatch(ctx, sc.Metadata, sc.Mappings, sc.LibraryID, res, s.now())
		switch {
		case err != nil:
			skipped++
			slog.Warn("link failed for author",
				slog.String("key", res.Author.Key),
				slog.Any("error", err))
		case outcome:
			created++
		default:
			updated++
		}
		s.done.Store(int64(i + 1))
		observability.ScanItemsProcessedTotal.WithLabelValues(StageLink).Inc()
	}
	sc.report(ctx, 0.70, stageMeta(StageLink, "completed", map[string]any{
		"mappings_created": created,
		"mappings_updated": updated,
		"skipped":          skipped,
	}))
	return StageResult{
		Success: true,
		Stats: map[string]int64{
			"mappings_created": created,
			"mappings_updated": updated,
			"skipped":          skipped,
		},
	}
}

// LinkMatch upserts the mapping for one match result. The returned bool
// reports whether a new mapping row was created. Shared with the link worker.
func LinkMatch(ctx context.Context, metadata domain.MetadataRepository, mappings domain.MappingRepository, libraryID int64, res domain.MatchResult, now time.Time) (bool, error) {
	meta, err := metadata.GetAuthorByKey(ctx, res.Author.Key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return false, err
		}
		// Ingest may have failed for this author; persist a minimal row so
		// the mapping still records the match.
		bundle := BundleFromAuthorData(res.Author, nil, now)
		meta, err = metadata.UpsertAuthor(ctx, bundle)
		if err != nil {
			return false, err
		}
	}
	return mappings.UpsertMapping(ctx, domain.AuthorMapping{
		CalibreAuthorID:  res.CalibreAuthorID,
		LibraryID:        libraryID,
		AuthorMetadataID: meta.ID,
		ConfidenceScore:  res.Confidence,
		MatchedBy:        res.Method,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
}
