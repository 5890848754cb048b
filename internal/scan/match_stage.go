package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/match"
	"github.com/fundamental/fundamental/internal/observability"
)

// MatchStage applies the skip and staleness rules to every crawled author and
// invokes the orchestrator for the rest.
type MatchStage struct {
	done  atomic.Int64
	total atomic.Int64
}

// Name implements Stage.
func (s *MatchStage) Name() string { return StageMatch }

// Progress implements Stage.
func (s *MatchStage) Progress() float64 {
	total := s.total.Load()
	if total == 0 {
		return 0
	}
	return float64(s.done.Load()) / float64(total)
}

// Execute implements Stage.
func (s *MatchStage) Execute(ctx context.Context, sc *Context) StageResult {
	authors := sc.CrawledAuthors
	s.total.Store(int64(len(authors)))
	var matched, unmatched, skipped, failed int64

	for i, author := range authors {
		if sc.Cancelled() {
			return StageResult{Success: false, Message: "cancelled"}
		}
		ids := authorIdentifiers(ctx, sc, author.ID)
		res, err := sc.Orchestrator.ProcessMatchRequest(ctx, match.Request{
			Author:          author,
			Identifiers:     ids,
			LibraryID:       sc.LibraryID,
			Source:          sc.Source,
			Force:           sc.Options.Force,
			StaleMaxAgeDays: sc.Options.StaleMaxAgeDays,
			Mappings:        sc.Mappings,
			Metadata:        sc.Metadata,
		})
		switch {
		case err != nil:
			// Network trouble aborts only the current author.
			failed++
			slog.Warn("match failed for author",
				slog.String("author", author.Name),
				slog.Any("error", err))
		case res != nil:
			matched++
			sc.MatchResults = append(sc.MatchResults, *res)
		default:
			// Skipped by the gates, or recorded as an unmatched placeholder.
			existing, mErr := sc.Mappings.GetMapping(ctx, sc.LibraryID, author.ID)
			if mErr == nil && existing.MatchedBy == domain.MatchUnmatched {
				unmatched++
				sc.UnmatchedAuthors = append(sc.UnmatchedAuthors, author)
			} else {
				skipped++
			}
		}
		s.done.Store(int64(i + 1))
		observability.ScanItemsProcessedTotal.WithLabelValues(StageMatch).Inc()
		sc.report(ctx, 0.05+0.25*s.Progress(), stageMeta(StageMatch, "running", map[string]any{
			"current_item":  author.Name,
			"current_index": i + 1,
			"total_items":   len(authors),
			"matched":       matched,
			"unmatched":     unmatched,
			"skipped":       skipped,
		}))
	}
	return StageResult{
		Success: true,
		Stats: map[string]int64{
			"matched":   matched,
			"unmatched": unmatched,
			"skipped":   skipped,
			"failed":    failed,
		},
	}
}

func authorIdentifiers(ctx context.Context, sc *Context, authorID int64) *domain.IdentifierSet {
	if sc.Catalog == nil {
		return nil
	}
	ids, err := sc.Catalog.AuthorIdentifiers(ctx, authorID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Debug("author identifiers unavailable", slog.Int64("author_id", authorID), slog.Any("error", err))
		}
		return nil
	}
	if ids.Empty() {
		return nil
	}
	return &ids
}
