package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fundamental/fundamental/internal/dedupe"
	"github.com/fundamental/fundamental/internal/domain"
)

// DeduplicateStage detects duplicate metadata rows within the library and
// merges each pair, keeping the higher-quality row.
type DeduplicateStage struct {
	progress atomic.Value // float64
}

// Name implements Stage.
func (s *DeduplicateStage) Name() string { return StageDeduplicate }

// Progress implements Stage.
func (s *DeduplicateStage) Progress() float64 {
	if v, ok := s.progress.Load().(float64); ok {
		return v
	}
	return 0
}

// Execute implements Stage.
func (s *DeduplicateStage) Execute(ctx context.Context, sc *Context) StageResult {
	if sc.Cancelled() {
		return StageResult{Success: false, Message: "cancelled"}
	}
	merged, pairs, err := DeduplicateLibrary(ctx, sc.Metadata, sc.Mappings, sc.Similarities, sc.LibraryID, sc.Options.DedupThreshold)
	if err != nil {
		return StageResult{Success: false, Message: fmt.Sprintf("deduplicate: %v", err)}
	}
	s.progress.Store(1.0)
	sc.report(ctx, 0.80, stageMeta(StageDeduplicate, "completed", map[string]any{
		"pairs":  pairs,
		"merged": merged,
	}))
	return StageResult{Success: true, Stats: map[string]int64{"pairs": pairs, "merged": merged}}
}

// DeduplicateLibrary runs detection plus merge over every metadata row
// reachable from the library. Shared with the deduplicate worker.
func DeduplicateLibrary(ctx context.Context, metadata domain.MetadataRepository, mappings domain.MappingRepository, similarities domain.SimilarityRepository, libraryID int64, threshold float64) (merged, pairs int64, err error) {
	authors, err := metadata.ListAuthorsForLibrary(ctx, libraryID)
	if err != nil {
		return 0, 0, err
	}
	candidates := make([]dedupe.Candidate, 0, len(authors))
	for _, a := range authors {
		children, err := metadata.Children(ctx, a.ID)
		if err != nil {
			return merged, pairs, err
		}
		alts := make([]string, 0, len(children.AlternateNames))
		for _, alt := range children.AlternateNames {
			alts = append(alts, alt.Name)
		}
		candidates = append(candidates, dedupe.Candidate{Author: a, AlternateNames: alts})
	}

	merger := dedupe.NewMerger(metadata, mappings, similarities)
	gone := map[int64]bool{}
	detector := dedupe.NewDetector(threshold)
	detector.Detect(candidates, func(p dedupe.Pair) bool {
		pairs++
		if gone[p.A.ID] || gone[p.B.ID] {
			return true
		}
		keptID, mErr := merger.MergePair(ctx, p.A, p.B)
		if mErr != nil {
			slog.Warn("duplicate merge failed",
				slog.Int64("a", p.A.ID), slog.Int64("b", p.B.ID), slog.Any("error", mErr))
			return true
		}
		merged++
		if keptID == p.A.ID {
			gone[p.B.ID] = true
		} else {
			gone[p.A.ID] = true
		}
		return true
	})
	return merged, pairs, nil
}
