package scan

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
)

// ScoreStage computes AuthorSimilarity rows from shared work subjects.
type ScoreStage struct {
	progress atomic.Value // float64
	now      func() time.Time
}

// Name implements Stage.
func (s *ScoreStage) Name() string { return StageScore }

// Progress implements Stage.
func (s *ScoreStage) Progress() float64 {
	if v, ok := s.progress.Load().(float64); ok {
		return v
	}
	return 0
}

// Execute implements Stage.
func (s *ScoreStage) Execute(ctx context.Context, sc *Context) StageResult {
	if s.now == nil {
		s.now = time.Now
	}
	if sc.Cancelled() {
		return StageResult{Success: false, Message: "cancelled"}
	}
	scored, err := ScoreLibrary(ctx, sc.Metadata, sc.Similarities, sc.LibraryID, sc.Options, s.now())
	if err != nil {
		return StageResult{Success: false, Message: fmt.Sprintf("score: %v", err)}
	}
	s.progress.Store(1.0)
	sc.report(ctx, 0.95, stageMeta(StageScore, "completed", map[string]any{"scored": scored}))
	return StageResult{Success: true, Stats: map[string]int64{"scored": scored}}
}

// ScoreLibrary computes pairwise subject-overlap similarity for the library's
// authors and upserts the directed pairs. Existing fresh scores are kept when
// the staleness options say so. Shared with the score worker.
func ScoreLibrary(ctx context.Context, metadata domain.MetadataRepository, similarities domain.SimilarityRepository, libraryID int64, opts Options, now time.Time) (int64, error) {
	authors, err := metadata.ListAuthorsForLibrary(ctx, libraryID)
	if err != nil {
		return 0, err
	}
	subjects := make([]map[string]bool, len(authors))
	for i, a := range authors {
		children, err := metadata.Children(ctx, a.ID)
		if err != nil {
			return 0, err
		}
		set := map[string]bool{}
		for _, w := range children.Works {
			for _, subj := range w.Subjects {
				set[subj] = true
			}
		}
		subjects[i] = set
	}

	var scored int64
	for i := 0; i < len(authors); i++ {
		for j := i + 1; j < len(authors); j++ {
			if fresh(ctx, similarities, authors[i].ID, authors[j].ID, opts, now) {
				continue
			}
			score := jaccard(subjects[i], subjects[j])
			if score <= 0 {
				continue
			}
			pair := domain.AuthorSimilarity{
				Author1ID:  authors[i].ID,
				Author2ID:  authors[j].ID,
				Score:      score,
				ComputedAt: now,
			}
			if err := similarities.UpsertSimilarity(ctx, pair); err != nil {
				return scored, err
			}
			scored++
		}
	}
	return scored, nil
}

func fresh(ctx context.Context, similarities domain.SimilarityRepository, a, b int64, opts Options, now time.Time) bool {
	existing, err := similarities.ListSimilarities(ctx, a)
	if err != nil {
		return false
	}
	for _, s := range existing {
		if (s.Author1ID == a && s.Author2ID == b) || (s.Author1ID == b && s.Author2ID == a) {
			computed := s.ComputedAt
			return domain.SkipForFreshness(&computed, opts.StaleMaxAgeDays, opts.RefreshIntervalDays, now)
		}
	}
	return false
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for k := range small {
		if large[k] {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}
