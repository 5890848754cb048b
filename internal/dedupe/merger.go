package dedupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
)

// Merger folds a duplicate author row into the kept one: child collections
// are transferred deduplicating by natural key, mappings and similarities are
// repointed, scalar gaps on the kept row are filled, and the merged row is
// deleted.
type Merger struct {
	Metadata     domain.MetadataRepository
	Mappings     domain.MappingRepository
	Similarities domain.SimilarityRepository
	now          func() time.Time
}

// NewMerger wires a merger over the three repositories.
func NewMerger(metadata domain.MetadataRepository, mappings domain.MappingRepository, similarities domain.SimilarityRepository) *Merger {
	return &Merger{Metadata: metadata, Mappings: mappings, Similarities: similarities, now: time.Now}
}

// MergePair decides keep vs merge by quality score (ties keep the lower id)
// and performs the merge. Re-running on an already-merged pair is a no-op.
func (m *Merger) MergePair(ctx context.Context, a, b domain.AuthorMetadata) (keptID int64, err error) {
	now := m.now()
	keep, merge := a, b
	if QualityScore(b, now) > QualityScore(a, now) {
		keep, merge = b, a
	}
	if err := m.Merge(ctx, keep.ID, merge.ID); err != nil {
		return 0, err
	}
	return keep.ID, nil
}

// Merge folds mergeID into keepID.
func (m *Merger) Merge(ctx context.Context, keepID, mergeID int64) error {
	if keepID == mergeID {
		return fmt.Errorf("op=dedupe.merge: %w", domain.ErrInvalidArgument)
	}
	keep, err := m.Metadata.GetAuthor(ctx, keepID)
	if err != nil {
		return fmt.Errorf("op=dedupe.merge: %w", err)
	}
	merge, err := m.Metadata.GetAuthor(ctx, mergeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Already merged; idempotent.
			return nil
		}
		return fmt.Errorf("op=dedupe.merge: %w", err)
	}

	children, err := m.Metadata.Children(ctx, mergeID)
	if err != nil {
		return fmt.Errorf("op=dedupe.merge: %w", err)
	}
	// AddChildren deduplicates by natural key against the kept row.
	if err := m.Metadata.AddChildren(ctx, keepID, children); err != nil {
		return fmt.Errorf("op=dedupe.merge: %w", err)
	}

	if err := m.Mappings.RepointMappings(ctx, mergeID, keepID); err != nil {
		return fmt.Errorf("op=dedupe.merge: %w", err)
	}
	if err := m.Similarities.RepointSimilarities(ctx, mergeID, keepID); err != nil {
		return fmt.Errorf("op=dedupe.merge: %w", err)
	}

	merged := mergeScalars(keep, merge)
	if err := m.Metadata.UpdateAuthor(ctx, merged); err != nil {
		return fmt.Errorf("op=dedupe.merge: %w", err)
	}
	if err := m.Metadata.DeleteAuthor(ctx, mergeID); err != nil {
		return fmt.Errorf("op=dedupe.merge: %w", err)
	}
	slog.Info("merged duplicate author",
		slog.Int64("keep_id", keepID),
		slog.Int64("merge_id", mergeID),
		slog.String("name", merged.Name))
	return nil
}

// mergeScalars prefers the kept row's populated fields and fills its gaps
// from the merged row.
func mergeScalars(keep, merge domain.AuthorMetadata) domain.AuthorMetadata {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&keep.Biography, merge.Biography)
	fill(&keep.BirthDate, merge.BirthDate)
	fill(&keep.DeathDate, merge.DeathDate)
	fill(&keep.Location, merge.Location)
	fill(&keep.PhotoURL, merge.PhotoURL)
	fill(&keep.PersonalName, merge.PersonalName)
	fill(&keep.FullerName, merge.FullerName)
	fill(&keep.TitlePrefix, merge.TitlePrefix)
	fill(&keep.TopWork, merge.TopWork)
	if keep.ExternalKey == nil {
		keep.ExternalKey = merge.ExternalKey
	}
	if keep.RatingsAverage == nil {
		keep.RatingsAverage = merge.RatingsAverage
	}
	if merge.RatingsCount > keep.RatingsCount {
		keep.RatingsCount = merge.RatingsCount
	}
	if merge.WorkCount > keep.WorkCount {
		keep.WorkCount = merge.WorkCount
	}
	if keep.LastSyncedAt == nil {
		keep.LastSyncedAt = merge.LastSyncedAt
	} else if merge.LastSyncedAt != nil && merge.LastSyncedAt.After(*keep.LastSyncedAt) {
		keep.LastSyncedAt = merge.LastSyncedAt
	}
	return keep
}
