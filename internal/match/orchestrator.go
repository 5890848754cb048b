package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
)

// DefaultMinConfidence is the floor below which a strategy result is rejected.
const DefaultMinConfidence = 0.5

// Orchestrator runs the strategies in priority order until one yields an
// accepted result.
type Orchestrator struct {
	strategies    []Strategy
	minConfidence float64
	now           func() time.Time
}

// NewOrchestrator builds the default strategy chain: identifier, exact name,
// fuzzy name. Zero arguments select the documented defaults.
func NewOrchestrator(minConfidence, minSimilarity float64) *Orchestrator {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	return &Orchestrator{
		strategies: []Strategy{
			IdentifierStrategy{},
			ExactNameStrategy{},
			FuzzyNameStrategy{MinSimilarity: minSimilarity},
		},
		minConfidence: minConfidence,
		now:           time.Now,
	}
}

// Match iterates the strategies. Network and rate-limit failures from a
// strategy are swallowed and the next strategy is tried; the first result at
// or above the confidence floor wins. A nil result with nil error means no
// match.
func (o *Orchestrator) Match(ctx context.Context, name string, ids *domain.IdentifierSet, src domain.DataSource) (*domain.MatchResult, error) {
	for _, s := range o.strategies {
		res, err := s.Match(ctx, name, ids, src)
		if err != nil {
			if errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrRateLimited) {
				slog.Warn("match strategy transient failure",
					slog.String("strategy", s.Name()),
					slog.String("author", name),
					slog.Any("error", err))
				continue
			}
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("op=match.%s: %w", s.Name(), err)
		}
		if res != nil && res.Confidence >= o.minConfidence {
			return res, nil
		}
	}
	return nil, nil
}

// Request carries everything ProcessMatchRequest needs for one author.
type Request struct {
	Author      domain.CalibreAuthor
	Identifiers *domain.IdentifierSet
	LibraryID   int64
	Source      domain.DataSource
	// Force bypasses the skip-gate; with Key set it fetches directly.
	Force bool
	Key   string
	// StaleMaxAgeDays gates re-matching of existing mappings; nil disables.
	StaleMaxAgeDays *int
	Mappings        domain.MappingRepository
	Metadata        domain.MetadataRepository
}

// ProcessMatchRequest wraps Match with the skip-gate, the staleness gate,
// direct-key fetches, and unmatched-placeholder bookkeeping. A nil result
// with a nil error means the author was skipped or stayed unmatched.
func (o *Orchestrator) ProcessMatchRequest(ctx context.Context, req Request) (*domain.MatchResult, error) {
	existing, err := req.Mappings.GetMapping(ctx, req.LibraryID, req.Author.ID)
	haveMapping := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("op=match.process: %w", err)
	}

	if haveMapping && !req.Force {
		meta, err := req.Metadata.GetAuthor(ctx, existing.AuthorMetadataID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("op=match.process: %w", err)
		}
		// Skip-gate: a valid match already exists.
		if err == nil && existing.MatchedBy.Matched() && meta.Matched() {
			return nil, nil
		}
		// Staleness gate: the mapping was attempted recently enough.
		if req.StaleMaxAgeDays != nil {
			updated := existing.UpdatedAt
			if domain.DaysSince(updated, o.now()) < float64(*req.StaleMaxAgeDays) {
				return nil, nil
			}
		}
	}

	if req.Force && req.Key != "" {
		author, err := req.Source.GetAuthor(ctx, req.Key)
		if err != nil {
			return nil, fmt.Errorf("op=match.direct_key: %w", err)
		}
		return &domain.MatchResult{
			Author:          author,
			Confidence:      ConfidenceDirectKey,
			Method:          domain.MatchDirectKey,
			CalibreAuthorID: req.Author.ID,
		}, nil
	}

	res, err := o.Match(ctx, req.Author.Name, req.Identifiers, req.Source)
	if err != nil {
		return nil, err
	}
	if res != nil {
		res.CalibreAuthorID = req.Author.ID
		return res, nil
	}

	// No match: record the attempt so the skip-gate can distinguish "tried
	// and failed" from "never attempted".
	if err := o.recordUnmatched(ctx, req, existing, haveMapping); err != nil {
		return nil, err
	}
	return nil, nil
}

func (o *Orchestrator) recordUnmatched(ctx context.Context, req Request, existing domain.AuthorMapping, haveMapping bool) error {
	metadataID := existing.AuthorMetadataID
	if !haveMapping || metadataID == 0 {
		placeholder, err := req.Metadata.CreatePlaceholder(ctx, req.Author.Name)
		if err != nil {
			return fmt.Errorf("op=match.placeholder: %w", err)
		}
		metadataID = placeholder.ID
	}
	now := o.now()
	mapping := domain.AuthorMapping{
		CalibreAuthorID:  req.Author.ID,
		LibraryID:        req.LibraryID,
		AuthorMetadataID: metadataID,
		ConfidenceScore:  0,
		MatchedBy:        domain.MatchUnmatched,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := req.Mappings.UpsertMapping(ctx, mapping); err != nil {
		return fmt.Errorf("op=match.unmatched: %w", err)
	}
	return nil
}
