package match

import (
	"context"

	"github.com/fundamental/fundamental/internal/domain"
)

// Confidence constants per strategy.
const (
	ConfidenceIdentifier = 0.98
	ConfidenceExact      = 0.90
	ConfidenceExactAlt   = 0.88
	ConfidenceDirectKey  = 1.0
	// Fuzzy confidence is mapped linearly from similarity onto this range.
	ConfidenceFuzzyMin = 0.50
	ConfidenceFuzzyMax = 0.85
)

// DefaultMinSimilarity is the fuzzy strategy's acceptance floor.
const DefaultMinSimilarity = 0.70

// Strategy attempts to match a Calibre author name against a data source.
// A nil result with a nil error means no acceptable candidate.
type Strategy interface {
	Name() string
	Match(ctx context.Context, name string, ids *domain.IdentifierSet, src domain.DataSource) (*domain.MatchResult, error)
}

// IdentifierStrategy searches by name and accepts the first candidate whose
// external identifiers overlap the Calibre side's.
type IdentifierStrategy struct{}

// Name implements Strategy.
func (IdentifierStrategy) Name() string { return "identifier" }

// Match implements Strategy.
func (IdentifierStrategy) Match(ctx context.Context, name string, ids *domain.IdentifierSet, src domain.DataSource) (*domain.MatchResult, error) {
	if ids == nil || ids.Empty() {
		return nil, nil
	}
	candidates, err := src.SearchAuthor(ctx, name, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if c.Identifiers.Overlaps(*ids) {
			return &domain.MatchResult{
				Author:     c,
				Confidence: ConfidenceIdentifier,
				Method:     domain.MatchIdentifier,
			}, nil
		}
	}
	return nil, nil
}

// ExactNameStrategy compares normalized names for equality across the
// candidate's primary and alternate names.
type ExactNameStrategy struct{}

// Name implements Strategy.
func (ExactNameStrategy) Name() string { return "exact" }

// Match implements Strategy.
func (ExactNameStrategy) Match(ctx context.Context, name string, _ *domain.IdentifierSet, src domain.DataSource) (*domain.MatchResult, error) {
	want := NormalizeName(name)
	if want == "" {
		return nil, nil
	}
	candidates, err := src.SearchAuthor(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if NormalizeName(c.Name) == want {
			return &domain.MatchResult{
				Author:     c,
				Confidence: ConfidenceExact,
				Method:     domain.MatchExact,
			}, nil
		}
		for _, alt := range c.AlternateNames {
			if NormalizeName(alt) == want {
				return &domain.MatchResult{
					Author:     c,
					Confidence: ConfidenceExactAlt,
					Method:     domain.MatchExactAlt,
				}, nil
			}
		}
	}
	return nil, nil
}

// FuzzyNameStrategy accepts the best candidate whose normalized Levenshtein
// similarity reaches the configured floor, with confidence mapped linearly
// from similarity onto [ConfidenceFuzzyMin, ConfidenceFuzzyMax].
type FuzzyNameStrategy struct {
	MinSimilarity float64
}

// Name implements Strategy.
func (FuzzyNameStrategy) Name() string { return "fuzzy" }

// Match implements Strategy.
func (s FuzzyNameStrategy) Match(ctx context.Context, name string, _ *domain.IdentifierSet, src domain.DataSource) (*domain.MatchResult, error) {
	minSim := s.MinSimilarity
	if minSim <= 0 {
		minSim = DefaultMinSimilarity
	}
	want := NormalizeName(name)
	if want == "" {
		return nil, nil
	}
	candidates, err := src.SearchAuthor(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	var best *domain.AuthorData
	bestSim := 0.0
	for i := range candidates {
		c := &candidates[i]
		sim := Similarity(want, NormalizeName(c.Name))
		for _, alt := range c.AlternateNames {
			if s2 := Similarity(want, NormalizeName(alt)); s2 > sim {
				sim = s2
			}
		}
		if sim > bestSim {
			bestSim = sim
			best = c
		}
	}
	if best == nil || bestSim < minSim {
		return nil, nil
	}
	return &domain.MatchResult{
		Author:     *best,
		Confidence: FuzzyConfidence(bestSim, minSim),
		Method:     domain.MatchFuzzy,
	}, nil
}

// FuzzyConfidence maps a similarity in [minSim, 1] linearly onto
// [ConfidenceFuzzyMin, ConfidenceFuzzyMax].
func FuzzyConfidence(sim, minSim float64) float64 {
	if sim <= minSim {
		return ConfidenceFuzzyMin
	}
	if sim >= 1 {
		return ConfidenceFuzzyMax
	}
	span := 1 - minSim
	return ConfidenceFuzzyMin + (sim-minSim)/span*(ConfidenceFuzzyMax-ConfidenceFuzzyMin)
}
