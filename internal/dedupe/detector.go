// Package dedupe finds and merges duplicate author metadata rows: pairs are
// selected by normalized-name similarity, ranked by a quality score, and the
// lower-quality row is folded into the higher one with every owned child and
// reference preserved.
package dedupe

import (
	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/match"
)

// DefaultThreshold is the name-similarity floor for duplicate pairs.
const DefaultThreshold = 0.85

// Candidate is an author row plus the alternate names considered during
// detection.
type Candidate struct {
	Author         domain.AuthorMetadata
	AlternateNames []string
}

// Pair is an unordered duplicate pair with A.ID < B.ID.
type Pair struct {
	A          domain.AuthorMetadata
	B          domain.AuthorMetadata
	Similarity float64
}

// Detector emits duplicate pairs.
type Detector struct {
	Threshold float64
}

// NewDetector returns a detector; zero threshold selects DefaultThreshold.
func NewDetector(threshold float64) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{Threshold: threshold}
}

// Detect walks every unordered pair and yields duplicates lazily; returning
// false from yield stops the walk.
func (d *Detector) Detect(candidates []Candidate, yield func(Pair) bool) {
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if a.Author.ID > b.Author.ID {
				a, b = b, a
			}
			sim := d.pairSimilarity(a, b)
			if sim < d.Threshold {
				continue
			}
			if !yield(Pair{A: a.Author, B: b.Author, Similarity: sim}) {
				return
			}
		}
	}
}

// pairSimilarity is the best similarity across primary names and the
// alternate-name cross-product.
func (d *Detector) pairSimilarity(a, b Candidate) float64 {
	namesA := append([]string{a.Author.Name}, a.AlternateNames...)
	namesB := append([]string{b.Author.Name}, b.AlternateNames...)
	best := 0.0
	for _, na := range namesA {
		normA := match.NormalizeName(na)
		if normA == "" {
			continue
		}
		for _, nb := range namesB {
			normB := match.NormalizeName(nb)
			if normB == "" {
				continue
			}
			if s := match.Similarity(normA, normB); s > best {
				best = s
				if best == 1 {
					return best
				}
			}
		}
	}
	return best
}
