package memory

import (
	"sort"
	"sync"

	"github.com/fundamental/fundamental/internal/domain"
)

type pairKey struct {
	a, b int64
}

// SimilarityStore is an in-memory domain.SimilarityRepository.
type SimilarityStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[pairKey]*domain.AuthorSimilarity
}

// NewSimilarityStore builds an empty store.
func NewSimilarityStore() *SimilarityStore {
	return &SimilarityStore{rows: map[pairKey]*domain.AuthorSimilarity{}}
}

// UpsertSimilarity implements domain.SimilarityRepository.
func (s *SimilarityStore) UpsertSimilarity(ctx domain.Context, sim domain.AuthorSimilarity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{sim.Author1ID, sim.Author2ID}
	if existing, ok := s.rows[key]; ok {
		sim.ID = existing.ID
		s.rows[key] = &sim
		return nil
	}
	s.nextID++
	sim.ID = s.nextID
	s.rows[key] = &sim
	return nil
}

// ListSimilarities implements domain.SimilarityRepository: every pair the
// author participates in, either side.
func (s *SimilarityStore) ListSimilarities(ctx domain.Context, authorID int64) ([]domain.AuthorSimilarity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuthorSimilarity
	for _, sim := range s.rows {
		if sim.Author1ID == authorID || sim.Author2ID == authorID {
			out = append(out, *sim)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RepointSimilarities implements domain.SimilarityRepository; self-pairs are
// dropped and the newer score wins a collision.
func (s *SimilarityStore) RepointSimilarities(ctx domain.Context, fromAuthorID, toAuthorID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sim := range s.rows {
		if sim.Author1ID != fromAuthorID && sim.Author2ID != fromAuthorID {
			continue
		}
		delete(s.rows, key)
		moved := *sim
		if moved.Author1ID == fromAuthorID {
			moved.Author1ID = toAuthorID
		}
		if moved.Author2ID == fromAuthorID {
			moved.Author2ID = toAuthorID
		}
		if moved.Author1ID == moved.Author2ID {
			continue
		}
		newKey := pairKey{moved.Author1ID, moved.Author2ID}
		if existing, ok := s.rows[newKey]; ok {
			if !moved.ComputedAt.After(existing.ComputedAt) {
				continue
			}
			moved.ID = existing.ID
		}
		s.rows[newKey] = &moved
	}
	return nil
}
