package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fundamental/fundamental/internal/domain"
)

type mappingKey struct {
	libraryID       int64
	calibreAuthorID int64
}

// MappingStore is an in-memory domain.MappingRepository.
type MappingStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[mappingKey]*domain.AuthorMapping
}

// NewMappingStore builds an empty store.
func NewMappingStore() *MappingStore {
	return &MappingStore{rows: map[mappingKey]*domain.AuthorMapping{}}
}

// GetMapping implements domain.MappingRepository.
func (s *MappingStore) GetMapping(ctx domain.Context, libraryID, calibreAuthorID int64) (domain.AuthorMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[mappingKey{libraryID, calibreAuthorID}]
	if !ok {
		return domain.AuthorMapping{}, fmt.Errorf("op=memory.get_mapping lib=%d author=%d: %w", libraryID, calibreAuthorID, domain.ErrNotFound)
	}
	return *m, nil
}

// ListMappings implements domain.MappingRepository.
func (s *MappingStore) ListMappings(ctx domain.Context, libraryID int64) ([]domain.AuthorMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuthorMapping
	for k, m := range s.rows {
		if k.libraryID == libraryID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertMapping implements domain.MappingRepository.
func (s *MappingStore) UpsertMapping(ctx domain.Context, m domain.AuthorMapping) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey{m.LibraryID, m.CalibreAuthorID}
	if existing, ok := s.rows[key]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
		s.rows[key] = &m
		return false, nil
	}
	s.nextID++
	m.ID = s.nextID
	s.rows[key] = &m
	return true, nil
}

// RepointMappings implements domain.MappingRepository. The (library, calibre
// author) key is untouched, so repointing can never collide with an existing
// row.
func (s *MappingStore) RepointMappings(ctx domain.Context, fromAuthorID, toAuthorID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.rows {
		if m.AuthorMetadataID == fromAuthorID {
			m.AuthorMetadataID = toAuthorID
		}
	}
	return nil
}
