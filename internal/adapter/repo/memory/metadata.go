package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fundamental/fundamental/internal/domain"
)

// MetadataStore is an in-memory domain.MetadataRepository. It shares a
// mutex-free view with the mapping store only through explicit wiring; the
// ListAuthorsForLibrary join is resolved through the Mappings field.
type MetadataStore struct {
	mu       sync.Mutex
	nextID   int64
	authors  map[int64]*domain.AuthorMetadata
	byKey    map[string]int64
	children map[int64]*domain.AuthorChildren

	// Mappings, when set, resolves the library join for ListAuthorsForLibrary.
	Mappings *MappingStore
}

// NewMetadataStore builds an empty store.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{
		authors:  map[int64]*domain.AuthorMetadata{},
		byKey:    map[string]int64{},
		children: map[int64]*domain.AuthorChildren{},
	}
}

// GetAuthor implements domain.MetadataRepository.
func (s *MetadataStore) GetAuthor(ctx domain.Context, id int64) (domain.AuthorMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authors[id]
	if !ok {
		return domain.AuthorMetadata{}, fmt.Errorf("op=memory.get_author id=%d: %w", id, domain.ErrNotFound)
	}
	return *a, nil
}

// GetAuthorByKey implements domain.MetadataRepository.
func (s *MetadataStore) GetAuthorByKey(ctx domain.Context, externalKey string) (domain.AuthorMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[externalKey]
	if !ok {
		return domain.AuthorMetadata{}, fmt.Errorf("op=memory.get_author_by_key key=%s: %w", externalKey, domain.ErrNotFound)
	}
	return *s.authors[id], nil
}

// ListAuthorsForLibrary implements domain.MetadataRepository.
func (s *MetadataStore) ListAuthorsForLibrary(ctx domain.Context, libraryID int64) ([]domain.AuthorMetadata, error) {
	if s.Mappings == nil {
		return nil, fmt.Errorf("op=memory.list_authors_for_library: mappings not wired: %w", domain.ErrInternal)
	}
	mappings, err := s.Mappings.ListMappings(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]bool{}
	var out []domain.AuthorMetadata
	for _, m := range mappings {
		if seen[m.AuthorMetadataID] {
			continue
		}
		seen[m.AuthorMetadataID] = true
		if a, ok := s.authors[m.AuthorMetadataID]; ok {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertAuthor implements domain.MetadataRepository.
func (s *MetadataStore) UpsertAuthor(ctx domain.Context, bundle domain.AuthorBundle) (domain.AuthorMetadata, error) {
	if bundle.Author.ExternalKey == nil || *bundle.Author.ExternalKey == "" {
		return domain.AuthorMetadata{}, fmt.Errorf("op=memory.upsert_author: empty external key: %w", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	key := *bundle.Author.ExternalKey
	id, exists := s.byKey[key]
	if !exists {
		s.nextID++
		id = s.nextID
		s.byKey[key] = id
		s.children[id] = &domain.AuthorChildren{}
	}
	row := bundle.Author
	row.ID = id
	s.authors[id] = &row
	s.mu.Unlock()

	if err := s.AddChildren(ctx, id, bundle.Children); err != nil {
		return domain.AuthorMetadata{}, err
	}
	return row, nil
}

// UpdateAuthor implements domain.MetadataRepository.
func (s *MetadataStore) UpdateAuthor(ctx domain.Context, author domain.AuthorMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.authors[author.ID]
	if !ok {
		return fmt.Errorf("op=memory.update_author id=%d: %w", author.ID, domain.ErrNotFound)
	}
	if old.ExternalKey != nil {
		delete(s.byKey, *old.ExternalKey)
	}
	if author.ExternalKey != nil && *author.ExternalKey != "" {
		s.byKey[*author.ExternalKey] = author.ID
	}
	row := author
	s.authors[author.ID] = &row
	return nil
}

// CreatePlaceholder implements domain.MetadataRepository.
func (s *MetadataStore) CreatePlaceholder(ctx domain.Context, name string) (domain.AuthorMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row := domain.AuthorMetadata{ID: s.nextID, Name: name}
	s.authors[row.ID] = &row
	s.children[row.ID] = &domain.AuthorChildren{}
	return row, nil
}

// DeleteAuthor implements domain.MetadataRepository.
func (s *MetadataStore) DeleteAuthor(ctx domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.authors[id]
	if !ok {
		return fmt.Errorf("op=memory.delete_author id=%d: %w", id, domain.ErrNotFound)
	}
	if a.ExternalKey != nil {
		delete(s.byKey, *a.ExternalKey)
	}
	delete(s.authors, id)
	delete(s.children, id)
	return nil
}

// Children implements domain.MetadataRepository.
func (s *MetadataStore) Children(ctx domain.Context, id int64) (domain.AuthorChildren, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authors[id]; !ok {
		return domain.AuthorChildren{}, fmt.Errorf("op=memory.children id=%d: %w", id, domain.ErrNotFound)
	}
	c := s.children[id]
	if c == nil {
		return domain.AuthorChildren{}, nil
	}
	return *c, nil
}

// AddChildren implements domain.MetadataRepository; duplicates under the
// natural keys are skipped.
func (s *MetadataStore) AddChildren(ctx domain.Context, id int64, children domain.AuthorChildren) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authors[id]; !ok {
		return fmt.Errorf("op=memory.add_children id=%d: %w", id, domain.ErrNotFound)
	}
	c := s.children[id]
	if c == nil {
		c = &domain.AuthorChildren{}
		s.children[id] = c
	}
	for _, r := range children.RemoteIDs {
		if !hasRemoteID(c.RemoteIDs, r) {
			r.AuthorMetadataID = id
			c.RemoteIDs = append(c.RemoteIDs, r)
		}
	}
	for _, p := range children.Photos {
		if !hasPhoto(c.Photos, p) {
			p.AuthorMetadataID = id
			c.Photos = append(c.Photos, p)
		}
	}
	for _, n := range children.AlternateNames {
		if !hasAlternate(c.AlternateNames, n) {
			n.AuthorMetadataID = id
			c.AlternateNames = append(c.AlternateNames, n)
		}
	}
	for _, l := range children.Links {
		if !hasLink(c.Links, l) {
			l.AuthorMetadataID = id
			c.Links = append(c.Links, l)
		}
	}
	for _, w := range children.Works {
		if !hasWork(c.Works, w) {
			w.AuthorMetadataID = id
			c.Works = append(c.Works, w)
		}
	}
	return nil
}

func hasRemoteID(xs []domain.AuthorRemoteID, x domain.AuthorRemoteID) bool {
	for _, e := range xs {
		if e.IdentifierType == x.IdentifierType && e.Value == x.Value {
			return true
		}
	}
	return false
}

func hasPhoto(xs []domain.AuthorPhoto, x domain.AuthorPhoto) bool {
	for _, e := range xs {
		if e.URL == x.URL {
			return true
		}
	}
	return false
}

func hasAlternate(xs []domain.AuthorAlternateName, x domain.AuthorAlternateName) bool {
	for _, e := range xs {
		if e.Name == x.Name {
			return true
		}
	}
	return false
}

func hasLink(xs []domain.AuthorLink, x domain.AuthorLink) bool {
	for _, e := range xs {
		if e.URL == x.URL {
			return true
		}
	}
	return false
}

func hasWork(xs []domain.AuthorWork, x domain.AuthorWork) bool {
	for _, e := range xs {
		if e.WorkKey == x.WorkKey {
			return true
		}
	}
	return false
}
