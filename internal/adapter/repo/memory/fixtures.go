package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fundamental/fundamental/internal/domain"
)

// ScheduleStore is an in-memory domain.ScheduleStore.
type ScheduleStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]*domain.ScheduledJob
}

// NewScheduleStore builds an empty store.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{rows: map[string]*domain.ScheduledJob{}}
}

// ListEnabled implements domain.ScheduleStore.
func (s *ScheduleStore) ListEnabled(ctx domain.Context) ([]domain.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduledJob
	for _, j := range s.rows {
		if j.Enabled {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertJob implements domain.ScheduleStore.
func (s *ScheduleStore) UpsertJob(ctx domain.Context, job domain.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rows[job.JobName]; ok {
		job.ID = existing.ID
	} else {
		s.nextID++
		job.ID = s.nextID
	}
	s.rows[job.JobName] = &job
	return nil
}

// UserStore is an in-memory domain.UserStore.
type UserStore struct {
	mu    sync.Mutex
	users []domain.User
}

// NewUserStore builds a store seeded with the given users, in creation order.
func NewUserStore(users ...domain.User) *UserStore {
	return &UserStore{users: users}
}

// Add appends a user.
func (s *UserStore) Add(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, u)
}

// SystemUser implements domain.UserStore: the first admin, else the first
// user, else ErrNotFound.
func (s *UserStore) SystemUser(ctx domain.Context) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.IsAdmin {
			return u, nil
		}
	}
	if len(s.users) > 0 {
		return s.users[0], nil
	}
	return domain.User{}, fmt.Errorf("op=memory.system_user: %w", domain.ErrNotFound)
}

// LibraryStore is an in-memory domain.LibraryStore.
type LibraryStore struct {
	mu   sync.Mutex
	rows map[int64]*domain.Library
}

// NewLibraryStore builds a store seeded with the given libraries.
func NewLibraryStore(libs ...domain.Library) *LibraryStore {
	s := &LibraryStore{rows: map[int64]*domain.Library{}}
	for _, l := range libs {
		row := l
		s.rows[l.ID] = &row
	}
	return s
}

// GetLibrary implements domain.LibraryStore.
func (s *LibraryStore) GetLibrary(ctx domain.Context, id int64) (domain.Library, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rows[id]
	if !ok {
		return domain.Library{}, fmt.Errorf("op=memory.get_library id=%d: %w", id, domain.ErrNotFound)
	}
	return *l, nil
}

// ActiveLibrary implements domain.LibraryStore.
func (s *LibraryStore) ActiveLibrary(ctx domain.Context) (domain.Library, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.rows {
		if l.IsActive {
			return *l, nil
		}
	}
	return domain.Library{}, fmt.Errorf("op=memory.active_library: %w", domain.ErrNotFound)
}

// ListLibraries implements domain.LibraryStore.
func (s *LibraryStore) ListLibraries(ctx domain.Context) ([]domain.Library, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Library, 0, len(s.rows))
	for _, l := range s.rows {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
