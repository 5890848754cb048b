// Package memory provides in-process implementations of the persistence
// ports. They back the dev profile and the unit tests; semantics mirror the
// Postgres adapter, including statistics maintenance on terminal transitions.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
)

// TaskStore is a mutex-guarded in-memory domain.TaskStore.
type TaskStore struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*domain.Task
	stats  map[domain.TaskType]*domain.TaskStatistics
	// durations counts the terminal transitions that carried a measurable
	// duration, per type; drives the incremental average.
	durations map[domain.TaskType]int64
	now       func() time.Time
}

// NewTaskStore builds an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:     map[int64]*domain.Task{},
		stats:     map[domain.TaskType]*domain.TaskStatistics{},
		durations: map[domain.TaskType]int64{},
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *TaskStore) SetClock(now func() time.Time) { s.now = now }

// CreateTask implements domain.TaskStore.
func (s *TaskStore) CreateTask(ctx domain.Context, typ domain.TaskType, userID int64, data map[string]any) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &domain.Task{
		ID:        s.nextID,
		Type:      typ,
		Status:    domain.TaskPending,
		UserID:    userID,
		TaskData:  cloneMap(data),
		CreatedAt: s.now(),
	}
	s.tasks[t.ID] = t
	return *t, nil
}

// GetTask implements domain.TaskStore.
func (s *TaskStore) GetTask(ctx domain.Context, id int64) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=memory.get_task id=%d: %w", id, domain.ErrNotFound)
	}
	return *t, nil
}

// ListTasks implements domain.TaskStore.
func (s *TaskStore) ListTasks(ctx domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.UserID != nil && t.UserID != *f.UserID {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.Type != nil && t.Type != *f.Type {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// StartTask implements domain.TaskStore.
func (s *TaskStore) StartTask(ctx domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=memory.start_task id=%d: %w", id, domain.ErrNotFound)
	}
	if t.Status != domain.TaskPending {
		return fmt.Errorf("op=memory.start_task id=%d status=%s: %w", id, t.Status, domain.ErrConflict)
	}
	now := s.now()
	t.Status = domain.TaskRunning
	t.StartedAt = &now
	return nil
}

// UpdateProgress implements domain.TaskStore.
func (s *TaskStore) UpdateProgress(ctx domain.Context, id int64, progress float64, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=memory.update_progress id=%d: %w", id, domain.ErrNotFound)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	t.Progress = progress
	if len(meta) > 0 {
		if t.TaskData == nil {
			t.TaskData = map[string]any{}
		}
		for k, v := range meta {
			t.TaskData[k] = v
		}
	}
	return nil
}

// CompleteTask implements domain.TaskStore.
func (s *TaskStore) CompleteTask(ctx domain.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=memory.complete_task id=%d: %w", id, domain.ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("op=memory.complete_task id=%d status=%s: %w", id, t.Status, domain.ErrConflict)
	}
	now := s.now()
	t.Status = domain.TaskCompleted
	t.Progress = 1.0
	t.CompletedAt = &now
	s.recordTerminal(t, true)
	return nil
}

// FailTask implements domain.TaskStore.
func (s *TaskStore) FailTask(ctx domain.Context, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=memory.fail_task id=%d: %w", id, domain.ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("op=memory.fail_task id=%d status=%s: %w", id, t.Status, domain.ErrConflict)
	}
	if len(msg) > domain.MaxErrorMessageLen {
		msg = msg[:domain.MaxErrorMessageLen]
	}
	now := s.now()
	t.Status = domain.TaskFailed
	t.ErrorMessage = msg
	t.CompletedAt = &now
	s.recordTerminal(t, false)
	return nil
}

// CancelTask implements domain.TaskStore.
func (s *TaskStore) CancelTask(ctx domain.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("op=memory.cancel_task id=%d: %w", id, domain.ErrNotFound)
	}
	if t.Status.Terminal() {
		return false, nil
	}
	now := s.now()
	t.Status = domain.TaskCancelled
	t.CancelledAt = &now
	s.recordTerminal(t, false)
	return true, nil
}

// GetStatistics implements domain.TaskStore.
func (s *TaskStore) GetStatistics(ctx domain.Context, typ *domain.TaskType) ([]domain.TaskStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if typ != nil {
		if st, ok := s.stats[*typ]; ok {
			return []domain.TaskStatistics{*st}, nil
		}
		return nil, nil
	}
	out := make([]domain.TaskStatistics, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskType < out[j].TaskType })
	return out, nil
}

// ListStaleRunning implements domain.TaskStore.
func (s *TaskStore) ListStaleRunning(ctx domain.Context, cutoff time.Time, limit, offset int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskRunning && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTerminalBefore implements domain.TaskStore.
func (s *TaskStore) DeleteTerminalBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.CreatedAt.Before(cutoff) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// recordTerminal maintains the per-type statistics row. Called with the lock
// held, within the same critical section as the status change.
func (s *TaskStore) recordTerminal(t *domain.Task, success bool) {
	st, ok := s.stats[t.Type]
	if !ok {
		st = &domain.TaskStatistics{TaskType: t.Type}
		s.stats[t.Type] = st
	}
	st.TotalCount++
	if success {
		st.SuccessCount++
	} else {
		st.FailureCount++
	}
	now := s.now()
	st.LastRunAt = &now
	end := t.CompletedAt
	if end == nil {
		end = t.CancelledAt
	}
	if t.StartedAt == nil || end == nil {
		return
	}
	d := end.Sub(*t.StartedAt).Seconds()
	if d < 0 {
		d = 0
	}
	s.durations[t.Type]++
	finished := s.durations[t.Type]
	if finished == 1 {
		st.MinDuration, st.AvgDuration, st.MaxDuration = d, d, d
		return
	}
	if d < st.MinDuration {
		st.MinDuration = d
	}
	if d > st.MaxDuration {
		st.MaxDuration = d
	}
	st.AvgDuration += (d - st.AvgDuration) / float64(finished)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
