package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/domain"
)

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()

	task, err := s.CreateTask(ctx, domain.TaskLibraryScan, 1, map[string]any{"library_id": 2})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Zero(t, task.Progress)

	require.NoError(t, s.StartTask(ctx, task.ID))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// Starting twice conflicts.
	assert.ErrorIs(t, s.StartTask(ctx, task.ID), domain.ErrConflict)

	require.NoError(t, s.UpdateProgress(ctx, task.ID, 0.5, map[string]any{"stage": "match"}))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Progress)
	assert.Equal(t, "match", got.TaskData["stage"])
	assert.Equal(t, 2, got.TaskData["library_id"])

	require.NoError(t, s.CompleteTask(ctx, task.ID))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.CancelledAt)
}

func TestProgressClamped(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()
	task, err := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, task.ID, -0.5, nil))
	got, _ := s.GetTask(ctx, task.ID)
	assert.Equal(t, 0.0, got.Progress)

	require.NoError(t, s.UpdateProgress(ctx, task.ID, 1.5, nil))
	got, _ = s.GetTask(ctx, task.ID)
	assert.Equal(t, 1.0, got.Progress)
}

func TestFailTruncatesMessage(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()
	task, err := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.StartTask(ctx, task.ID))

	long := strings.Repeat("x", domain.MaxErrorMessageLen+500)
	require.NoError(t, s.FailTask(ctx, task.ID, long))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Len(t, got.ErrorMessage, domain.MaxErrorMessageLen)
}

func TestCancelIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()
	task, err := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	require.NoError(t, err)

	changed, err := s.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.Nil(t, got.CompletedAt)

	// Completing a cancelled task conflicts.
	assert.ErrorIs(t, s.CompleteTask(ctx, task.ID), domain.ErrConflict)
}

func TestListTasksFilters(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()

	a, _ := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	b, _ := s.CreateTask(ctx, domain.TaskAuthorMetadataFetch, 1, nil)
	c, _ := s.CreateTask(ctx, domain.TaskLibraryScan, 2, nil)
	require.NoError(t, s.StartTask(ctx, b.ID))

	user1 := int64(1)
	out, err := s.ListTasks(ctx, domain.TaskFilter{UserID: &user1})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	typ := domain.TaskLibraryScan
	out, err = s.ListTasks(ctx, domain.TaskFilter{Type: &typ})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	running := domain.TaskRunning
	out, err = s.ListTasks(ctx, domain.TaskFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b.ID, out[0].ID)

	out, err = s.ListTasks(ctx, domain.TaskFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = s.ListTasks(ctx, domain.TaskFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, out)

	_ = a
	_ = c
}

func TestStatisticsIncrementalAverage(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	run := func(d time.Duration, succeed bool) {
		task, err := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
		require.NoError(t, err)
		require.NoError(t, s.StartTask(ctx, task.ID))
		clock = clock.Add(d)
		if succeed {
			require.NoError(t, s.CompleteTask(ctx, task.ID))
		} else {
			require.NoError(t, s.FailTask(ctx, task.ID, "boom"))
		}
	}

	run(10*time.Second, true)
	run(20*time.Second, true)
	run(60*time.Second, false)

	stats, err := s.GetStatistics(ctx, nil)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	st := stats[0]
	assert.Equal(t, int64(3), st.TotalCount)
	assert.Equal(t, int64(2), st.SuccessCount)
	assert.Equal(t, int64(1), st.FailureCount)
	assert.Equal(t, 10.0, st.MinDuration)
	assert.Equal(t, 60.0, st.MaxDuration)
	assert.InDelta(t, 30.0, st.AvgDuration, 1e-9)
	require.NotNil(t, st.LastRunAt)
}

func TestStatisticsIgnoreUnstartedDurations(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()

	// Fails before ever starting: counts as a failure, contributes no duration.
	task, err := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.FailTask(ctx, task.ID, "queue full"))

	typ := domain.TaskLibraryScan
	stats, err := s.GetStatistics(ctx, &typ)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].FailureCount)
	assert.Zero(t, stats[0].AvgDuration)
}

func TestStatisticsCountCancelled(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	// Cancellation is a terminal transition and moves the statistics like a
	// failure, with the running time up to the cancel as the duration.
	running, err := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	require.NoError(t, err)
	require.NoError(t, s.StartTask(ctx, running.ID))
	clock = base.Add(15 * time.Second)
	changed, err := s.CancelTask(ctx, running.ID)
	require.NoError(t, err)
	require.True(t, changed)

	// Cancelled while still pending: counts, contributes no duration.
	pending, err := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	require.NoError(t, err)
	changed, err = s.CancelTask(ctx, pending.ID)
	require.NoError(t, err)
	require.True(t, changed)

	typ := domain.TaskLibraryScan
	stats, err := s.GetStatistics(ctx, &typ)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	st := stats[0]
	assert.Equal(t, int64(2), st.TotalCount)
	assert.Equal(t, int64(0), st.SuccessCount)
	assert.Equal(t, int64(2), st.FailureCount)
	assert.InDelta(t, 15.0, st.AvgDuration, 1e-9)
	assert.Equal(t, 15.0, st.MinDuration)
	assert.Equal(t, 15.0, st.MaxDuration)
}

func TestStaleRunningAndRetention(t *testing.T) {
	ctx := context.Background()
	s := NewTaskStore()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	stale, _ := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	require.NoError(t, s.StartTask(ctx, stale.ID))

	clock = base.Add(3 * time.Hour)
	fresh, _ := s.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	require.NoError(t, s.StartTask(ctx, fresh.ID))

	out, err := s.ListStaleRunning(ctx, base.Add(2*time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, stale.ID, out[0].ID)

	// Retention removes only terminal rows older than the cutoff.
	require.NoError(t, s.FailTask(ctx, stale.ID, "stuck"))
	deleted, err := s.DeleteTerminalBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetTask(ctx, stale.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetTask(ctx, fresh.ID)
	assert.NoError(t, err)
}
