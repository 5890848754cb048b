package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/adapter/repo/memory"
	"github.com/fundamental/fundamental/internal/domain"
)

type enqueueCall struct {
	typ      domain.TaskType
	userID   int64
	payload  map[string]any
	metadata map[string]any
}

type fakeRuntime struct {
	mu    sync.Mutex
	calls []enqueueCall
}

func (f *fakeRuntime) Enqueue(ctx context.Context, typ domain.TaskType, userID int64, payload, metadata map[string]any) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqueueCall{typ, userID, payload, metadata})
	return domain.Task{ID: int64(len(f.calls)), Type: typ, UserID: userID}, nil
}

func (f *fakeRuntime) Cancel(context.Context, int64) (bool, error) { return false, nil }
func (f *fakeRuntime) Start(context.Context) error                 { return nil }
func (f *fakeRuntime) Shutdown(context.Context) error              { return nil }

type failingUserStore struct{}

func (failingUserStore) SystemUser(domain.Context) (domain.User, error) {
	return domain.User{}, domain.ErrNotFound
}

func newTestScheduler(schedules domain.ScheduleStore, users domain.UserStore) (*Scheduler, *fakeRuntime) {
	rt := &fakeRuntime{}
	return New(rt, schedules, users), rt
}

func TestRefreshJobsRegistersEnabled(t *testing.T) {
	ctx := context.Background()
	schedules := memory.NewScheduleStore()
	require.NoError(t, schedules.UpsertJob(ctx, domain.ScheduledJob{
		JobName:        "nightly_scan",
		TaskType:       domain.TaskLibraryScan,
		CronExpression: "0 2 * * *",
		Enabled:        true,
	}))
	require.NoError(t, schedules.UpsertJob(ctx, domain.ScheduledJob{
		JobName:        "paused_refresh",
		TaskType:       domain.TaskAuthorMetadataFetch,
		CronExpression: "0 3 * * *",
		Enabled:        false,
	}))

	s, _ := newTestScheduler(schedules, memory.NewUserStore(domain.User{ID: 1, IsAdmin: true}))
	require.NoError(t, s.RefreshJobs(ctx))

	assert.Len(t, s.entries, 1)
	assert.Contains(t, s.entries, "nightly_scan")
	assert.Len(t, s.cron.Entries(), 1)
}

func TestRefreshJobsSkipsInvalidCron(t *testing.T) {
	ctx := context.Background()
	schedules := memory.NewScheduleStore()
	require.NoError(t, schedules.UpsertJob(ctx, domain.ScheduledJob{
		JobName:        "broken",
		TaskType:       domain.TaskLibraryScan,
		CronExpression: "not a cron line",
		Enabled:        true,
	}))
	require.NoError(t, schedules.UpsertJob(ctx, domain.ScheduledJob{
		JobName:        "weekly",
		TaskType:       domain.TaskLibraryScan,
		CronExpression: "0 4 * * 0",
		Enabled:        true,
	}))

	s, _ := newTestScheduler(schedules, memory.NewUserStore(domain.User{ID: 1, IsAdmin: true}))
	require.NoError(t, s.RefreshJobs(ctx))

	assert.Len(t, s.entries, 1)
	assert.Contains(t, s.entries, "weekly")
}

func TestRefreshJobsRemovesDisabled(t *testing.T) {
	ctx := context.Background()
	schedules := memory.NewScheduleStore()
	job := domain.ScheduledJob{
		JobName:        "nightly_scan",
		TaskType:       domain.TaskLibraryScan,
		CronExpression: "0 2 * * *",
		Enabled:        true,
	}
	require.NoError(t, schedules.UpsertJob(ctx, job))

	s, _ := newTestScheduler(schedules, memory.NewUserStore(domain.User{ID: 1, IsAdmin: true}))
	require.NoError(t, s.RefreshJobs(ctx))
	require.Len(t, s.entries, 1)

	job.Enabled = false
	require.NoError(t, schedules.UpsertJob(ctx, job))
	require.NoError(t, s.RefreshJobs(ctx))

	assert.Empty(t, s.entries)
	assert.Empty(t, s.cron.Entries())
}

func TestRefreshJobsKeepsScheduleWithoutSystemUser(t *testing.T) {
	ctx := context.Background()
	schedules := memory.NewScheduleStore()
	require.NoError(t, schedules.UpsertJob(ctx, domain.ScheduledJob{
		JobName:        "nightly_scan",
		TaskType:       domain.TaskLibraryScan,
		CronExpression: "0 2 * * *",
		Enabled:        true,
	}))

	s, _ := newTestScheduler(schedules, failingUserStore{})
	require.NoError(t, s.RefreshJobs(ctx))
	assert.Empty(t, s.entries)
}

func TestTriggerEnqueuesWithMetadata(t *testing.T) {
	schedules := memory.NewScheduleStore()
	s, rt := newTestScheduler(schedules, memory.NewUserStore(domain.User{ID: 9, IsAdmin: true}))

	job := domain.ScheduledJob{
		JobName:        "nightly_scan",
		TaskType:       domain.TaskLibraryScan,
		CronExpression: "0 2 * * *",
		Enabled:        true,
		Arguments:      map[string]any{"library_id": int64(3)},
		JobMetadata:    map[string]any{"max_runtime_seconds": 3600},
	}
	s.trigger(job, 9)()

	require.Len(t, rt.calls, 1)
	call := rt.calls[0]
	assert.Equal(t, domain.TaskLibraryScan, call.typ)
	assert.Equal(t, int64(9), call.userID)
	assert.Equal(t, int64(3), call.payload["library_id"])
	assert.Equal(t, true, call.metadata["scheduled"])
	assert.Equal(t, string(domain.TaskLibraryScan), call.metadata["task_type"])
	assert.Equal(t, 3600, call.metadata["max_runtime_seconds"])
}

func TestTriggerUsesJobUserOverride(t *testing.T) {
	schedules := memory.NewScheduleStore()
	s, rt := newTestScheduler(schedules, memory.NewUserStore(domain.User{ID: 1, IsAdmin: true}))

	override := int64(42)
	job := domain.ScheduledJob{
		JobName:        "owner_refresh",
		TaskType:       domain.TaskAuthorMetadataFetch,
		CronExpression: "0 5 * * *",
		Enabled:        true,
		UserID:         &override,
	}
	require.NoError(t, schedules.UpsertJob(context.Background(), job))
	require.NoError(t, s.RefreshJobs(context.Background()))

	// Fire the registered entry body directly instead of waiting on cron.
	s.trigger(job, override)()
	require.Len(t, rt.calls, 1)
	assert.Equal(t, override, rt.calls[0].userID)
}
