// Package scheduler triggers recurring tasks from database-stored cron
// definitions. Schedules evaluate in UTC; a job whose previous run is still
// executing is skipped, not stacked.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/taskrun"
)

// Scheduler owns one cron instance and reconciles its entries against the
// schedule store.
type Scheduler struct {
	runtime   taskrun.Runtime
	schedules domain.ScheduleStore
	users     domain.UserStore

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	started bool
}

// New builds a stopped scheduler.
func New(runtime taskrun.Runtime, schedules domain.ScheduleStore, users domain.UserStore) *Scheduler {
	logger := cron.VerbosePrintfLogger(slogPrintf{})
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	return &Scheduler{
		runtime:   runtime,
		schedules: schedules,
		users:     users,
		cron:      c,
		entries:   map[string]cron.EntryID{},
	}
}

// Start loads the jobs and begins triggering.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.RefreshJobs(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
	return nil
}

// RefreshJobs reconciles cron entries with the enabled jobs in the store.
// An empty store clears every entry. When the system user cannot be resolved
// the current entries are kept untouched, so a transient account problem
// does not silently drop all schedules.
func (s *Scheduler) RefreshJobs(ctx context.Context) error {
	jobs, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		s.clearEntries()
		slog.Info("no enabled scheduled jobs")
		return nil
	}
	systemUser, err := s.users.SystemUser(ctx)
	if err != nil {
		slog.Error("system user unavailable, keeping current schedule", slog.Any("error", err))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, job := range jobs {
		seen[job.JobName] = true
		if id, ok := s.entries[job.JobName]; ok {
			s.cron.Remove(id)
		}
		userID := systemUser.ID
		if job.UserID != nil {
			userID = *job.UserID
		}
		entryID, err := s.cron.AddFunc(job.CronExpression, s.trigger(job, userID))
		if err != nil {
			slog.Error("invalid cron expression, skipping job",
				slog.String("job", job.JobName),
				slog.String("expression", job.CronExpression),
				slog.Any("error", err))
			delete(s.entries, job.JobName)
			continue
		}
		s.entries[job.JobName] = entryID
		slog.Info("scheduled job registered",
			slog.String("job", job.JobName),
			slog.String("type", string(job.TaskType)),
			slog.String("expression", job.CronExpression))
	}
	for name, id := range s.entries {
		if !seen[name] {
			s.cron.Remove(id)
			delete(s.entries, name)
		}
	}
	return nil
}

func (s *Scheduler) trigger(job domain.ScheduledJob, userID int64) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		metadata := map[string]any{
			"task_type": string(job.TaskType),
			"scheduled": true,
		}
		for k, v := range job.JobMetadata {
			metadata[k] = v
		}
		task, err := s.runtime.Enqueue(ctx, job.TaskType, userID, job.Arguments, metadata)
		if err != nil {
			slog.Error("scheduled trigger failed",
				slog.String("job", job.JobName),
				slog.String("type", string(job.TaskType)),
				slog.Any("error", err))
			return
		}
		slog.Info("scheduled task enqueued",
			slog.String("job", job.JobName),
			slog.Int64("task_id", task.ID))
	}
}

func (s *Scheduler) clearEntries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, id := range s.entries {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Shutdown stops triggering and waits for running trigger functions.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}
	stop := s.cron.Stop()
	select {
	case <-stop.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// slogPrintf adapts slog to cron's printf logger.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...any) {
	slog.Debug("cron: " + fmt.Sprintf(format, args...))
}
