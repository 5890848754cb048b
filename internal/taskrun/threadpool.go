package taskrun

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
)

// ThreadRuntime runs handlers on a bounded in-process worker pool fed by a
// FIFO channel. One instance per process; cancellation is tracked in memory.
type ThreadRuntime struct {
	tasks    domain.TaskStore
	registry *Registry
	workers  int

	queue chan queuedTask
	wg    sync.WaitGroup

	mu        sync.Mutex
	cancelled map[int64]bool
	running   map[int64]context.CancelFunc
	started   bool
	closed    bool
}

type queuedTask struct {
	id       int64
	typ      domain.TaskType
	userID   int64
	payload  map[string]any
	metadata map[string]any
}

// NewThreadRuntime builds the runtime; workers <= 0 selects 8.
func NewThreadRuntime(tasks domain.TaskStore, registry *Registry, workers, queueSize int) *ThreadRuntime {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &ThreadRuntime{
		tasks:     tasks,
		registry:  registry,
		workers:   workers,
		queue:     make(chan queuedTask, queueSize),
		cancelled: map[int64]bool{},
		running:   map[int64]context.CancelFunc{},
	}
}

// Start implements Runtime: spawns the worker pool.
func (r *ThreadRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("op=taskrun.start: already started: %w", domain.ErrConflict)
	}
	r.started = true
	r.mu.Unlock()
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	slog.Info("thread runtime started", slog.Int("workers", r.workers))
	return nil
}

// Enqueue implements Runtime: persists the pending row and queues it.
func (r *ThreadRuntime) Enqueue(ctx context.Context, typ domain.TaskType, userID int64, payload, metadata map[string]any) (domain.Task, error) {
	if _, err := r.registry.Lookup(typ); err != nil {
		return domain.Task{}, err
	}
	task, err := r.tasks.CreateTask(ctx, typ, userID, payload)
	if err != nil {
		return domain.Task{}, err
	}
	observability.EnqueueTask(string(typ))
	select {
	case r.queue <- queuedTask{id: task.ID, typ: typ, userID: userID, payload: payload, metadata: metadata}:
	default:
		// Queue full: fail fast rather than block the caller.
		_ = r.tasks.FailTask(ctx, task.ID, "task queue full")
		return domain.Task{}, fmt.Errorf("op=taskrun.enqueue type=%s: queue full: %w", typ, domain.ErrInternal)
	}
	return task, nil
}

// Cancel implements Runtime. Pending tasks are flagged and skipped when
// dequeued; running tasks get their context cancelled. The task row updates
// immediately either way.
func (r *ThreadRuntime) Cancel(ctx context.Context, taskID int64) (bool, error) {
	changed, err := r.tasks.CancelTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	r.mu.Lock()
	r.cancelled[taskID] = true
	cancel := r.running[taskID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	task, err := r.tasks.GetTask(ctx, taskID)
	if err == nil {
		observability.CancelTask(string(task.Type))
	}
	return true, nil
}

// Shutdown implements Runtime: closes the queue and waits for in-flight
// handlers up to the context deadline.
func (r *ThreadRuntime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	close(r.queue)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("thread runtime drained")
		return nil
	case <-ctx.Done():
		slog.Warn("thread runtime shutdown timed out with handlers in flight")
		return ctx.Err()
	}
}

func (r *ThreadRuntime) worker(ctx context.Context) {
	defer r.wg.Done()
	for qt := range r.queue {
		r.run(ctx, qt)
	}
}

func (r *ThreadRuntime) run(ctx context.Context, qt queuedTask) {
	r.mu.Lock()
	wasCancelled := r.cancelled[qt.id]
	delete(r.cancelled, qt.id)
	r.mu.Unlock()
	if wasCancelled {
		// Cancelled while still queued; the row is already terminal.
		slog.Info("skipping cancelled task", slog.Int64("task_id", qt.id), slog.String("type", string(qt.typ)))
		return
	}

	handler, err := r.registry.Lookup(qt.typ)
	if err != nil {
		_ = r.tasks.FailTask(ctx, qt.id, err.Error())
		return
	}
	if err := r.tasks.StartTask(ctx, qt.id); err != nil {
		slog.Warn("start task failed", slog.Int64("task_id", qt.id), slog.Any("error", err))
		return
	}
	observability.StartTask(string(qt.typ))

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[qt.id] = cancel
	r.mu.Unlock()
	start := time.Now()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.running, qt.id)
		delete(r.cancelled, qt.id)
		r.mu.Unlock()
	}()

	err = r.invoke(runCtx, handler, qt)
	elapsed := time.Since(start).Seconds()
	switch {
	case err == nil:
		if err := r.tasks.CompleteTask(ctx, qt.id); err != nil {
			// Cancel may have won the race; the terminal row stands.
			slog.Info("complete skipped", slog.Int64("task_id", qt.id), slog.Any("error", err))
			return
		}
		observability.CompleteTask(string(qt.typ), elapsed)
	case r.isCancelled(ctx, qt.id):
		slog.Info("task cancelled during execution", slog.Int64("task_id", qt.id), slog.String("type", string(qt.typ)))
	default:
		if ferr := r.tasks.FailTask(ctx, qt.id, err.Error()); ferr != nil {
			slog.Warn("fail task failed", slog.Int64("task_id", qt.id), slog.Any("error", ferr))
			return
		}
		observability.FailTask(string(qt.typ), elapsed)
		slog.Error("task failed",
			slog.Int64("task_id", qt.id),
			slog.String("type", string(qt.typ)),
			slog.Any("error", err))
	}
}

// invoke runs the handler with panic containment.
func (r *ThreadRuntime) invoke(ctx context.Context, handler Handler, qt queuedTask) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("task handler panicked",
				slog.Int64("task_id", qt.id),
				slog.String("type", string(qt.typ)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("op=taskrun.invoke: panic: %v", rec)
		}
	}()
	hc := &HandlerContext{
		Tasks:    r.tasks,
		TaskID:   qt.id,
		UserID:   qt.userID,
		Payload:  qt.payload,
		Metadata: qt.metadata,
		UpdateProgress: func(ctx context.Context, progress float64, meta map[string]any) error {
			return r.tasks.UpdateProgress(ctx, qt.id, progress, meta)
		},
		EnqueueSubtask: func(ctx context.Context, typ domain.TaskType, payload map[string]any) (int64, error) {
			sub, err := r.Enqueue(ctx, typ, qt.userID, payload, map[string]any{"parent_task_id": qt.id})
			if err != nil {
				return 0, err
			}
			return sub.ID, nil
		},
		Cancelled: func(ctx context.Context) bool { return r.isCancelled(ctx, qt.id) },
	}
	return handler(ctx, hc)
}

func (r *ThreadRuntime) isCancelled(ctx context.Context, taskID int64) bool {
	r.mu.Lock()
	flagged := r.cancelled[taskID]
	r.mu.Unlock()
	if flagged {
		return true
	}
	task, err := r.tasks.GetTask(ctx, taskID)
	return err == nil && task.Status == domain.TaskCancelled
}
