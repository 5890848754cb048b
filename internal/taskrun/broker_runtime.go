package taskrun

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
)

// CancelFlags is the cross-process cancellation surface the broker runtime
// needs; the scan tracker satisfies it.
type CancelFlags interface {
	SetCancelled(ctx domain.Context, taskID int64) error
	IsCancelled(ctx domain.Context, taskID int64) (bool, error)
	ClearCancelled(ctx domain.Context, taskID int64) error
}

// BrokerRuntime schedules tasks through the durable broker so any worker
// process may execute them. Cancellation crosses processes through the
// tracker's key-value flags.
type BrokerRuntime struct {
	tasks    domain.TaskStore
	registry *Registry
	broker   domain.Broker
	tracker  CancelFlags

	// DefaultMaxRuntime bounds handler execution when the task metadata does
	// not set max_runtime_seconds. Zero means unbounded.
	DefaultMaxRuntime time.Duration

	// ScanDispatch, when set, routes library_scan enqueues onto the scan_jobs
	// topic for the stage-worker fleet instead of the generic task topic.
	ScanDispatch func(ctx context.Context, task domain.Task, payload map[string]any) error
}

// NewBrokerRuntime builds the runtime over a shared broker.
func NewBrokerRuntime(tasks domain.TaskStore, registry *Registry, broker domain.Broker, tracker CancelFlags) *BrokerRuntime {
	return &BrokerRuntime{tasks: tasks, registry: registry, broker: broker, tracker: tracker}
}

// Start implements Runtime: registers the consumer on the task topic. The
// broker's own consume loops are started by its owner.
func (r *BrokerRuntime) Start(ctx context.Context) error {
	r.broker.Subscribe(domain.TopicTaskJobs, r.handle)
	return nil
}

// Shutdown implements Runtime. In-flight handlers drain with the broker.
func (r *BrokerRuntime) Shutdown(ctx context.Context) error { return nil }

// Enqueue implements Runtime: persists the pending row and publishes it.
func (r *BrokerRuntime) Enqueue(ctx context.Context, typ domain.TaskType, userID int64, payload, metadata map[string]any) (domain.Task, error) {
	task, err := r.tasks.CreateTask(ctx, typ, userID, payload)
	if err != nil {
		return domain.Task{}, err
	}
	if typ == domain.TaskLibraryScan && r.ScanDispatch != nil {
		if err := r.ScanDispatch(ctx, task, payload); err != nil {
			_ = r.tasks.FailTask(ctx, task.ID, "scan dispatch failed: "+err.Error())
			return domain.Task{}, fmt.Errorf("op=taskrun.dispatch type=%s: %w", typ, err)
		}
		observability.EnqueueTask(string(typ))
		return task, nil
	}
	msg := &domain.TaskMessage{
		TaskID:            task.ID,
		UserID:            userID,
		Type:              typ,
		Payload:           payload,
		Metadata:          metadata,
		MaxRuntimeSeconds: maxRuntimeSeconds(metadata, r.DefaultMaxRuntime),
	}
	if _, err := r.broker.Publish(ctx, domain.TopicTaskJobs, msg); err != nil {
		_ = r.tasks.FailTask(ctx, task.ID, "publish failed: "+err.Error())
		return domain.Task{}, fmt.Errorf("op=taskrun.publish type=%s: %w", typ, err)
	}
	observability.EnqueueTask(string(typ))
	return task, nil
}

// Cancel implements Runtime: flips the row and raises the cross-process flag
// so a remote executor stops cooperatively.
func (r *BrokerRuntime) Cancel(ctx context.Context, taskID int64) (bool, error) {
	changed, err := r.tasks.CancelTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := r.tracker.SetCancelled(ctx, taskID); err != nil {
		slog.Warn("set cancellation flag failed", slog.Int64("task_id", taskID), slog.Any("error", err))
	}
	task, err := r.tasks.GetTask(ctx, taskID)
	if err == nil {
		observability.CancelTask(string(task.Type))
	}
	return true, nil
}

func (r *BrokerRuntime) handle(ctx context.Context, payload []byte) error {
	var msg domain.TaskMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Error("task message rejected", slog.Any("error", err))
		return nil
	}
	if flagged, err := r.tracker.IsCancelled(ctx, msg.TaskID); err == nil && flagged {
		_, _ = r.tasks.CancelTask(ctx, msg.TaskID)
		_ = r.tracker.ClearCancelled(ctx, msg.TaskID)
		slog.Info("skipping cancelled task", slog.Int64("task_id", msg.TaskID), slog.String("type", string(msg.Type)))
		return nil
	}

	handler, err := r.registry.Lookup(msg.Type)
	if err != nil {
		return r.tasks.FailTask(ctx, msg.TaskID, err.Error())
	}
	if err := r.tasks.StartTask(ctx, msg.TaskID); err != nil {
		// Redelivery of a message whose task already ran.
		slog.Warn("start task failed", slog.Int64("task_id", msg.TaskID), slog.Any("error", err))
		return nil
	}
	observability.StartTask(string(msg.Type))

	runCtx := ctx
	var cancel context.CancelFunc
	if msg.MaxRuntimeSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(msg.MaxRuntimeSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	err = r.invoke(runCtx, handler, &msg)
	elapsed := time.Since(start).Seconds()
	switch {
	case err == nil:
		if cerr := r.tasks.CompleteTask(ctx, msg.TaskID); cerr != nil {
			slog.Info("complete skipped", slog.Int64("task_id", msg.TaskID), slog.Any("error", cerr))
			return nil
		}
		observability.CompleteTask(string(msg.Type), elapsed)
	case runCtx.Err() == context.DeadlineExceeded:
		// The runtime bound expired: treat as cancellation, not failure.
		if changed, _ := r.tasks.CancelTask(ctx, msg.TaskID); changed {
			observability.CancelTask(string(msg.Type))
		}
		slog.Warn("task exceeded max runtime",
			slog.Int64("task_id", msg.TaskID),
			slog.String("type", string(msg.Type)),
			slog.Int("max_runtime_seconds", msg.MaxRuntimeSeconds))
	default:
		if ferr := r.tasks.FailTask(ctx, msg.TaskID, err.Error()); ferr != nil {
			slog.Warn("fail task failed", slog.Int64("task_id", msg.TaskID), slog.Any("error", ferr))
			return nil
		}
		observability.FailTask(string(msg.Type), elapsed)
	}
	return nil
}

func (r *BrokerRuntime) invoke(ctx context.Context, handler Handler, msg *domain.TaskMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("task handler panicked",
				slog.Int64("task_id", msg.TaskID),
				slog.String("type", string(msg.Type)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("op=taskrun.invoke: panic: %v", rec)
		}
	}()
	hc := &HandlerContext{
		Tasks:    r.tasks,
		TaskID:   msg.TaskID,
		UserID:   msg.UserID,
		Payload:  msg.Payload,
		Metadata: msg.Metadata,
		UpdateProgress: func(ctx context.Context, progress float64, meta map[string]any) error {
			return r.tasks.UpdateProgress(ctx, msg.TaskID, progress, meta)
		},
		EnqueueSubtask: func(ctx context.Context, typ domain.TaskType, payload map[string]any) (int64, error) {
			sub, err := r.Enqueue(ctx, typ, msg.UserID, payload, map[string]any{"parent_task_id": msg.TaskID})
			if err != nil {
				return 0, err
			}
			return sub.ID, nil
		},
		Cancelled: func(ctx context.Context) bool {
			flagged, err := r.tracker.IsCancelled(ctx, msg.TaskID)
			return err == nil && flagged
		},
	}
	return handler(ctx, hc)
}

func maxRuntimeSeconds(metadata map[string]any, def time.Duration) int {
	if v, ok := metadata["max_runtime_seconds"]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return int(def.Seconds())
}
