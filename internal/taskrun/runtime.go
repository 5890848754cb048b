// Package taskrun executes registered task handlers behind a runtime
// abstraction: an in-process thread pool for single-node deployments and a
// broker-backed runtime for distributed ones. Handlers are registered per
// task type and must not care which runtime invokes them.
package taskrun

import (
	"context"
	"fmt"
	"sync"

	"github.com/fundamental/fundamental/internal/domain"
)

// HandlerContext is everything a handler may touch while running.
type HandlerContext struct {
	Tasks    domain.TaskStore
	TaskID   int64
	UserID   int64
	Payload  map[string]any
	Metadata map[string]any

	// UpdateProgress reports progress in [0,1] with optional metadata.
	UpdateProgress func(ctx context.Context, progress float64, meta map[string]any) error
	// EnqueueSubtask schedules a follow-up task through the owning runtime.
	EnqueueSubtask func(ctx context.Context, typ domain.TaskType, payload map[string]any) (int64, error)
	// Cancelled reports whether cooperative cancellation was requested.
	Cancelled func(ctx context.Context) bool
}

// Handler executes one task. A returned error fails the task with the error
// text as message.
type Handler func(ctx context.Context, hc *HandlerContext) error

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.TaskType]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[domain.TaskType]Handler{}}
}

// Register binds a handler to a type. Later registrations replace earlier
// ones.
func (r *Registry) Register(typ domain.TaskType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

// Lookup returns the handler for a type.
func (r *Registry) Lookup(typ domain.TaskType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	if !ok {
		return nil, fmt.Errorf("op=taskrun.lookup type=%s: %w", typ, domain.ErrNotConfigured)
	}
	return h, nil
}

// Types returns the registered task types.
func (r *Registry) Types() []domain.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Runtime accepts tasks for execution. Enqueue creates the task row and
// schedules it; Cancel requests cooperative cancellation.
type Runtime interface {
	Enqueue(ctx context.Context, typ domain.TaskType, userID int64, payload, metadata map[string]any) (domain.Task, error)
	Cancel(ctx context.Context, taskID int64) (bool, error)
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
