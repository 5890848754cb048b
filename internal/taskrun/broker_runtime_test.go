package taskrun

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/adapter/broker/memq"
	"github.com/fundamental/fundamental/internal/adapter/repo/memory"
	"github.com/fundamental/fundamental/internal/domain"
)

// memFlags is an in-process CancelFlags; the real deployment uses the scan
// tracker's key-value flags.
type memFlags struct {
	mu    sync.Mutex
	flags map[int64]bool
}

func newMemFlags() *memFlags { return &memFlags{flags: map[int64]bool{}} }

func (m *memFlags) SetCancelled(_ domain.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[taskID] = true
	return nil
}

func (m *memFlags) IsCancelled(_ domain.Context, taskID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[taskID], nil
}

func (m *memFlags) ClearCancelled(_ domain.Context, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, taskID)
	return nil
}

type brokerFixture struct {
	tasks   *memory.TaskStore
	reg     *Registry
	broker  *memq.Broker
	tracker *memFlags
	rt      *BrokerRuntime
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	f := &brokerFixture{
		tasks:   memory.NewTaskStore(),
		reg:     NewRegistry(),
		broker:  memq.New(),
		tracker: newMemFlags(),
	}
	f.rt = NewBrokerRuntime(f.tasks, f.reg, f.broker, f.tracker)
	return f
}

func (f *brokerFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.rt.Start(context.Background()))
	require.NoError(t, f.broker.Start(context.Background()))
	t.Cleanup(f.broker.Stop)
}

func TestBrokerRuntimeExecutesTask(t *testing.T) {
	ctx := context.Background()
	f := newBrokerFixture(t)

	var gotKey atomic.Value
	f.reg.Register(domain.TaskAuthorMetadataFetch, func(ctx context.Context, hc *HandlerContext) error {
		gotKey.Store(hc.Payload["author_key"].(string))
		return hc.UpdateProgress(ctx, 1.0, nil)
	})
	f.start(t)

	task, err := f.rt.Enqueue(ctx, domain.TaskAuthorMetadataFetch, 4, map[string]any{"author_key": "OL1A"}, nil)
	require.NoError(t, err)
	require.True(t, f.broker.Drain(2*time.Second))

	got, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, "OL1A", gotKey.Load())
}

func TestBrokerRuntimeHandlerErrorFailsTask(t *testing.T) {
	ctx := context.Background()
	f := newBrokerFixture(t)
	f.reg.Register(domain.TaskAuthorMetadataFetch, func(context.Context, *HandlerContext) error {
		return errors.New("source unavailable")
	})
	f.start(t)

	task, err := f.rt.Enqueue(ctx, domain.TaskAuthorMetadataFetch, 1, nil, nil)
	require.NoError(t, err)
	require.True(t, f.broker.Drain(2*time.Second))

	got, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "source unavailable", got.ErrorMessage)
}

func TestBrokerRuntimeCancelSkipsQueuedTask(t *testing.T) {
	ctx := context.Background()
	f := newBrokerFixture(t)
	var ran atomic.Bool
	f.reg.Register(domain.TaskAuthorMetadataFetch, func(context.Context, *HandlerContext) error {
		ran.Store(true)
		return nil
	})

	// Publish before any consumer runs, then cancel across the "processes"
	// through the tracker flag.
	task, err := f.rt.Enqueue(ctx, domain.TaskAuthorMetadataFetch, 1, nil, nil)
	require.NoError(t, err)
	changed, err := f.rt.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, changed)

	f.start(t)
	require.True(t, f.broker.Drain(2*time.Second))

	got, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	assert.False(t, ran.Load())

	// The flag is consumed along with the message.
	flagged, err := f.tracker.IsCancelled(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestBrokerRuntimeMaxRuntimeCancels(t *testing.T) {
	ctx := context.Background()
	f := newBrokerFixture(t)
	f.reg.Register(domain.TaskAuthorMetadataFetch, func(ctx context.Context, _ *HandlerContext) error {
		<-ctx.Done()
		return ctx.Err()
	})
	f.start(t)

	task, err := f.rt.Enqueue(ctx, domain.TaskAuthorMetadataFetch, 1, nil,
		map[string]any{"max_runtime_seconds": 1})
	require.NoError(t, err)
	require.True(t, f.broker.Drain(5*time.Second))

	got, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
}

func TestBrokerRuntimePanicContained(t *testing.T) {
	ctx := context.Background()
	f := newBrokerFixture(t)
	f.reg.Register(domain.TaskAuthorMetadataFetch, func(context.Context, *HandlerContext) error {
		panic("boom")
	})
	f.start(t)

	task, err := f.rt.Enqueue(ctx, domain.TaskAuthorMetadataFetch, 1, nil, nil)
	require.NoError(t, err)
	require.True(t, f.broker.Drain(2*time.Second))

	got, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "panic")
}

func TestBrokerRuntimeScanDispatch(t *testing.T) {
	ctx := context.Background()
	f := newBrokerFixture(t)
	var generic atomic.Bool
	f.reg.Register(domain.TaskLibraryScan, func(context.Context, *HandlerContext) error {
		generic.Store(true)
		return nil
	})

	var dispatched atomic.Int64
	f.rt.ScanDispatch = func(_ context.Context, task domain.Task, payload map[string]any) error {
		dispatched.Store(task.ID)
		return nil
	}
	f.start(t)

	task, err := f.rt.Enqueue(ctx, domain.TaskLibraryScan, 1, map[string]any{"library_id": int64(2)}, nil)
	require.NoError(t, err)
	require.True(t, f.broker.Drain(2*time.Second))

	// The scan went to the dispatcher, not the generic task topic, and the row
	// stays pending for the stage workers to start.
	assert.Equal(t, task.ID, dispatched.Load())
	assert.False(t, generic.Load())
	got, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
}

func TestBrokerRuntimeScanDispatchFailure(t *testing.T) {
	ctx := context.Background()
	f := newBrokerFixture(t)
	f.rt.ScanDispatch = func(context.Context, domain.Task, map[string]any) error {
		return errors.New("broker down")
	}
	f.start(t)

	_, err := f.rt.Enqueue(ctx, domain.TaskLibraryScan, 1, nil, nil)
	require.Error(t, err)

	failed := domain.TaskFailed
	out, err := f.tasks.ListTasks(ctx, domain.TaskFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].ErrorMessage, "scan dispatch failed")
}
