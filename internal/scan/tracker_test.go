package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/adapter/broker/memq"
	"github.com/fundamental/fundamental/internal/taskrun"
)

// The broker runtime takes its cancellation flags through this interface.
var _ taskrun.CancelFlags = (*Tracker)(nil)

func newTestTracker() *Tracker {
	return NewTracker(memq.NewKV(), 0)
}

func TestTrackerLifecycle(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()

	require.NoError(t, tr.InitializeJob(ctx, 1, 3, 42))

	processed, total, ok, err := tr.Progress(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), processed)
	assert.Equal(t, int64(3), total)

	taskID, ok, err := tr.TaskID(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), taskID)

	last, ok, err := tr.MarkItemProcessed(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, last)

	last, ok, err = tr.MarkItemProcessed(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, last)

	// Third item drains the job and self-clears the counters.
	last, ok, err = tr.MarkItemProcessed(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, last)

	_, _, ok, err = tr.Progress(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrackerMarkWithoutJob(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()

	last, ok, err := tr.MarkItemProcessed(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, last)
}

func TestTrackerStageStartedIdempotent(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()
	require.NoError(t, tr.InitializeJob(ctx, 1, 1, 42))

	first, err := tr.MarkStageStarted(ctx, 1, StageDeduplicate)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := tr.MarkStageStarted(ctx, 1, StageDeduplicate)
	require.NoError(t, err)
	assert.False(t, again)

	// ClearJob frees the flag for the next scan of the same library.
	require.NoError(t, tr.ClearJob(ctx, 1))
	first, err = tr.MarkStageStarted(ctx, 1, StageDeduplicate)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestTrackerCancellationFlag(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()

	flagged, err := tr.IsCancelled(ctx, 7)
	require.NoError(t, err)
	assert.False(t, flagged)

	require.NoError(t, tr.SetCancelled(ctx, 7))
	flagged, err = tr.IsCancelled(ctx, 7)
	require.NoError(t, err)
	assert.True(t, flagged)

	require.NoError(t, tr.ClearCancelled(ctx, 7))
	flagged, err = tr.IsCancelled(ctx, 7)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestTrackerJobsAreIndependent(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker()
	require.NoError(t, tr.InitializeJob(ctx, 1, 2, 10))
	require.NoError(t, tr.InitializeJob(ctx, 2, 1, 11))

	last, ok, err := tr.MarkItemProcessed(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, last)

	processed, total, ok, err := tr.Progress(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), processed)
	assert.Equal(t, int64(2), total)
}
