package scan

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
)

// DefaultProgressTTL bounds the lifetime of the per-job counter keys.
const DefaultProgressTTL = 24 * time.Hour

func progressKey(libraryID int64, suffix string) string {
	return fmt.Sprintf("scan:progress:%d:%s", libraryID, suffix)
}

func cancelKey(taskID int64) string {
	return fmt.Sprintf("scan:progress:cancelled:%d", taskID)
}

// Tracker is the shared per-job completion accounting living in the broker's
// key-value side. All mutation goes through atomic operations so concurrent
// workers agree on the single "this was the last item" signal.
type Tracker struct {
	kv  domain.KeyValue
	ttl time.Duration
}

// NewTracker wraps a key-value store. Zero ttl selects DefaultProgressTTL.
func NewTracker(kv domain.KeyValue, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &Tracker{kv: kv, ttl: ttl}
}

// InitializeJob sets total, zeroes processed, and stores the task id.
func (t *Tracker) InitializeJob(ctx domain.Context, libraryID int64, totalItems int64, taskID int64) error {
	if err := t.kv.Set(ctx, progressKey(libraryID, "total"), strconv.FormatInt(totalItems, 10), t.ttl); err != nil {
		return err
	}
	if err := t.kv.Set(ctx, progressKey(libraryID, "processed"), "0", t.ttl); err != nil {
		return err
	}
	return t.kv.Set(ctx, progressKey(libraryID, "task_id"), strconv.FormatInt(taskID, 10), t.ttl)
}

// MarkItemProcessed atomically increments the processed counter.
// ok is false when the job has no counters (already cleaned up or never
// initialized). last is true exactly once, when processed reaches total; the
// keys are deleted in the same call.
func (t *Tracker) MarkItemProcessed(ctx domain.Context, libraryID int64) (last bool, ok bool, err error) {
	totalRaw, found, err := t.kv.Get(ctx, progressKey(libraryID, "total"))
	if err != nil {
		return false, false, err
	}
	if !found {
		return false, false, nil
	}
	total, err := strconv.ParseInt(totalRaw, 10, 64)
	if err != nil {
		return false, false, fmt.Errorf("op=tracker.mark: %w", domain.ErrInternal)
	}
	processed, err := t.kv.Incr(ctx, progressKey(libraryID, "processed"))
	if err != nil {
		return false, true, err
	}
	if processed >= total {
		if err := t.ClearJob(ctx, libraryID); err != nil {
			return true, true, err
		}
		return true, true, nil
	}
	return false, true, nil
}

// Progress returns processed/total for a live job.
func (t *Tracker) Progress(ctx domain.Context, libraryID int64) (processed, total int64, ok bool, err error) {
	totalRaw, found, err := t.kv.Get(ctx, progressKey(libraryID, "total"))
	if err != nil || !found {
		return 0, 0, false, err
	}
	total, _ = strconv.ParseInt(totalRaw, 10, 64)
	procRaw, _, err := t.kv.Get(ctx, progressKey(libraryID, "processed"))
	if err != nil {
		return 0, 0, false, err
	}
	processed, _ = strconv.ParseInt(procRaw, 10, 64)
	return processed, total, true, nil
}

// TaskID returns the task driving the job, when the counters are live.
func (t *Tracker) TaskID(ctx domain.Context, libraryID int64) (int64, bool, error) {
	raw, found, err := t.kv.Get(ctx, progressKey(libraryID, "task_id"))
	if err != nil || !found {
		return 0, false, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}

// MarkStageStarted is an idempotent SETNX flag; true on first call per stage.
func (t *Tracker) MarkStageStarted(ctx domain.Context, libraryID int64, stage string) (bool, error) {
	return t.kv.SetNX(ctx, progressKey(libraryID, "stage_started:"+stage), "1", t.ttl)
}

// ClearJob deletes the counter keys for a library's job.
func (t *Tracker) ClearJob(ctx domain.Context, libraryID int64) error {
	stages := []string{StageCrawl, StageMatch, StageIngest, StageLink, StageDeduplicate, StageScore, StageCompletion}
	keys := []string{
		progressKey(libraryID, "total"),
		progressKey(libraryID, "processed"),
		progressKey(libraryID, "task_id"),
	}
	for _, s := range stages {
		keys = append(keys, progressKey(libraryID, "stage_started:"+s))
	}
	return t.kv.Delete(ctx, keys...)
}

// SetCancelled flags a task for cooperative cross-process cancellation.
func (t *Tracker) SetCancelled(ctx domain.Context, taskID int64) error {
	return t.kv.Set(ctx, cancelKey(taskID), "1", t.ttl)
}

// IsCancelled reports whether the cancellation flag exists.
func (t *Tracker) IsCancelled(ctx domain.Context, taskID int64) (bool, error) {
	_, found, err := t.kv.Get(ctx, cancelKey(taskID))
	return found, err
}

// ClearCancelled removes the cancellation flag.
func (t *Tracker) ClearCancelled(ctx domain.Context, taskID int64) error {
	return t.kv.Delete(ctx, cancelKey(taskID))
}
