package scan

import (
	"context"
	"fmt"
	"sync/atomic"
)

// CompletionStage marks the driving task terminal: completed normally,
// failed when an upstream stage failed critically, cancelled when the scan
// was cancelled.
type CompletionStage struct {
	// FailureMessage, when set, marks the task failed instead of completed.
	FailureMessage string
	progress       atomic.Value // float64
}

// Name implements Stage.
func (s *CompletionStage) Name() string { return StageCompletion }

// Progress implements Stage.
func (s *CompletionStage) Progress() float64 {
	if v, ok := s.progress.Load().(float64); ok {
		return v
	}
	return 0
}

// Execute implements Stage.
func (s *CompletionStage) Execute(ctx context.Context, sc *Context) StageResult {
	defer s.progress.Store(1.0)
	switch {
	case sc.Cancelled():
		if _, err := sc.Tasks.CancelTask(ctx, sc.TaskID); err != nil {
			return StageResult{Success: false, Message: fmt.Sprintf("cancel task: %v", err)}
		}
		return StageResult{Success: true, Message: "cancelled"}
	case s.FailureMessage != "":
		if err := sc.Tasks.FailTask(ctx, sc.TaskID, s.FailureMessage); err != nil {
			return StageResult{Success: false, Message: fmt.Sprintf("fail task: %v", err)}
		}
		return StageResult{Success: true, Message: s.FailureMessage}
	default:
		sc.report(ctx, 1.0, stageMeta(StageCompletion, "completed", nil))
		if err := sc.Tasks.CompleteTask(ctx, sc.TaskID); err != nil {
			return StageResult{Success: false, Message: fmt.Sprintf("complete task: %v", err)}
		}
		return StageResult{Success: true}
	}
}
