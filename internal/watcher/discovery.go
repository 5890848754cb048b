package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/taskrun"
)

// RegisterDiscoveryHandler binds the ingest_discovery task type. The handler
// re-validates the debounced paths (files may have been moved or were still
// being written) and records the surviving ones on the task for the import
// workflow to pick up.
func RegisterDiscoveryHandler(reg *taskrun.Registry) {
	reg.Register(domain.TaskIngestDiscovery, handleDiscovery)
}

func handleDiscovery(ctx context.Context, hc *taskrun.HandlerContext) error {
	paths, err := pathsPayload(hc.Payload["paths"])
	if err != nil {
		return err
	}

	kept := make([]string, 0, len(paths))
	for _, path := range paths {
		if hc.Cancelled != nil && hc.Cancelled(ctx) {
			return context.Canceled
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			slog.Debug("discovered file vanished before ingest", slog.String("path", path))
			continue
		}
		if !IsBookFile(path) {
			continue
		}
		kept = append(kept, path)
	}

	slog.Info("ingest discovery finished",
		slog.Int64("task_id", hc.TaskID),
		slog.Int("discovered", len(paths)),
		slog.Int("valid", len(kept)))
	return hc.UpdateProgress(ctx, 1.0, map[string]any{
		"discovered": len(paths),
		"valid":      len(kept),
		"files":      kept,
	})
}

// pathsPayload accepts the in-process []string shape and the []any shape a
// JSON round-trip through the broker produces.
func pathsPayload(v any) ([]string, error) {
	switch raw := v.(type) {
	case []string:
		return raw, nil
	case []any:
		out := make([]string, 0, len(raw))
		for _, e := range raw {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("op=watcher.discovery: missing paths: %w", domain.ErrInvalidArgument)
	}
}
