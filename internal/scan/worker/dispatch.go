package worker

import (
	"context"
	"fmt"

	"github.com/fundamental/fundamental/internal/domain"
)

// NewScanDispatcher returns the hook that converts a library_scan enqueue
// into a scan_jobs publication for the crawl worker. The payload selects the
// library (library_id, default the active one) and may override the data
// source and scan options.
func NewScanDispatcher(broker domain.Broker, libraries domain.LibraryStore, defaultSource string, defaults domain.ScanOptions) func(ctx context.Context, task domain.Task, payload map[string]any) error {
	return func(ctx context.Context, task domain.Task, payload map[string]any) error {
		library, err := resolveLibrary(ctx, libraries, payload)
		if err != nil {
			return fmt.Errorf("op=worker.dispatch task_id=%d: %w", task.ID, err)
		}
		msg := &domain.ScanJobMessage{
			TaskID:        task.ID,
			LibraryID:     library.ID,
			CalibreDBPath: library.CalibreDBPath,
			CalibreDBFile: library.DBFile,
			DataSource:    dispatchSource(payload, defaultSource),
			Options:       dispatchOptions(payload, defaults),
		}
		if _, err := broker.Publish(ctx, domain.TopicScanJobs, msg); err != nil {
			return fmt.Errorf("op=worker.dispatch task_id=%d: %w", task.ID, err)
		}
		return nil
	}
}

func resolveLibrary(ctx context.Context, libraries domain.LibraryStore, payload map[string]any) (domain.Library, error) {
	switch v := payload["library_id"].(type) {
	case int64:
		return libraries.GetLibrary(ctx, v)
	case int:
		return libraries.GetLibrary(ctx, int64(v))
	case float64:
		return libraries.GetLibrary(ctx, int64(v))
	}
	return libraries.ActiveLibrary(ctx)
}

func dispatchSource(payload map[string]any, def string) domain.DataSourceConfig {
	cfg := domain.DataSourceConfig{Name: def}
	if v, ok := payload["data_source"].(string); ok && v != "" {
		cfg.Name = v
	}
	if kw, ok := payload["data_source_kwargs"].(map[string]any); ok {
		cfg.Kwargs = kw
	}
	return cfg
}

func dispatchOptions(payload map[string]any, defaults domain.ScanOptions) domain.ScanOptions {
	opts := defaults
	if v, ok := payload["force"].(bool); ok {
		opts.Force = v
	}
	if v, ok := payload["max_works_per_author"].(float64); ok && v > 0 {
		opts.MaxWorksPerAuthor = int(v)
	}
	if v, ok := payload["stale_max_age_days"].(float64); ok && v > 0 {
		days := int(v)
		opts.StaleMaxAgeDays = &days
	}
	return opts
}
