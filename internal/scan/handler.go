package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/match"
	"github.com/fundamental/fundamental/internal/taskrun"
)

// Resolver resolves a data source configuration; satisfied by the datasource
// registry.
type Resolver interface {
	Resolve(cfg domain.DataSourceConfig) (domain.DataSource, error)
}

// HandlerDeps is the wiring the in-process scan task handlers need.
type HandlerDeps struct {
	Tasks        domain.TaskStore
	Libraries    domain.LibraryStore
	Metadata     domain.MetadataRepository
	Mappings     domain.MappingRepository
	Similarities domain.SimilarityRepository
	Sources      Resolver
	OpenCatalog  domain.CatalogOpener
	Orchestrator *match.Orchestrator

	// DefaultSource names the provider used when the payload does not pick one.
	DefaultSource string
	// DefaultOptions seed each scan; payload fields override.
	DefaultOptions Options
}

// RegisterTaskHandlers binds the scan-related task types onto the registry.
func RegisterTaskHandlers(reg *taskrun.Registry, deps *HandlerDeps) {
	reg.Register(domain.TaskLibraryScan, deps.libraryScan)
	reg.Register(domain.TaskAuthorMetadataFetch, deps.authorMetadataFetch)
}

// libraryScan runs the full pipeline in-process.
func (d *HandlerDeps) libraryScan(ctx context.Context, hc *taskrun.HandlerContext) error {
	libraryID, err := int64Payload(hc.Payload, "library_id")
	if err != nil {
		return err
	}
	library, err := d.Libraries.GetLibrary(ctx, libraryID)
	if err != nil {
		return fmt.Errorf("op=scan.library library_id=%d: %w", libraryID, err)
	}
	catalog, err := d.OpenCatalog(library.CalibreDBPath, library.DBFile)
	if err != nil {
		return fmt.Errorf("op=scan.library: %w", err)
	}
	defer catalog.Close()

	source, err := d.Sources.Resolve(sourceConfig(hc.Payload, d.DefaultSource))
	if err != nil {
		return fmt.Errorf("op=scan.library: %w", err)
	}

	sc := &Context{
		TaskID:       hc.TaskID,
		LibraryID:    libraryID,
		Library:      library,
		Catalog:      catalog,
		Source:       source,
		Tasks:        d.Tasks,
		Metadata:     d.Metadata,
		Mappings:     d.Mappings,
		Similarities: d.Similarities,
		Orchestrator: d.Orchestrator,
		Progress:     hc.UpdateProgress,
		Options:      d.options(hc.Payload),
	}
	pipeline := NewPipeline()
	go watchCancellation(ctx, hc, sc)
	results := pipeline.Run(ctx, sc)
	last := results[len(results)-1]
	if !last.Success {
		return fmt.Errorf("op=scan.library: completion failed: %s", last.Message)
	}
	return nil
}

// watchCancellation polls the runtime's cancellation signal into the scan
// context so stages stop between items.
func watchCancellation(ctx context.Context, hc *taskrun.HandlerContext, sc *Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sc.MarkCancelled()
			return
		case <-ticker.C:
			if hc.Cancelled != nil && hc.Cancelled(ctx) {
				sc.MarkCancelled()
				return
			}
		}
	}
}

// authorMetadataFetch refreshes one author, optionally forced onto a specific
// provider key.
func (d *HandlerDeps) authorMetadataFetch(ctx context.Context, hc *taskrun.HandlerContext) error {
	libraryID, err := int64Payload(hc.Payload, "library_id")
	if err != nil {
		return err
	}
	calibreAuthorID, err := int64Payload(hc.Payload, "calibre_author_id")
	if err != nil {
		return err
	}
	name, _ := hc.Payload["author_name"].(string)
	key, _ := hc.Payload["external_key"].(string)

	source, err := d.Sources.Resolve(sourceConfig(hc.Payload, d.DefaultSource))
	if err != nil {
		return err
	}
	opts := d.options(hc.Payload)
	res, err := d.Orchestrator.ProcessMatchRequest(ctx, match.Request{
		Author:    domain.CalibreAuthor{ID: calibreAuthorID, Name: name},
		LibraryID: libraryID,
		Source:    source,
		Force:     true,
		Key:       key,
		Mappings:  d.Mappings,
		Metadata:  d.Metadata,
	})
	if err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("op=scan.author_fetch author=%q: %w", name, domain.ErrNotFound)
	}
	if _, err := IngestAuthor(ctx, d.Metadata, source, *res, opts, time.Now()); err != nil {
		return err
	}
	res.Method = domain.MatchManualRefresh
	if _, err := LinkMatch(ctx, d.Metadata, d.Mappings, libraryID, *res, time.Now()); err != nil {
		return err
	}
	return hc.UpdateProgress(ctx, 1.0, map[string]any{"author": name, "external_key": res.Author.Key})
}

func (d *HandlerDeps) options(payload map[string]any) Options {
	opts := d.DefaultOptions
	if v, ok := payload["force"].(bool); ok {
		opts.Force = v
	}
	if v, err := int64Payload(payload, "max_works_per_author"); err == nil && v > 0 {
		opts.MaxWorksPerAuthor = int(v)
	}
	if v, err := int64Payload(payload, "stale_max_age_days"); err == nil && v > 0 {
		days := int(v)
		opts.StaleMaxAgeDays = &days
	}
	return opts
}

func sourceConfig(payload map[string]any, def string) domain.DataSourceConfig {
	cfg := domain.DataSourceConfig{Name: def}
	if v, ok := payload["data_source"].(string); ok && v != "" {
		cfg.Name = v
	}
	if kw, ok := payload["data_source_kwargs"].(map[string]any); ok {
		cfg.Kwargs = kw
	}
	return cfg
}

func int64Payload(payload map[string]any, key string) (int64, error) {
	switch v := payload[key].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	}
	return 0, fmt.Errorf("op=scan.payload key=%s: %w", key, domain.ErrInvalidArgument)
}
