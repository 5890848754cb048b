package scan

import (
	"context"
	"fmt"
	"sync/atomic"
)

// CrawlStage enumerates authors and books from the Calibre catalog into the
// shared context.
type CrawlStage struct {
	progress atomic.Value // float64
}

// Name implements Stage.
func (s *CrawlStage) Name() string { return StageCrawl }

// Progress implements Stage.
func (s *CrawlStage) Progress() float64 {
	if v, ok := s.progress.Load().(float64); ok {
		return v
	}
	return 0
}

// Execute implements Stage.
func (s *CrawlStage) Execute(ctx context.Context, sc *Context) StageResult {
	if sc.Cancelled() {
		return StageResult{Success: false, Message: "cancelled"}
	}
	authors, err := sc.Catalog.ListAuthors(ctx)
	if err != nil {
		return StageResult{Success: false, Message: fmt.Sprintf("crawl authors: %v", err)}
	}
	sc.CrawledAuthors = authors
	s.progress.Store(0.5)

	books, err := sc.Catalog.ListBooks(ctx)
	if err != nil {
		// Books are optional input for scoring; author flow continues.
		books = nil
	}
	sc.CrawledBooks = books
	s.progress.Store(1.0)

	sc.report(ctx, 0.05, stageMeta(StageCrawl, "completed", map[string]any{
		"total_items": len(authors),
	}))
	return StageResult{
		Success: true,
		Stats: map[string]int64{
			"authors": int64(len(authors)),
			"books":   int64(len(books)),
		},
	}
}
