package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/adapter/repo/memory"
	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/match"
)

type fakeCatalog struct {
	authors    []domain.CalibreAuthor
	books      []domain.CalibreBook
	idents     map[int64]domain.IdentifierSet
	authorsErr error
}

func (c *fakeCatalog) ListAuthors(ctx domain.Context) ([]domain.CalibreAuthor, error) {
	return c.authors, c.authorsErr
}

func (c *fakeCatalog) ListBooks(ctx domain.Context) ([]domain.CalibreBook, error) {
	return c.books, nil
}

func (c *fakeCatalog) AuthorIdentifiers(ctx domain.Context, authorID int64) (domain.IdentifierSet, error) {
	ids, ok := c.idents[authorID]
	if !ok {
		return domain.IdentifierSet{}, domain.ErrNotFound
	}
	return ids, nil
}

func (c *fakeCatalog) Close() error { return nil }

type fakeSource struct {
	byName map[string]domain.AuthorData
	byKey  map[string]domain.AuthorData
	works  map[string][]domain.WorkData
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) SearchAuthor(ctx domain.Context, name string, ids *domain.IdentifierSet) ([]domain.AuthorData, error) {
	if a, ok := s.byName[name]; ok {
		return []domain.AuthorData{a}, nil
	}
	return nil, nil
}

func (s *fakeSource) GetAuthor(ctx domain.Context, key string) (domain.AuthorData, error) {
	a, ok := s.byKey[key]
	if !ok {
		return domain.AuthorData{}, domain.ErrNotFound
	}
	return a, nil
}

func (s *fakeSource) GetAuthorWorks(ctx domain.Context, key string, limit int, lang string) ([]domain.WorkData, error) {
	return s.works[key], nil
}

func (s *fakeSource) SearchBook(ctx domain.Context, title, isbn string, authors []string) ([]domain.BookData, error) {
	return nil, nil
}

func (s *fakeSource) GetBook(ctx domain.Context, key string, skipAuthors bool) (domain.BookData, error) {
	return domain.BookData{}, domain.ErrNotFound
}

type pipelineFixture struct {
	tasks        *memory.TaskStore
	metadata     *memory.MetadataStore
	mappings     *memory.MappingStore
	similarities *memory.SimilarityStore
	catalog      *fakeCatalog
	source       *fakeSource
	sc           *Context
	taskID       int64
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	ctx := context.Background()
	f := &pipelineFixture{
		tasks:        memory.NewTaskStore(),
		metadata:     memory.NewMetadataStore(),
		mappings:     memory.NewMappingStore(),
		similarities: memory.NewSimilarityStore(),
		catalog:      &fakeCatalog{},
		source:       &fakeSource{byName: map[string]domain.AuthorData{}, byKey: map[string]domain.AuthorData{}, works: map[string][]domain.WorkData{}},
	}
	f.metadata.Mappings = f.mappings

	task, err := f.tasks.CreateTask(ctx, domain.TaskLibraryScan, 1, map[string]any{"library_id": int64(1)})
	require.NoError(t, err)
	require.NoError(t, f.tasks.StartTask(ctx, task.ID))
	f.taskID = task.ID

	f.sc = &Context{
		TaskID:       task.ID,
		LibraryID:    1,
		Catalog:      f.catalog,
		Source:       f.source,
		Tasks:        f.tasks,
		Metadata:     f.metadata,
		Mappings:     f.mappings,
		Similarities: f.similarities,
		Orchestrator: match.NewOrchestrator(0, 0),
		Progress: func(ctx context.Context, p float64, meta map[string]any) error {
			return f.tasks.UpdateProgress(ctx, task.ID, p, meta)
		},
	}
	return f
}

func (f *pipelineFixture) addRemoteAuthor(name, key string, works []domain.WorkData) {
	a := domain.AuthorData{Key: key, Name: name}
	f.source.byName[name] = a
	f.source.byKey[key] = a
	f.source.works[key] = works
}

func TestPipelineRunHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.catalog.authors = []domain.CalibreAuthor{
		{ID: 10, Name: "Jane Smith"},
		{ID: 11, Name: "John Doe"},
	}
	f.catalog.books = []domain.CalibreBook{{ID: 1, Title: "Tides", AuthorIDs: []int64{10}}}
	f.addRemoteAuthor("Jane Smith", "OL1A", []domain.WorkData{
		{Key: "W1", Title: "Tides", Subjects: []string{"fantasy", "magic"}},
	})
	f.addRemoteAuthor("John Doe", "OL2A", []domain.WorkData{
		{Key: "W2", Title: "Orbits", Subjects: []string{"fantasy", "space"}},
	})

	results := NewPipeline().Run(ctx, f.sc)
	require.Len(t, results, 7)
	for i, res := range results {
		assert.True(t, res.Success, "stage %d: %s", i, res.Message)
	}

	task, err := f.tasks.GetTask(ctx, f.taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	assert.Equal(t, 1.0, task.Progress)

	// Both authors ingested with their works.
	jane, err := f.metadata.GetAuthorByKey(ctx, "OL1A")
	require.NoError(t, err)
	require.NotNil(t, jane.LastSyncedAt)
	children, err := f.metadata.Children(ctx, jane.ID)
	require.NoError(t, err)
	require.Len(t, children.Works, 1)
	assert.Equal(t, "W1", children.Works[0].WorkKey)

	// Both linked by exact name.
	mappings, err := f.mappings.ListMappings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	for _, m := range mappings {
		assert.Equal(t, domain.MatchExact, m.MatchedBy)
		assert.Equal(t, match.ConfidenceExact, m.ConfidenceScore)
	}

	// One shared subject out of three scores the pair.
	sims, err := f.similarities.ListSimilarities(ctx, jane.ID)
	require.NoError(t, err)
	require.Len(t, sims, 1)
	assert.InDelta(t, 1.0/3.0, sims[0].Score, 1e-9)
}

func TestPipelineRecordsUnmatchedPlaceholder(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.catalog.authors = []domain.CalibreAuthor{{ID: 10, Name: "Nobody Known"}}

	results := NewPipeline().Run(ctx, f.sc)
	for _, res := range results {
		require.True(t, res.Success, res.Message)
	}

	task, err := f.tasks.GetTask(ctx, f.taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)

	m, err := f.mappings.GetMapping(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchUnmatched, m.MatchedBy)
	placeholder, err := f.metadata.GetAuthor(ctx, m.AuthorMetadataID)
	require.NoError(t, err)
	assert.False(t, placeholder.Matched())
}

func TestPipelineCancellation(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.catalog.authors = []domain.CalibreAuthor{{ID: 10, Name: "Jane Smith"}}
	f.sc.MarkCancelled()

	results := NewPipeline().Run(ctx, f.sc)
	// Crawl refuses, completion records the cancellation.
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)

	task, err := f.tasks.GetTask(ctx, f.taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, task.Status)
}

func TestPipelineCrawlFailureFailsTask(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.catalog.authorsErr = errors.New("database is locked")

	results := NewPipeline().Run(ctx, f.sc)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)

	task, err := f.tasks.GetTask(ctx, f.taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "crawl")
	assert.Contains(t, task.ErrorMessage, "database is locked")
}

func TestPipelineSkipsAlreadyMatched(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.catalog.authors = []domain.CalibreAuthor{{ID: 10, Name: "Jane Smith"}}
	f.addRemoteAuthor("Jane Smith", "OL1A", nil)

	// First run matches and links.
	NewPipeline().Run(ctx, f.sc)
	first, err := f.mappings.GetMapping(ctx, 1, 10)
	require.NoError(t, err)

	// Second run skips through the gate without touching the mapping.
	task2, err := f.tasks.CreateTask(ctx, domain.TaskLibraryScan, 1, nil)
	require.NoError(t, err)
	require.NoError(t, f.tasks.StartTask(ctx, task2.ID))
	f.sc.TaskID = task2.ID
	f.sc.CrawledAuthors = nil
	f.sc.MatchResults = nil
	f.sc.UnmatchedAuthors = nil

	results := NewPipeline().Run(ctx, f.sc)
	for _, res := range results {
		require.True(t, res.Success, res.Message)
	}
	second, err := f.mappings.GetMapping(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestIngestAuthorFreshness(t *testing.T) {
	ctx := context.Background()
	metadata := memory.NewMetadataStore()
	source := &fakeSource{
		byKey: map[string]domain.AuthorData{"OL1A": {Key: "OL1A", Name: "Jane Smith"}},
		works: map[string][]domain.WorkData{},
	}
	res := domain.MatchResult{Author: domain.AuthorData{Key: "OL1A", Name: "Jane Smith"}}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	maxAge := 30

	outcome, err := IngestAuthor(ctx, metadata, source, res, Options{StaleMaxAgeDays: &maxAge}, now)
	require.NoError(t, err)
	assert.Equal(t, IngestCreated, outcome)

	// A second pass inside the freshness window skips the fetch.
	outcome, err = IngestAuthor(ctx, metadata, source, res, Options{StaleMaxAgeDays: &maxAge}, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, IngestSkippedFresh, outcome)

	// Past the max age the row is refreshed.
	outcome, err = IngestAuthor(ctx, metadata, source, res, Options{StaleMaxAgeDays: &maxAge}, now.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, IngestRefreshed, outcome)
}

func TestIngestAuthorWorkLimit(t *testing.T) {
	ctx := context.Background()
	metadata := memory.NewMetadataStore()
	source := &fakeSource{
		byKey: map[string]domain.AuthorData{"OL1A": {Key: "OL1A", Name: "Jane Smith"}},
		works: map[string][]domain.WorkData{"OL1A": {
			{Key: "W1", Title: "One"},
			{Key: "W2", Title: "Two"},
			{Key: "W3", Title: "Three"},
		}},
	}
	res := domain.MatchResult{Author: domain.AuthorData{Key: "OL1A", Name: "Jane Smith"}}

	_, err := IngestAuthor(ctx, metadata, source, res, Options{MaxWorksPerAuthor: 2}, time.Now())
	require.NoError(t, err)

	a, err := metadata.GetAuthorByKey(ctx, "OL1A")
	require.NoError(t, err)
	children, err := metadata.Children(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, children.Works, 2)
}

func TestLinkMatchFallsBackToMinimalRow(t *testing.T) {
	ctx := context.Background()
	metadata := memory.NewMetadataStore()
	mappings := memory.NewMappingStore()
	now := time.Now()

	// No ingested row exists for the key; LinkMatch persists a minimal one.
	created, err := LinkMatch(ctx, metadata, mappings, 1, domain.MatchResult{
		Author:          domain.AuthorData{Key: "OL9A", Name: "Jane Smith"},
		Confidence:      0.9,
		Method:          domain.MatchExact,
		CalibreAuthorID: 10,
	}, now)
	require.NoError(t, err)
	assert.True(t, created)

	meta, err := metadata.GetAuthorByKey(ctx, "OL9A")
	require.NoError(t, err)
	m, err := mappings.GetMapping(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, m.AuthorMetadataID)
	assert.Equal(t, 0.9, m.ConfidenceScore)
}
