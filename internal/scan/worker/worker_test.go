package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/adapter/broker/memq"
	"github.com/fundamental/fundamental/internal/adapter/repo/memory"
	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/match"
	"github.com/fundamental/fundamental/internal/scan"
)

type fakeCatalog struct {
	authors []domain.CalibreAuthor
}

func (c *fakeCatalog) ListAuthors(ctx domain.Context) ([]domain.CalibreAuthor, error) {
	return c.authors, nil
}

func (c *fakeCatalog) ListBooks(ctx domain.Context) ([]domain.CalibreBook, error) { return nil, nil }

func (c *fakeCatalog) AuthorIdentifiers(ctx domain.Context, authorID int64) (domain.IdentifierSet, error) {
	return domain.IdentifierSet{}, domain.ErrNotFound
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

type fakeResolver struct {
	src domain.DataSource
}

func (r fakeResolver) Resolve(cfg domain.DataSourceConfig) (domain.DataSource, error) {
	return r.src, nil
}

type workerFixture struct {
	broker       *memq.Broker
	tracker      *scan.Tracker
	tasks        *memory.TaskStore
	metadata     *memory.MetadataStore
	mappings     *memory.MappingStore
	similarities *memory.SimilarityStore
	catalog      *fakeCatalog
	source       *fakeSource
	deps         *Deps
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		broker:       memq.New(),
		tracker:      scan.NewTracker(memq.NewKV(), 0),
		tasks:        memory.NewTaskStore(),
		metadata:     memory.NewMetadataStore(),
		mappings:     memory.NewMappingStore(),
		similarities: memory.NewSimilarityStore(),
		catalog:      &fakeCatalog{},
		source:       &fakeSource{byName: map[string]domain.AuthorData{}, byKey: map[string]domain.AuthorData{}, works: map[string][]domain.WorkData{}},
	}
	f.metadata.Mappings = f.mappings
	f.deps = &Deps{
		Broker:       f.broker,
		Tracker:      f.tracker,
		Tasks:        f.tasks,
		Metadata:     f.metadata,
		Mappings:     f.mappings,
		Similarities: f.similarities,
		Sources:      fakeResolver{src: f.source},
		OpenCatalog:  func(dbPath, dbFile string) (domain.CalibreCatalog, error) { return f.catalog, nil },
		Orchestrator: match.NewOrchestrator(0, 0),
	}
	return f
}

func (f *workerFixture) start(t *testing.T, perAuthorWorkers int) {
	t.Helper()
	RegisterAll(f.deps, perAuthorWorkers)
	require.NoError(t, f.broker.Start(context.Background()))
	t.Cleanup(f.broker.Stop)
}

func (f *workerFixture) newScanTask(t *testing.T) domain.Task {
	t.Helper()
	task, err := f.tasks.CreateTask(context.Background(), domain.TaskLibraryScan, 1, nil)
	require.NoError(t, err)
	return task
}

func (f *workerFixture) publishScanJob(t *testing.T, taskID int64) {
	t.Helper()
	_, err := f.broker.Publish(context.Background(), domain.TopicScanJobs, &domain.ScanJobMessage{
		TaskID:        taskID,
		LibraryID:     1,
		CalibreDBPath: "/library",
		DataSource:    domain.DataSourceConfig{Name: "fake"},
	})
	require.NoError(t, err)
}

func (f *workerFixture) addRemoteAuthor(name, key string, works []domain.WorkData) {
	a := domain.AuthorData{Key: key, Name: name}
	f.source.byName[name] = a
	f.source.byKey[key] = a
	f.source.works[key] = works
}

func (f *workerFixture) waitForStatus(t *testing.T, taskID int64, want domain.TaskStatus) domain.Task {
	t.Helper()
	var got domain.Task
	require.Eventually(t, func() bool {
		task, err := f.tasks.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestScanWorkersEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.catalog.authors = []domain.CalibreAuthor{
		{ID: 10, Name: "Jane Smith"},
		{ID: 11, Name: "John Doe"},
	}
	f.addRemoteAuthor("Jane Smith", "OL1A", []domain.WorkData{
		{Key: "W1", Title: "Tides", Subjects: []string{"fantasy", "magic"}},
	})
	f.addRemoteAuthor("John Doe", "OL2A", []domain.WorkData{
		{Key: "W2", Title: "Orbits", Subjects: []string{"fantasy", "space"}},
	})

	f.start(t, 2)
	task := f.newScanTask(t)
	f.publishScanJob(t, task.ID)

	done := f.waitForStatus(t, task.ID, domain.TaskCompleted)
	assert.Equal(t, 1.0, done.Progress)

	// Both authors ingested and linked.
	mappings, err := f.mappings.ListMappings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	jane, err := f.metadata.GetAuthorByKey(ctx, "OL1A")
	require.NoError(t, err)
	sims, err := f.similarities.ListSimilarities(ctx, jane.ID)
	require.NoError(t, err)
	assert.Len(t, sims, 1)

	// Completion cleared the per-job state: counters gone, stage flags free.
	_, _, ok, err := f.tracker.Progress(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	first, err := f.tracker.MarkStageStarted(ctx, 1, scan.StageDeduplicate)
	require.NoError(t, err)
	assert.True(t, first)
}

func TestScanWorkersZeroAuthors(t *testing.T) {
	f := newWorkerFixture(t)
	f.start(t, 1)
	task := f.newScanTask(t)
	f.publishScanJob(t, task.ID)

	// With nothing to fan out the job-level stages still run to completion.
	done := f.waitForStatus(t, task.ID, domain.TaskCompleted)
	assert.Equal(t, 1.0, done.Progress)
}

func TestScanWorkersCancelledBeforeCrawl(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.catalog.authors = []domain.CalibreAuthor{{ID: 10, Name: "Jane Smith"}}

	task := f.newScanTask(t)
	require.NoError(t, f.tracker.SetCancelled(ctx, task.ID))

	f.start(t, 1)
	f.publishScanJob(t, task.ID)

	f.waitForStatus(t, task.ID, domain.TaskCancelled)
	flagged, err := f.tracker.IsCancelled(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestScanWorkersCancelledMidFlight(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	f.catalog.authors = []domain.CalibreAuthor{{ID: 10, Name: "Jane Smith"}}
	f.addRemoteAuthor("Jane Smith", "OL1A", nil)

	// Seed the counters as if crawl already ran, raise the flag, then let the
	// match worker drain the only item.
	task := f.newScanTask(t)
	require.NoError(t, f.tasks.StartTask(ctx, task.ID))
	require.NoError(t, f.tracker.InitializeJob(ctx, 1, 1, task.ID))
	changed, err := f.tasks.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, f.tracker.SetCancelled(ctx, task.ID))

	f.start(t, 1)
	_, err = f.broker.Publish(ctx, domain.TopicMatchQueue, &domain.AuthorTaskMessage{
		TaskID:          task.ID,
		LibraryID:       1,
		CalibreAuthorID: 10,
		AuthorName:      "Jane Smith",
		DataSource:      domain.DataSourceConfig{Name: "fake"},
	})
	require.NoError(t, err)
	require.True(t, f.broker.Drain(3*time.Second))

	// The drain consumed the cancellation without matching or fanning out.
	require.Eventually(t, func() bool {
		flagged, err := f.tracker.IsCancelled(ctx, task.ID)
		return err == nil && !flagged
	}, 3*time.Second, 10*time.Millisecond)
	_, _, ok, err := f.tracker.Progress(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	mappings, err := f.mappings.ListMappings(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, mappings)
}

func TestDeduplicateRedeliverySkipped(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	task := f.newScanTask(t)
	require.NoError(t, f.tasks.StartTask(ctx, task.ID))

	// The stage flag is already set: this delivery is a duplicate.
	first, err := f.tracker.MarkStageStarted(ctx, 1, scan.StageDeduplicate)
	require.NoError(t, err)
	require.True(t, first)

	f.start(t, 1)
	_, err = f.broker.Publish(ctx, domain.TopicDeduplicate, &domain.JobStageMessage{
		TaskID:     task.ID,
		LibraryID:  1,
		DataSource: domain.DataSourceConfig{Name: "fake"},
	})
	require.NoError(t, err)
	require.True(t, f.broker.Drain(3*time.Second))
	time.Sleep(50 * time.Millisecond)

	// The duplicate was dropped: no forward to score, task untouched.
	got, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, got.Status)
}

func TestJobStageFailureClearsJob(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)
	// Break the library join so deduplication fails.
	f.metadata.Mappings = nil

	task := f.newScanTask(t)
	require.NoError(t, f.tasks.StartTask(ctx, task.ID))
	require.NoError(t, f.tracker.InitializeJob(ctx, 1, 5, task.ID))

	f.start(t, 1)
	_, err := f.broker.Publish(ctx, domain.TopicDeduplicate, &domain.JobStageMessage{
		TaskID:     task.ID,
		LibraryID:  1,
		DataSource: domain.DataSourceConfig{Name: "fake"},
	})
	require.NoError(t, err)

	got := f.waitForStatus(t, task.ID, domain.TaskFailed)
	assert.Contains(t, got.ErrorMessage, "deduplicate")

	// Job state cleared so a redelivery cannot resurrect the run.
	require.Eventually(t, func() bool {
		_, _, ok, err := f.tracker.Progress(ctx, 1)
		return err == nil && !ok
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMalformedMessageDropped(t *testing.T) {
	f := newWorkerFixture(t)
	f.start(t, 1)

	// Missing required fields: rejected by validation, never retried.
	raw, err := json.Marshal(map[string]any{"library_id": 1})
	require.NoError(t, err)
	w := &CrawlWorker{f.deps}
	assert.NoError(t, w.Handle(context.Background(), raw))
}

type captureHandler struct {
	mu   sync.Mutex
	msgs []domain.ScanJobMessage
}

func (c *captureHandler) handle(_ context.Context, payload []byte) error {
	var msg domain.ScanJobMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *captureHandler) snapshot() []domain.ScanJobMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ScanJobMessage(nil), c.msgs...)
}

func TestScanDispatcher(t *testing.T) {
	ctx := context.Background()
	broker := memq.New()
	capture := &captureHandler{}
	broker.Subscribe(domain.TopicScanJobs, capture.handle)
	require.NoError(t, broker.Start(ctx))
	t.Cleanup(broker.Stop)

	libraries := memory.NewLibraryStore(
		domain.Library{ID: 1, Name: "main", CalibreDBPath: "/main", DBFile: "metadata.db", IsActive: true},
		domain.Library{ID: 2, Name: "archive", CalibreDBPath: "/archive", DBFile: "metadata.db"},
	)
	defaultAge := 30
	dispatch := NewScanDispatcher(broker, libraries, "openlibrary", domain.ScanOptions{StaleMaxAgeDays: &defaultAge})

	// Explicit library plus overrides, as a JSON round-trip would deliver them.
	require.NoError(t, dispatch(ctx, domain.Task{ID: 5}, map[string]any{
		"library_id":           float64(2),
		"data_source":          "hardcover",
		"force":                true,
		"max_works_per_author": float64(7),
	}))
	// No library selects the active one with the defaults.
	require.NoError(t, dispatch(ctx, domain.Task{ID: 6}, map[string]any{}))
	require.True(t, broker.Drain(2*time.Second))

	msgs := capture.snapshot()
	require.Len(t, msgs, 2)

	assert.Equal(t, int64(5), msgs[0].TaskID)
	assert.Equal(t, int64(2), msgs[0].LibraryID)
	assert.Equal(t, "/archive", msgs[0].CalibreDBPath)
	assert.Equal(t, "hardcover", msgs[0].DataSource.Name)
	assert.True(t, msgs[0].Options.Force)
	assert.Equal(t, 7, msgs[0].Options.MaxWorksPerAuthor)

	assert.Equal(t, int64(1), msgs[1].LibraryID)
	assert.Equal(t, "openlibrary", msgs[1].DataSource.Name)
	require.NotNil(t, msgs[1].Options.StaleMaxAgeDays)
	assert.Equal(t, 30, *msgs[1].Options.StaleMaxAgeDays)
}

func TestScanDispatcherUnknownLibrary(t *testing.T) {
	broker := memq.New()
	libraries := memory.NewLibraryStore()
	dispatch := NewScanDispatcher(broker, libraries, "openlibrary", domain.ScanOptions{})
	err := dispatch(context.Background(), domain.Task{ID: 1}, map[string]any{"library_id": float64(9)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
