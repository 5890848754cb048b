package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
)

// IngestStage fetches full author records and works for every unique matched
// external key and upserts them. Each author commits separately so partial
// progress survives a crash.
type IngestStage struct {
	done  atomic.Int64
	total atomic.Int64
	now   func() time.Time
}

// Name implements Stage.
func (s *IngestStage) Name() string { return StageIngest }

// Progress implements Stage.
func (s *IngestStage) Progress() float64 {
	total := s.total.Load()
	if total == 0 {
		return 0
	}
	return float64(s.done.Load()) / float64(total)
}

// Execute implements Stage.
func (s *IngestStage) Execute(ctx context.Context, sc *Context) StageResult {
	if s.now == nil {
		s.now = time.Now
	}
	// Deduplicate match results by external key; several Calibre authors may
	// have matched the same remote author.
	unique := make(map[string]domain.MatchResult)
	order := make([]string, 0, len(sc.MatchResults))
	for _, res := range sc.MatchResults {
		if res.Author.Key == "" {
			continue
		}
		if _, seen := unique[res.Author.Key]; !seen {
			order = append(order, res.Author.Key)
		}
		unique[res.Author.Key] = res
	}
	s.total.Store(int64(len(order)))

	var ingested, refreshed, skipped, failed int64
	for i, key := range order {
		if sc.Cancelled() {
			return StageResult{Success: false, Message: "cancelled"}
		}
		res := unique[key]
		outcome, err := IngestAuthor(ctx, sc.Metadata, sc.Source, res, sc.Options, s.now())
		switch {
		case err != nil:
			failed++
			slog.Warn("ingest failed for author",
				slog.String("key", key),
				slog.String("author", res.Author.Name),
				slog.Any("error", err))
		case outcome == IngestSkippedFresh:
			skipped++
		case outcome == IngestRefreshed:
			refreshed++
			ingested++
		default:
			ingested++
		}
		s.done.Store(int64(i + 1))
		observability.ScanItemsProcessedTotal.WithLabelValues(StageIngest).Inc()
		sc.report(ctx, 0.30+0.30*s.Progress(), stageMeta(StageIngest, "running", map[string]any{
			"current_item":  res.Author.Name,
			"current_index": i + 1,
			"total_items":   len(order),
			"ingested":      ingested,
			"skipped":       skipped,
			"failed":        failed,
		}))
	}
	return StageResult{
		Success: true,
		Stats: map[string]int64{
			"ingested":  ingested,
			"refreshed": refreshed,
			"skipped":   skipped,
			"failed":    failed,
		},
	}
}

// IngestOutcome describes what IngestAuthor did.
type IngestOutcome int

const (
	// IngestCreated means the author was fetched and stored for the first time.
	IngestCreated IngestOutcome = iota
	// IngestRefreshed means an existing row aged out and was refetched.
	IngestRefreshed
	// IngestSkippedFresh means the cached row was fresh enough to keep.
	IngestSkippedFresh
)

// IngestAuthor applies the staleness decision for one matched author and, when
// a fetch is due, pulls the full record plus works and upserts the bundle.
// Shared by the in-process stage and the ingest worker.
func IngestAuthor(ctx context.Context, metadata domain.MetadataRepository, source domain.DataSource, res domain.MatchResult, opts Options, now time.Time) (IngestOutcome, error) {
	key := res.Author.Key
	existing, err := metadata.GetAuthorByKey(ctx, key)
	exists := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, err
	}
	if exists && domain.SkipForFreshness(existing.LastSyncedAt, opts.StaleMaxAgeDays, opts.RefreshIntervalDays, now) {
		return IngestSkippedFresh, nil
	}

	full, err := source.GetAuthor(ctx, key)
	if err != nil {
		return 0, err
	}
	works, err := source.GetAuthorWorks(ctx, key, opts.MaxWorksPerAuthor, opts.WorksLanguage)
	if err != nil {
		// The author row is still worth storing without works.
		slog.Debug("author works fetch failed", slog.String("key", key), slog.Any("error", err))
		works = nil
	}
	if opts.MaxWorksPerAuthor > 0 && len(works) > opts.MaxWorksPerAuthor {
		works = works[:opts.MaxWorksPerAuthor]
	}

	bundle := BundleFromAuthorData(full, works, now)
	if _, err := metadata.UpsertAuthor(ctx, bundle); err != nil {
		return 0, err
	}
	if exists {
		return IngestRefreshed, nil
	}
	return IngestCreated, nil
}

// BundleFromAuthorData converts a provider record into the persistence shape.
func BundleFromAuthorData(a domain.AuthorData, works []domain.WorkData, now time.Time) domain.AuthorBundle {
	key := a.Key
	synced := now
	meta := domain.AuthorMetadata{
		ExternalKey:    &key,
		Name:           a.Name,
		Biography:      a.Biography,
		BirthDate:      a.BirthDate,
		DeathDate:      a.DeathDate,
		Location:       a.Location,
		PhotoURL:       a.PhotoURL,
		PersonalName:   a.PersonalName,
		FullerName:     a.FullerName,
		TitlePrefix:    a.TitlePrefix,
		TopWork:        a.TopWork,
		RatingsAverage: a.RatingsAverage,
		RatingsCount:   a.RatingsCount,
		WorkCount:      a.WorkCount,
		LastSyncedAt:   &synced,
	}
	var children domain.AuthorChildren
	for _, alt := range a.AlternateNames {
		children.AlternateNames = append(children.AlternateNames, domain.AuthorAlternateName{Name: alt})
	}
	for _, p := range a.Photos {
		children.Photos = append(children.Photos, domain.AuthorPhoto{URL: p})
	}
	for _, l := range a.Links {
		children.Links = append(children.Links, domain.AuthorLink{Title: l.Title, URL: l.URL})
	}
	for _, id := range remoteIDs(a.Identifiers) {
		children.RemoteIDs = append(children.RemoteIDs, id)
	}
	for _, w := range works {
		children.Works = append(children.Works, domain.AuthorWork{
			WorkKey:  w.Key,
			Title:    w.Title,
			Subjects: w.Subjects,
		})
	}
	return domain.AuthorBundle{Author: meta, Children: children}
}

func remoteIDs(ids domain.IdentifierSet) []domain.AuthorRemoteID {
	var out []domain.AuthorRemoteID
	add := func(typ, val string) {
		if val != "" {
			out = append(out, domain.AuthorRemoteID{IdentifierType: typ, Value: val})
		}
	}
	add("viaf", ids.VIAF)
	add("goodreads", ids.Goodreads)
	add("wikidata", ids.Wikidata)
	add("isni", ids.ISNI)
	add("librarything", ids.LibraryThing)
	add("amazon", ids.Amazon)
	add("imdb", ids.IMDB)
	add("musicbrainz", ids.MusicBrainz)
	add("lc_naf", ids.LCNAF)
	add("opac_sbn", ids.OPACSBN)
	add("storygraph", ids.StoryGraph)
	return out
}
