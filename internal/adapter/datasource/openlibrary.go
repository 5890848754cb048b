package datasource

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
)

// OpenLibrary provider constants.
const (
	OpenLibraryName       = "openlibrary"
	openLibraryBaseURL    = "https://openlibrary.org"
	openLibraryCoversURL  = "https://covers.openlibrary.org"
	defaultMinInterval    = 500 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
	maxRetries            = 3
	// searchEnrichLimit caps how many search hits get a detail fetch when
	// identifier comparison is requested.
	searchEnrichLimit = 3
)

// OpenLibrary is the HTTP client for the Open Library API. All requests pass
// the shared min-interval limiter; transient failures retry with exponential
// backoff and map onto the domain sentinels.
type OpenLibrary struct {
	base    string
	covers  string
	client  *http.Client
	limiter *minIntervalLimiter
}

// NewOpenLibrary builds the provider from kwargs: base_url, covers_url,
// min_interval_ms, timeout_ms.
func NewOpenLibrary(kwargs map[string]any) (domain.DataSource, error) {
	base := stringKwarg(kwargs, "base_url", openLibraryBaseURL)
	covers := stringKwarg(kwargs, "covers_url", openLibraryCoversURL)
	interval := durationKwarg(kwargs, "min_interval_ms", defaultMinInterval)
	timeout := durationKwarg(kwargs, "timeout_ms", defaultRequestTimeout)
	return &OpenLibrary{
		base:    strings.TrimRight(base, "/"),
		covers:  strings.TrimRight(covers, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: newMinIntervalLimiter(interval),
	}, nil
}

// Name implements domain.DataSource.
func (o *OpenLibrary) Name() string { return OpenLibraryName }

// SearchAuthor implements domain.DataSource. When ids is non-nil the top hits
// are enriched with detail fetches so identifier comparison has material to
// work on.
func (o *OpenLibrary) SearchAuthor(ctx domain.Context, name string, ids *domain.IdentifierSet) ([]domain.AuthorData, error) {
	q := url.Values{"q": {name}, "limit": {"20"}}
	var resp struct {
		Docs []struct {
			Key            string   `json:"key"`
			Name           string   `json:"name"`
			AlternateNames []string `json:"alternate_names"`
			BirthDate      string   `json:"birth_date"`
			DeathDate      string   `json:"death_date"`
			TopWork        string   `json:"top_work"`
			WorkCount      int      `json:"work_count"`
			RatingsAverage *float64 `json:"ratings_average"`
			RatingsCount   int64    `json:"ratings_count"`
		} `json:"docs"`
	}
	if err := o.getJSON(ctx, "/search/authors.json?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]domain.AuthorData, 0, len(resp.Docs))
	for i, d := range resp.Docs {
		a := domain.AuthorData{
			Key:            strings.TrimPrefix(d.Key, "/authors/"),
			Name:           d.Name,
			AlternateNames: d.AlternateNames,
			BirthDate:      d.BirthDate,
			DeathDate:      d.DeathDate,
			TopWork:        d.TopWork,
			WorkCount:      d.WorkCount,
			RatingsAverage: d.RatingsAverage,
			RatingsCount:   d.RatingsCount,
		}
		if ids != nil && i < searchEnrichLimit {
			if full, err := o.GetAuthor(ctx, a.Key); err == nil {
				a = full
			}
		}
		out = append(out, a)
	}
	return out, nil
}

// GetAuthor implements domain.DataSource.
func (o *OpenLibrary) GetAuthor(ctx domain.Context, key string) (domain.AuthorData, error) {
	key = strings.TrimPrefix(key, "/authors/")
	var resp struct {
		Key            string          `json:"key"`
		Name           string          `json:"name"`
		PersonalName   string          `json:"personal_name"`
		FullerName     string          `json:"fuller_name"`
		Title          string          `json:"title"`
		Bio            json.RawMessage `json:"bio"`
		BirthDate      string          `json:"birth_date"`
		DeathDate      string          `json:"death_date"`
		Location       string          `json:"location"`
		AlternateNames []string        `json:"alternate_names"`
		Photos         []int64         `json:"photos"`
		Links          []struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		} `json:"links"`
		RemoteIDs map[string]string `json:"remote_ids"`
	}
	if err := o.getJSON(ctx, "/authors/"+url.PathEscape(key)+".json", &resp); err != nil {
		return domain.AuthorData{}, err
	}
	a := domain.AuthorData{
		Key:            key,
		Name:           resp.Name,
		PersonalName:   resp.PersonalName,
		FullerName:     resp.FullerName,
		TitlePrefix:    resp.Title,
		Biography:      decodeBio(resp.Bio),
		BirthDate:      resp.BirthDate,
		DeathDate:      resp.DeathDate,
		Location:       resp.Location,
		AlternateNames: resp.AlternateNames,
		Identifiers:    identifiersFromRemoteIDs(resp.RemoteIDs),
	}
	for _, id := range resp.Photos {
		if id <= 0 {
			continue
		}
		a.Photos = append(a.Photos, fmt.Sprintf("%s/a/id/%d-L.jpg", o.covers, id))
	}
	if len(a.Photos) > 0 {
		a.PhotoURL = a.Photos[0]
	}
	for _, l := range resp.Links {
		a.Links = append(a.Links, domain.LinkData{Title: l.Title, URL: l.URL})
	}
	return a, nil
}

// GetAuthorWorks implements domain.DataSource. lang is accepted for interface
// parity; Open Library works are not language-partitioned.
func (o *OpenLibrary) GetAuthorWorks(ctx domain.Context, key string, limit int, lang string) ([]domain.WorkData, error) {
	key = strings.TrimPrefix(key, "/authors/")
	q := ""
	if limit > 0 {
		q = "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Entries []struct {
			Key      string   `json:"key"`
			Title    string   `json:"title"`
			Subjects []string `json:"subjects"`
		} `json:"entries"`
	}
	if err := o.getJSON(ctx, "/authors/"+url.PathEscape(key)+"/works.json"+q, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.WorkData, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		out = append(out, domain.WorkData{
			Key:      strings.TrimPrefix(e.Key, "/works/"),
			Title:    e.Title,
			Subjects: e.Subjects,
		})
	}
	return out, nil
}

// SearchBook implements domain.DataSource.
func (o *OpenLibrary) SearchBook(ctx domain.Context, title, isbn string, authors []string) ([]domain.BookData, error) {
	q := url.Values{"limit": {"20"}}
	if isbn != "" {
		q.Set("isbn", isbn)
	}
	if title != "" {
		q.Set("title", title)
	}
	if len(authors) > 0 {
		q.Set("author", strings.Join(authors, " "))
	}
	var resp struct {
		Docs []struct {
			Key        string   `json:"key"`
			Title      string   `json:"title"`
			AuthorName []string `json:"author_name"`
			ISBN       []string `json:"isbn"`
		} `json:"docs"`
	}
	if err := o.getJSON(ctx, "/search.json?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]domain.BookData, 0, len(resp.Docs))
	for _, d := range resp.Docs {
		b := domain.BookData{
			Key:     strings.TrimPrefix(d.Key, "/works/"),
			Title:   d.Title,
			Authors: d.AuthorName,
		}
		if len(d.ISBN) > 0 {
			b.ISBN = d.ISBN[0]
		}
		out = append(out, b)
	}
	return out, nil
}

// GetBook implements domain.DataSource.
func (o *OpenLibrary) GetBook(ctx domain.Context, key string, skipAuthors bool) (domain.BookData, error) {
	key = strings.TrimPrefix(key, "/works/")
	var resp struct {
		Key     string `json:"key"`
		Title   string `json:"title"`
		Authors []struct {
			Author struct {
				Key string `json:"key"`
			} `json:"author"`
		} `json:"authors"`
	}
	if err := o.getJSON(ctx, "/works/"+url.PathEscape(key)+".json", &resp); err != nil {
		return domain.BookData{}, err
	}
	b := domain.BookData{Key: key, Title: resp.Title}
	if !skipAuthors {
		for _, a := range resp.Authors {
			authorKey := strings.TrimPrefix(a.Author.Key, "/authors/")
			full, err := o.GetAuthor(ctx, authorKey)
			if err != nil {
				continue
			}
			b.Authors = append(b.Authors, full.Name)
		}
	}
	return b, nil
}

// getJSON issues one rate-limited GET with retries, decoding into v.
func (o *OpenLibrary) getJSON(ctx domain.Context, path string, v any) error {
	op := func() error {
		if err := o.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.base+path, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=openlibrary.request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		resp, err := o.client.Do(req)
		if err != nil {
			observability.DataSourceRequestsTotal.WithLabelValues(OpenLibraryName, "network_error").Inc()
			return fmt.Errorf("op=openlibrary.request: %w: %v", domain.ErrNetwork, err)
		}
		defer resp.Body.Close()
		observability.DataSourceRequestsTotal.WithLabelValues(OpenLibraryName, strconv.Itoa(resp.StatusCode)).Inc()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("op=openlibrary.request path=%s: %w", path, domain.ErrNotFound))
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("op=openlibrary.request path=%s: %w", path, domain.ErrRateLimited)
		case resp.StatusCode >= 500:
			return fmt.Errorf("op=openlibrary.request path=%s status=%d: %w", path, resp.StatusCode, domain.ErrNetwork)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("op=openlibrary.request path=%s status=%d: %w", path, resp.StatusCode, domain.ErrNetwork))
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("op=openlibrary.read: %w: %v", domain.ErrNetwork, err)
		}
		if err := json.Unmarshal(body, v); err != nil {
			return backoff.Permanent(fmt.Errorf("op=openlibrary.decode: %w", err))
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// decodeBio handles Open Library's two bio encodings: a plain string or a
// typed {type, value} object.
func decodeBio(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var typed struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &typed); err == nil {
		return typed.Value
	}
	return ""
}

func identifiersFromRemoteIDs(m map[string]string) domain.IdentifierSet {
	return domain.IdentifierSet{
		VIAF:         m["viaf"],
		Goodreads:    m["goodreads"],
		Wikidata:     m["wikidata"],
		ISNI:         m["isni"],
		LibraryThing: m["librarything"],
		Amazon:       m["amazon"],
		IMDB:         m["imdb"],
		MusicBrainz:  m["musicbrainz"],
		LCNAF:        m["lc_naf"],
		OPACSBN:      m["opac_sbn"],
		StoryGraph:   m["storygraph"],
	}
}

func stringKwarg(kwargs map[string]any, key, def string) string {
	if v, ok := kwargs[key].(string); ok && v != "" {
		return v
	}
	return def
}

func durationKwarg(kwargs map[string]any, key string, def time.Duration) time.Duration {
	switch v := kwargs[key].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	}
	return def
}
