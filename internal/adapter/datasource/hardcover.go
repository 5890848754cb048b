package datasource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cenkalti/backoff/v4"

	"github.com/fundamental/fundamental/internal/domain"
	"github.com/fundamental/fundamental/internal/observability"
)

// Hardcover provider constants.
const (
	HardcoverName    = "hardcover"
	hardcoverBaseURL = "https://api.hardcover.app/v1/graphql"
)

// Hardcover queries the Hardcover GraphQL API. Construction requires an API
// token; the provider is only registered when one is configured.
type Hardcover struct {
	endpoint string
	token    string
	client   *http.Client
	limiter  *minIntervalLimiter
}

// NewHardcover builds the provider from kwargs: token (required), endpoint,
// min_interval_ms, timeout_ms.
func NewHardcover(kwargs map[string]any) (domain.DataSource, error) {
	token := stringKwarg(kwargs, "token", "")
	if token == "" {
		return nil, fmt.Errorf("op=hardcover.new: missing token: %w", domain.ErrNotConfigured)
	}
	return &Hardcover{
		endpoint: stringKwarg(kwargs, "endpoint", hardcoverBaseURL),
		token:    token,
		client:   &http.Client{Timeout: durationKwarg(kwargs, "timeout_ms", defaultRequestTimeout)},
		limiter:  newMinIntervalLimiter(durationKwarg(kwargs, "min_interval_ms", defaultMinInterval)),
	}, nil
}

// Name implements domain.DataSource.
func (h *Hardcover) Name() string { return HardcoverName }

type hardcoverAuthor struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Bio       string `json:"bio"`
	BornDate  string `json:"born_date"`
	DeathDate string `json:"death_date"`
	Image     struct {
		URL string `json:"url"`
	} `json:"image"`
	AlternateNames []string `json:"alternate_names"`
	BooksCount     int      `json:"books_count"`
}

func (a hardcoverAuthor) toDomain() domain.AuthorData {
	return domain.AuthorData{
		Key:            strconv.FormatInt(a.ID, 10),
		Name:           a.Name,
		Biography:      a.Bio,
		BirthDate:      a.BornDate,
		DeathDate:      a.DeathDate,
		PhotoURL:       a.Image.URL,
		AlternateNames: a.AlternateNames,
		WorkCount:      a.BooksCount,
	}
}

// SearchAuthor implements domain.DataSource.
func (h *Hardcover) SearchAuthor(ctx domain.Context, name string, ids *domain.IdentifierSet) ([]domain.AuthorData, error) {
	const q = `query ($name: String!) {
	  authors(where: {name: {_ilike: $name}}, limit: 20) {
	    id name bio born_date death_date alternate_names books_count image { url }
	  }
	}`
	var resp struct {
		Authors []hardcoverAuthor `json:"authors"`
	}
	if err := h.query(ctx, q, map[string]any{"name": "%" + name + "%"}, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.AuthorData, 0, len(resp.Authors))
	for _, a := range resp.Authors {
		out = append(out, a.toDomain())
	}
	return out, nil
}

// GetAuthor implements domain.DataSource; key is the numeric Hardcover id.
func (h *Hardcover) GetAuthor(ctx domain.Context, key string) (domain.AuthorData, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return domain.AuthorData{}, fmt.Errorf("op=hardcover.get_author key=%s: %w", key, domain.ErrInvalidArgument)
	}
	const q = `query ($id: Int!) {
	  authors_by_pk(id: $id) {
	    id name bio born_date death_date alternate_names books_count image { url }
	  }
	}`
	var resp struct {
		Author *hardcoverAuthor `json:"authors_by_pk"`
	}
	if err := h.query(ctx, q, map[string]any{"id": id}, &resp); err != nil {
		return domain.AuthorData{}, err
	}
	if resp.Author == nil {
		return domain.AuthorData{}, fmt.Errorf("op=hardcover.get_author key=%s: %w", key, domain.ErrNotFound)
	}
	return resp.Author.toDomain(), nil
}

// GetAuthorWorks implements domain.DataSource.
func (h *Hardcover) GetAuthorWorks(ctx domain.Context, key string, limit int, lang string) ([]domain.WorkData, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("op=hardcover.works key=%s: %w", key, domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 100
	}
	const q = `query ($id: Int!, $limit: Int!) {
	  books(where: {contributions: {author_id: {_eq: $id}}}, limit: $limit) {
	    id title cached_tags
	  }
	}`
	var resp struct {
		Books []struct {
			ID         int64    `json:"id"`
			Title      string   `json:"title"`
			CachedTags []string `json:"cached_tags"`
		} `json:"books"`
	}
	if err := h.query(ctx, q, map[string]any{"id": id, "limit": limit}, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.WorkData, 0, len(resp.Books))
	for _, b := range resp.Books {
		out = append(out, domain.WorkData{
			Key:      strconv.FormatInt(b.ID, 10),
			Title:    b.Title,
			Subjects: b.CachedTags,
		})
	}
	return out, nil
}

// SearchBook implements domain.DataSource.
func (h *Hardcover) SearchBook(ctx domain.Context, title, isbn string, authors []string) ([]domain.BookData, error) {
	const q = `query ($title: String!) {
	  books(where: {title: {_ilike: $title}}, limit: 20) {
	    id title contributions { author { name } }
	  }
	}`
	var resp struct {
		Books []struct {
			ID            int64  `json:"id"`
			Title         string `json:"title"`
			Contributions []struct {
				Author struct {
					Name string `json:"name"`
				} `json:"author"`
			} `json:"contributions"`
		} `json:"books"`
	}
	if err := h.query(ctx, q, map[string]any{"title": "%" + title + "%"}, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.BookData, 0, len(resp.Books))
	for _, b := range resp.Books {
		book := domain.BookData{Key: strconv.FormatInt(b.ID, 10), Title: b.Title, ISBN: isbn}
		for _, c := range b.Contributions {
			book.Authors = append(book.Authors, c.Author.Name)
		}
		out = append(out, book)
	}
	return out, nil
}

// GetBook implements domain.DataSource.
func (h *Hardcover) GetBook(ctx domain.Context, key string, skipAuthors bool) (domain.BookData, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return domain.BookData{}, fmt.Errorf("op=hardcover.get_book key=%s: %w", key, domain.ErrInvalidArgument)
	}
	const q = `query ($id: Int!) {
	  books_by_pk(id: $id) {
	    id title contributions { author { name } }
	  }
	}`
	var resp struct {
		Book *struct {
			ID            int64  `json:"id"`
			Title         string `json:"title"`
			Contributions []struct {
				Author struct {
					Name string `json:"name"`
				} `json:"author"`
			} `json:"contributions"`
		} `json:"books_by_pk"`
	}
	if err := h.query(ctx, q, map[string]any{"id": id}, &resp); err != nil {
		return domain.BookData{}, err
	}
	if resp.Book == nil {
		return domain.BookData{}, fmt.Errorf("op=hardcover.get_book key=%s: %w", key, domain.ErrNotFound)
	}
	book := domain.BookData{Key: key, Title: resp.Book.Title}
	if !skipAuthors {
		for _, c := range resp.Book.Contributions {
			book.Authors = append(book.Authors, c.Author.Name)
		}
	}
	return book, nil
}

// query posts one rate-limited GraphQL request with retries.
func (h *Hardcover) query(ctx domain.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return fmt.Errorf("op=hardcover.encode: %w", err)
	}
	op := func() error {
		if err := h.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=hardcover.request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+h.token)
		resp, err := h.client.Do(req)
		if err != nil {
			observability.DataSourceRequestsTotal.WithLabelValues(HardcoverName, "network_error").Inc()
			return fmt.Errorf("op=hardcover.request: %w: %v", domain.ErrNetwork, err)
		}
		defer resp.Body.Close()
		observability.DataSourceRequestsTotal.WithLabelValues(HardcoverName, strconv.Itoa(resp.StatusCode)).Inc()
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("op=hardcover.request: %w", domain.ErrRateLimited)
		case resp.StatusCode >= 500:
			return fmt.Errorf("op=hardcover.request status=%d: %w", resp.StatusCode, domain.ErrNetwork)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("op=hardcover.request status=%d: %w", resp.StatusCode, domain.ErrNetwork))
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("op=hardcover.read: %w: %v", domain.ErrNetwork, err)
		}
		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return backoff.Permanent(fmt.Errorf("op=hardcover.decode: %w", err))
		}
		if len(envelope.Errors) > 0 {
			return backoff.Permanent(fmt.Errorf("op=hardcover.query: %s: %w", envelope.Errors[0].Message, domain.ErrInternal))
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("op=hardcover.decode: %w", err))
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
