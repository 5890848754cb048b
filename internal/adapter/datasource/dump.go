package datasource

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fundamental/fundamental/internal/adapter/repo/postgres"
	"github.com/fundamental/fundamental/internal/domain"
)

// Dump provider constants.
const (
	DumpName = "local_dump"
	// dumpSimilarityFloor is the pg_trgm similarity below which title search
	// rows are not returned.
	dumpSimilarityFloor = 0.6
)

// Dump serves author lookups from a locally ingested Open Library dump in
// Postgres. Author lookup is by exact name (fuzzy ranking happens in the
// matching layer); title search rides pg_trgm similarity.
type Dump struct {
	pool postgres.PgxPool
}

// NewDump wraps the shared pool. Registered via a closure that injects the
// pool, since kwargs cannot carry it.
func NewDump(pool postgres.PgxPool) *Dump { return &Dump{pool: pool} }

// Name implements domain.DataSource.
func (d *Dump) Name() string { return DumpName }

const dumpAuthorColumns = `author_key, name, COALESCE(biography,''), COALESCE(birth_date,''),
	COALESCE(death_date,''), COALESCE(alternate_names,'{}'), ratings_average,
	COALESCE(ratings_count,0), COALESCE(work_count,0), COALESCE(top_work,'')`

// SearchAuthor implements domain.DataSource.
func (d *Dump) SearchAuthor(ctx domain.Context, name string, ids *domain.IdentifierSet) ([]domain.AuthorData, error) {
	tracer := otel.Tracer("datasource.dump")
	ctx, span := tracer.Start(ctx, "dump.SearchAuthor")
	defer span.End()
	q := `SELECT ` + dumpAuthorColumns + `
	      FROM dump_authors
	      WHERE name = $1
	      ORDER BY COALESCE(work_count,0) DESC
	      LIMIT 20`
	rows, err := d.pool.Query(ctx, q, name)
	if err != nil {
		return nil, fmt.Errorf("op=dump.search_author: %w", err)
	}
	defer rows.Close()
	var out []domain.AuthorData
	for rows.Next() {
		a, err := scanDumpAuthor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAuthor implements domain.DataSource.
func (d *Dump) GetAuthor(ctx domain.Context, key string) (domain.AuthorData, error) {
	tracer := otel.Tracer("datasource.dump")
	ctx, span := tracer.Start(ctx, "dump.GetAuthor")
	defer span.End()
	q := `SELECT ` + dumpAuthorColumns + ` FROM dump_authors WHERE author_key=$1`
	a, err := scanDumpAuthor(d.pool.QueryRow(ctx, q, key))
	if err != nil {
		return domain.AuthorData{}, err
	}
	return a, nil
}

// GetAuthorWorks implements domain.DataSource.
func (d *Dump) GetAuthorWorks(ctx domain.Context, key string, limit int, lang string) ([]domain.WorkData, error) {
	tracer := otel.Tracer("datasource.dump")
	ctx, span := tracer.Start(ctx, "dump.GetAuthorWorks")
	defer span.End()
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT work_key, title, COALESCE(subjects,'{}')
	      FROM dump_works WHERE author_key=$1 ORDER BY work_key LIMIT $2`
	rows, err := d.pool.Query(ctx, q, key, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dump.works: %w", err)
	}
	defer rows.Close()
	var out []domain.WorkData
	for rows.Next() {
		var w domain.WorkData
		if err := rows.Scan(&w.Key, &w.Title, &w.Subjects); err != nil {
			return nil, fmt.Errorf("op=dump.works: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SearchBook implements domain.DataSource. The dump carries works, not
// editions, so ISBN lookup is unsupported.
func (d *Dump) SearchBook(ctx domain.Context, title, isbn string, authors []string) ([]domain.BookData, error) {
	tracer := otel.Tracer("datasource.dump")
	ctx, span := tracer.Start(ctx, "dump.SearchBook")
	defer span.End()
	q := `SELECT work_key, title
	      FROM dump_works
	      WHERE similarity(title, $1) >= $2
	      ORDER BY similarity(title, $1) DESC
	      LIMIT 20`
	rows, err := d.pool.Query(ctx, q, title, dumpSimilarityFloor)
	if err != nil {
		return nil, fmt.Errorf("op=dump.search_book: %w", err)
	}
	defer rows.Close()
	var out []domain.BookData
	for rows.Next() {
		var b domain.BookData
		if err := rows.Scan(&b.Key, &b.Title); err != nil {
			return nil, fmt.Errorf("op=dump.search_book: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBook implements domain.DataSource.
func (d *Dump) GetBook(ctx domain.Context, key string, skipAuthors bool) (domain.BookData, error) {
	tracer := otel.Tracer("datasource.dump")
	ctx, span := tracer.Start(ctx, "dump.GetBook")
	defer span.End()
	q := `SELECT work_key, title FROM dump_works WHERE work_key=$1`
	var b domain.BookData
	if err := d.pool.QueryRow(ctx, q, key).Scan(&b.Key, &b.Title); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BookData{}, fmt.Errorf("op=dump.get_book key=%s: %w", key, domain.ErrNotFound)
		}
		return domain.BookData{}, fmt.Errorf("op=dump.get_book: %w", err)
	}
	return b, nil
}

func scanDumpAuthor(row pgx.Row) (domain.AuthorData, error) {
	var a domain.AuthorData
	if err := row.Scan(&a.Key, &a.Name, &a.Biography, &a.BirthDate, &a.DeathDate,
		&a.AlternateNames, &a.RatingsAverage, &a.RatingsCount, &a.WorkCount, &a.TopWork); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuthorData{}, fmt.Errorf("op=dump.get_author: %w", domain.ErrNotFound)
		}
		return domain.AuthorData{}, fmt.Errorf("op=dump.scan: %w", err)
	}
	return a, nil
}
