package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fundamental/fundamental/internal/domain"
)

// MetadataRepo persists author rows and their child collections.
type MetadataRepo struct {
	Pool PgxPool
	now  func() time.Time
}

// NewMetadataRepo constructs a MetadataRepo with the given pool.
func NewMetadataRepo(p PgxPool) *MetadataRepo { return &MetadataRepo{Pool: p, now: time.Now} }

const authorColumns = `id, external_key, name, COALESCE(biography,''), COALESCE(birth_date,''),
	COALESCE(death_date,''), COALESCE(location,''), COALESCE(photo_url,''),
	COALESCE(personal_name,''), COALESCE(fuller_name,''), COALESCE(title_prefix,''),
	COALESCE(top_work,''), ratings_average, COALESCE(ratings_count,0),
	COALESCE(work_count,0), last_synced_at`

// GetAuthor implements domain.MetadataRepository.
func (r *MetadataRepo) GetAuthor(ctx domain.Context, id int64) (domain.AuthorMetadata, error) {
	tracer := otel.Tracer("repo.metadata")
	ctx, span := tracer.Start(ctx, "metadata.Get")
	defer span.End()
	q := `SELECT ` + authorColumns + ` FROM author_metadata WHERE id=$1`
	return scanAuthor(r.Pool.QueryRow(ctx, q, id), "metadata.get")
}

// GetAuthorByKey implements domain.MetadataRepository.
func (r *MetadataRepo) GetAuthorByKey(ctx domain.Context, externalKey string) (domain.AuthorMetadata, error) {
	tracer := otel.Tracer("repo.metadata")
	ctx, span := tracer.Start(ctx, "metadata.GetByKey")
	defer span.End()
	q := `SELECT ` + authorColumns + ` FROM author_metadata WHERE external_key=$1`
	return scanAuthor(r.Pool.QueryRow(ctx, q, externalKey), "metadata.get_by_key")
}

// ListAuthorsForLibrary implements domain.MetadataRepository.
func (r *MetadataRepo) ListAuthorsForLibrary(ctx domain.Context, libraryID int64) ([]domain.AuthorMetadata, error) {
	tracer := otel.Tracer("repo.metadata")
	ctx, span := tracer.Start(ctx, "metadata.ListForLibrary")
	defer span.End()
	q := `SELECT DISTINCT ` + authorColumns + `
	      FROM author_metadata
	      JOIN author_mappings ON author_mappings.author_metadata_id = author_metadata.id
	      WHERE author_mappings.library_id = $1
	      ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, libraryID)
	if err != nil {
		return nil, fmt.Errorf("op=metadata.list_for_library: %w", err)
	}
	defer rows.Close()
	var out []domain.AuthorMetadata
	for rows.Next() {
		a, err := scanAuthor(rows, "metadata.list_for_library")
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAuthor implements domain.MetadataRepository. The author row and its
// children commit in one transaction, keyed by external_key.
func (r *MetadataRepo) UpsertAuthor(ctx domain.Context, bundle domain.AuthorBundle) (domain.AuthorMetadata, error) {
	tracer := otel.Tracer("repo.metadata")
	ctx, span := tracer.Start(ctx, "metadata.Upsert")
	defer span.End()
	if bundle.Author.ExternalKey == nil || *bundle.Author.ExternalKey == "" {
		return domain.AuthorMetadata{}, fmt.Errorf("op=metadata.upsert: empty external key: %w", domain.ErrInvalidArgument)
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.AuthorMetadata{}, fmt.Errorf("op=metadata.upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a := bundle.Author
	q := `INSERT INTO author_metadata
	        (external_key, name, biography, birth_date, death_date, location, photo_url,
	         personal_name, fuller_name, title_prefix, top_work,
	         ratings_average, ratings_count, work_count, last_synced_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	      ON CONFLICT (external_key) DO UPDATE SET
	        name=$2, biography=$3, birth_date=$4, death_date=$5, location=$6, photo_url=$7,
	        personal_name=$8, fuller_name=$9, title_prefix=$10, top_work=$11,
	        ratings_average=$12, ratings_count=$13, work_count=$14, last_synced_at=$15
	      RETURNING ` + authorColumns
	row, err := scanAuthor(tx.QueryRow(ctx, q,
		a.ExternalKey, a.Name, a.Biography, a.BirthDate, a.DeathDate, a.Location, a.PhotoURL,
		a.PersonalName, a.FullerName, a.TitlePrefix, a.TopWork,
		a.RatingsAverage, a.RatingsCount, a.WorkCount, a.LastSyncedAt), "metadata.upsert")
	if err != nil {
		return domain.AuthorMetadata{}, err
	}
	if err := insertChildren(ctx, tx, row.ID, bundle.Children); err != nil {
		return domain.AuthorMetadata{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.AuthorMetadata{}, fmt.Errorf("op=metadata.upsert: %w", err)
	}
	return row, nil
}

// UpdateAuthor implements domain.MetadataRepository.
func (r *MetadataRepo) UpdateAuthor(ctx domain.Context, author domain.AuthorMetadata) error {
	tracer := otel.Tracer("repo.metadata")
	ctx, span := tracer.Start(ctx, "metadata.Update")
	defer span.End()
	q := `UPDATE author_metadata SET
	        external_key=$2, name=$3, biography=$4, birth_date=$5, death_date=$6,
	        location=$7, photo_url=$8, personal_name=$9, fuller_name=$10,
	        title_prefix=$11, top_work=$12, ratings_average=$13, ratings_count=$14,
	        work_count=$15, last_synced_at=$16
	      WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, author.ID,
		author.ExternalKey, author.Name, author.Biography, author.BirthDate, author.DeathDate,
		author.Location, author.PhotoURL, author.PersonalName, author.FullerName,
		author.TitlePrefix, author.TopWork, author.RatingsAverage, author.RatingsCount,
		author.WorkCount, author.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("op=metadata.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=metadata.update id=%d: %w", author.ID, domain.ErrNotFound)
	}
	return nil
}

// CreatePlaceholder implements domain.MetadataRepository: an unmatched row
// with a NULL external key.
func (r *MetadataRepo) CreatePlaceholder(ctx domain.Context, name string) (domain.AuthorMetadata, error) {
	tracer := otel.Tracer("repo.metadata")
	ctx, span := tracer.Start(ctx, "metadata.CreatePlaceholder")
	defer span.End()
	q := `INSERT INTO author_metadata (name) VALUES ($1) RETURNING ` + authorColumns
	return scanAuthor(r.Pool.QueryRow(ctx, q, name), "metadata.placeholder")
}

// DeleteAuthor implements domain.MetadataRepository; children cascade.
func (r *MetadataRepo) DeleteAuthor(ctx domain.Context, id int64) error {
	tracer := otel.Tracer("repo.metadata")
	ctx, span := tracer.Start(ctx, "metadata.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM author_metadata WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=metadata.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=metadata.delete id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Children implements domain.MetadataRepository.
func (r *MetadataRepo) Children(ctx domain.Context, id int64) (domain.AuthorChildren, error) {
	tracer := otel.Tracer("repo.metadata")
	ctx, span := tracer.Start(ctx, "metadata.Children")
	defer span.End()
	var c domain.AuthorChildren

	rows, err := r.Pool.Query(ctx, `SELECT id, author_metadata_id, identifier_type, value FROM author_remote_ids WHERE author_metadata_id=$1 ORDER BY id`, id)
	if err != nil {
		return c, fmt.Errorf("op=metadata.children: %w", err)
	}
	for rows.Next() {
		var x domain.AuthorRemoteID
		if err := rows.Scan(&x.ID, &x.AuthorMetadataID, &x.IdentifierType, &x.Value); err != nil {
			rows.Close()
			return c, fmt.Errorf("op=metadata.children: %w", err)
		}
		c.RemoteIDs = append(c.RemoteIDs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("op=metadata.children: %w", err)
	}

	rows, err = r.Pool.Query(ctx, `SELECT id, author_metadata_id, url FROM author_photos WHERE author_metadata_id=$1 ORDER BY id`, id)
	if err != nil {
		return c, fmt.Errorf("op=metadata.children: %w", err)
	}
	for rows.Next() {
		var x domain.AuthorPhoto
		if err := rows.Scan(&x.ID, &x.AuthorMetadataID, &x.URL); err != nil {
			rows.Close()
			return c, fmt.Errorf("op=metadata.children: %w", err)
		}
		c.Photos = append(c.Photos, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("op=metadata.children: %w", err)
	}

	rows, err = r.Pool.Query(ctx, `SELECT id, author_metadata_id, name FROM author_alternate_names WHERE author_metadata_id=$1 ORDER BY id`, id)
	if err != nil {
		return c, fmt.Errorf("op=metadata.children: %w", err)
	}
	for rows.Next() {
		var x domain.AuthorAlternateName
		if err := rows.Scan(&x.ID, &x.AuthorMetadataID, &x.Name); err != nil {
			rows.Close()
			return c, fmt.Errorf("op=metadata.children: %w", err)
		}
		c.AlternateNames = append(c.AlternateNames, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("op=metadata.children: %w", err)
	}

	rows, err = r.Pool.Query(ctx, `SELECT id, author_metadata_id, COALESCE(title,''), url FROM author_links WHERE author_metadata_id=$1 ORDER BY id`, id)
	if err != nil {
		return c, fmt.Errorf("op=metadata.children: %w", err)
	}
	for rows.Next() {
		var x domain.AuthorLink
		if err := rows.Scan(&x.ID, &x.AuthorMetadataID, &x.Title, &x.URL); err != nil {
			rows.Close()
			return c, fmt.Errorf("op=metadata.children: %w", err)
		}
		c.Links = append(c.Links, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("op=metadata.children: %w", err)
	}

	rows, err = r.Pool.Query(ctx, `SELECT id, author_metadata_id, work_key, COALESCE(title,''), COALESCE(subjects,'{}') FROM author_works WHERE author_metadata_id=$1 ORDER BY id`, id)
	if err != nil {
		return c, fmt.Errorf("op=metadata.children: %w", err)
	}
	for rows.Next() {
		var x domain.AuthorWork
		if err := rows.Scan(&x.ID, &x.AuthorMetadataID, &x.WorkKey, &x.Title, &x.Subjects); err != nil {
			rows.Close()
			return c, fmt.Errorf("op=metadata.children: %w", err)
		}
		c.Works = append(c.Works, x)
	}
	rows.Close()
	return c, rows.Err()
}

// AddChildren implements domain.MetadataRepository.
func (r *MetadataRepo) AddChildren(ctx domain.Context, id int64, children domain.AuthorChildren) error {
	tracer := otel.Tracer("repo.metadata")
	ctx, span := tracer.Start(ctx, "metadata.AddChildren")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=metadata.add_children: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := insertChildren(ctx, tx, id, children); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=metadata.add_children: %w", err)
	}
	return nil
}

// insertChildren appends child rows, skipping natural-key duplicates.
func insertChildren(ctx domain.Context, tx pgx.Tx, id int64, c domain.AuthorChildren) error {
	for _, x := range c.RemoteIDs {
		_, err := tx.Exec(ctx, `INSERT INTO author_remote_ids (author_metadata_id, identifier_type, value)
			VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`, id, x.IdentifierType, x.Value)
		if err != nil {
			return fmt.Errorf("op=metadata.children_insert: %w", err)
		}
	}
	for _, x := range c.Photos {
		_, err := tx.Exec(ctx, `INSERT INTO author_photos (author_metadata_id, url)
			VALUES ($1,$2) ON CONFLICT DO NOTHING`, id, x.URL)
		if err != nil {
			return fmt.Errorf("op=metadata.children_insert: %w", err)
		}
	}
	for _, x := range c.AlternateNames {
		_, err := tx.Exec(ctx, `INSERT INTO author_alternate_names (author_metadata_id, name)
			VALUES ($1,$2) ON CONFLICT DO NOTHING`, id, x.Name)
		if err != nil {
			return fmt.Errorf("op=metadata.children_insert: %w", err)
		}
	}
	for _, x := range c.Links {
		_, err := tx.Exec(ctx, `INSERT INTO author_links (author_metadata_id, title, url)
			VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`, id, x.Title, x.URL)
		if err != nil {
			return fmt.Errorf("op=metadata.children_insert: %w", err)
		}
	}
	for _, x := range c.Works {
		_, err := tx.Exec(ctx, `INSERT INTO author_works (author_metadata_id, work_key, title, subjects)
			VALUES ($1,$2,$3,$4) ON CONFLICT (author_metadata_id, work_key) DO UPDATE SET title=$3, subjects=$4`,
			id, x.WorkKey, x.Title, x.Subjects)
		if err != nil {
			return fmt.Errorf("op=metadata.children_insert: %w", err)
		}
	}
	return nil
}

func scanAuthor(row pgx.Row, op string) (domain.AuthorMetadata, error) {
	var a domain.AuthorMetadata
	if err := row.Scan(&a.ID, &a.ExternalKey, &a.Name, &a.Biography, &a.BirthDate,
		&a.DeathDate, &a.Location, &a.PhotoURL, &a.PersonalName, &a.FullerName,
		&a.TitlePrefix, &a.TopWork, &a.RatingsAverage, &a.RatingsCount,
		&a.WorkCount, &a.LastSyncedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuthorMetadata{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.AuthorMetadata{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return a, nil
}
