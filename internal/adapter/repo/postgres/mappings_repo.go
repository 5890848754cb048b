package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fundamental/fundamental/internal/domain"
)

// MappingRepo persists library/author mappings.
type MappingRepo struct{ Pool PgxPool }

// NewMappingRepo constructs a MappingRepo with the given pool.
func NewMappingRepo(p PgxPool) *MappingRepo { return &MappingRepo{Pool: p} }

const mappingColumns = `id, calibre_author_id, library_id, author_metadata_id, confidence_score, matched_by, is_verified, created_at, updated_at`

// GetMapping implements domain.MappingRepository.
func (r *MappingRepo) GetMapping(ctx domain.Context, libraryID, calibreAuthorID int64) (domain.AuthorMapping, error) {
	tracer := otel.Tracer("repo.mappings")
	ctx, span := tracer.Start(ctx, "mappings.Get")
	defer span.End()
	q := `SELECT ` + mappingColumns + ` FROM author_mappings WHERE library_id=$1 AND calibre_author_id=$2`
	return scanMapping(r.Pool.QueryRow(ctx, q, libraryID, calibreAuthorID), "mapping.get")
}

// ListMappings implements domain.MappingRepository.
func (r *MappingRepo) ListMappings(ctx domain.Context, libraryID int64) ([]domain.AuthorMapping, error) {
	tracer := otel.Tracer("repo.mappings")
	ctx, span := tracer.Start(ctx, "mappings.List")
	defer span.End()
	q := `SELECT ` + mappingColumns + ` FROM author_mappings WHERE library_id=$1 ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, libraryID)
	if err != nil {
		return nil, fmt.Errorf("op=mapping.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AuthorMapping
	for rows.Next() {
		m, err := scanMapping(rows, "mapping.list")
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMapping implements domain.MappingRepository; keyed by
// (library_id, calibre_author_id). xmax=0 distinguishes insert from update.
func (r *MappingRepo) UpsertMapping(ctx domain.Context, m domain.AuthorMapping) (bool, error) {
	tracer := otel.Tracer("repo.mappings")
	ctx, span := tracer.Start(ctx, "mappings.Upsert")
	defer span.End()
	q := `INSERT INTO author_mappings
	        (calibre_author_id, library_id, author_metadata_id, confidence_score, matched_by, is_verified, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (library_id, calibre_author_id) DO UPDATE SET
	        author_metadata_id=$3, confidence_score=$4, matched_by=$5, is_verified=$6, updated_at=$8
	      RETURNING (xmax = 0)`
	var created bool
	if err := r.Pool.QueryRow(ctx, q, m.CalibreAuthorID, m.LibraryID, m.AuthorMetadataID,
		m.ConfidenceScore, m.MatchedBy, m.IsVerified, m.CreatedAt, m.UpdatedAt).Scan(&created); err != nil {
		return false, fmt.Errorf("op=mapping.upsert: %w", err)
	}
	return created, nil
}

// RepointMappings implements domain.MappingRepository.
func (r *MappingRepo) RepointMappings(ctx domain.Context, fromAuthorID, toAuthorID int64) error {
	tracer := otel.Tracer("repo.mappings")
	ctx, span := tracer.Start(ctx, "mappings.Repoint")
	defer span.End()
	q := `UPDATE author_mappings SET author_metadata_id=$2 WHERE author_metadata_id=$1`
	if _, err := r.Pool.Exec(ctx, q, fromAuthorID, toAuthorID); err != nil {
		return fmt.Errorf("op=mapping.repoint: %w", err)
	}
	return nil
}

func scanMapping(row pgx.Row, op string) (domain.AuthorMapping, error) {
	var m domain.AuthorMapping
	if err := row.Scan(&m.ID, &m.CalibreAuthorID, &m.LibraryID, &m.AuthorMetadataID,
		&m.ConfidenceScore, &m.MatchedBy, &m.IsVerified, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuthorMapping{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.AuthorMapping{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return m, nil
}
