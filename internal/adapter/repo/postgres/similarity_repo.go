package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fundamental/fundamental/internal/domain"
)

// SimilarityRepo persists directed author similarity pairs.
type SimilarityRepo struct{ Pool PgxPool }

// NewSimilarityRepo constructs a SimilarityRepo with the given pool.
func NewSimilarityRepo(p PgxPool) *SimilarityRepo { return &SimilarityRepo{Pool: p} }

// UpsertSimilarity implements domain.SimilarityRepository, keyed by
// (author1_id, author2_id).
func (r *SimilarityRepo) UpsertSimilarity(ctx domain.Context, s domain.AuthorSimilarity) error {
	tracer := otel.Tracer("repo.similarities")
	ctx, span := tracer.Start(ctx, "similarities.Upsert")
	defer span.End()
	q := `INSERT INTO author_similarities (author1_id, author2_id, score, computed_at)
	      VALUES ($1,$2,$3,$4)
	      ON CONFLICT (author1_id, author2_id) DO UPDATE SET score=$3, computed_at=$4`
	if _, err := r.Pool.Exec(ctx, q, s.Author1ID, s.Author2ID, s.Score, s.ComputedAt); err != nil {
		return fmt.Errorf("op=similarity.upsert: %w", err)
	}
	return nil
}

// ListSimilarities implements domain.SimilarityRepository: every stored pair
// the author participates in.
func (r *SimilarityRepo) ListSimilarities(ctx domain.Context, authorID int64) ([]domain.AuthorSimilarity, error) {
	tracer := otel.Tracer("repo.similarities")
	ctx, span := tracer.Start(ctx, "similarities.List")
	defer span.End()
	q := `SELECT id, author1_id, author2_id, score, computed_at
	      FROM author_similarities
	      WHERE author1_id=$1 OR author2_id=$1
	      ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, authorID)
	if err != nil {
		return nil, fmt.Errorf("op=similarity.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AuthorSimilarity
	for rows.Next() {
		var s domain.AuthorSimilarity
		if err := rows.Scan(&s.ID, &s.Author1ID, &s.Author2ID, &s.Score, &s.ComputedAt); err != nil {
			return nil, fmt.Errorf("op=similarity.list: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RepointSimilarities implements domain.SimilarityRepository. Pairs that
// would become self-pairs or collide with an existing pair are dropped.
func (r *SimilarityRepo) RepointSimilarities(ctx domain.Context, fromAuthorID, toAuthorID int64) error {
	tracer := otel.Tracer("repo.similarities")
	ctx, span := tracer.Start(ctx, "similarities.Repoint")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=similarity.repoint: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Drop would-be self-pairs, rewrite rows whose destination slot is free,
	// then drop the leftovers that would have collided.
	steps := []string{
		`DELETE FROM author_similarities
		  WHERE (author1_id=$1 AND author2_id=$2) OR (author1_id=$2 AND author2_id=$1)`,
		`UPDATE author_similarities s SET author1_id=$2
		  WHERE s.author1_id=$1 AND NOT EXISTS (
		    SELECT 1 FROM author_similarities o
		    WHERE (o.author1_id=$2 AND o.author2_id=s.author2_id)
		       OR (o.author1_id=s.author2_id AND o.author2_id=$2))`,
		`UPDATE author_similarities s SET author2_id=$2
		  WHERE s.author2_id=$1 AND NOT EXISTS (
		    SELECT 1 FROM author_similarities o
		    WHERE (o.author1_id=s.author1_id AND o.author2_id=$2)
		       OR (o.author1_id=$2 AND o.author2_id=s.author1_id))`,
		`DELETE FROM author_similarities WHERE author1_id=$1 OR author2_id=$1`,
	}
	for _, q := range steps {
		if _, err := tx.Exec(ctx, q, fromAuthorID, toAuthorID); err != nil {
			return fmt.Errorf("op=similarity.repoint: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=similarity.repoint: %w", err)
	}
	return nil
}
