package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fundamental/fundamental/internal/domain"
)

// UserRepo resolves the system user for scheduled work.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// SystemUser implements domain.UserStore: the first admin by id, falling back
// to the first user.
func (r *UserRepo) SystemUser(ctx domain.Context) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.System")
	defer span.End()
	q := `SELECT id, is_admin FROM users ORDER BY is_admin DESC, id LIMIT 1`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q).Scan(&u.ID, &u.IsAdmin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.system: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.system: %w", err)
	}
	return u, nil
}

// LibraryRepo persists library handles.
type LibraryRepo struct{ Pool PgxPool }

// NewLibraryRepo constructs a LibraryRepo with the given pool.
func NewLibraryRepo(p PgxPool) *LibraryRepo { return &LibraryRepo{Pool: p} }

const libraryColumns = `id, name, calibre_db_path, COALESCE(db_file,''), uuid, is_active`

// GetLibrary implements domain.LibraryStore.
func (r *LibraryRepo) GetLibrary(ctx domain.Context, id int64) (domain.Library, error) {
	tracer := otel.Tracer("repo.libraries")
	ctx, span := tracer.Start(ctx, "libraries.Get")
	defer span.End()
	q := `SELECT ` + libraryColumns + ` FROM libraries WHERE id=$1`
	return scanLibrary(r.Pool.QueryRow(ctx, q, id), "library.get")
}

// ActiveLibrary implements domain.LibraryStore.
func (r *LibraryRepo) ActiveLibrary(ctx domain.Context) (domain.Library, error) {
	tracer := otel.Tracer("repo.libraries")
	ctx, span := tracer.Start(ctx, "libraries.Active")
	defer span.End()
	q := `SELECT ` + libraryColumns + ` FROM libraries WHERE is_active LIMIT 1`
	return scanLibrary(r.Pool.QueryRow(ctx, q), "library.active")
}

// ListLibraries implements domain.LibraryStore.
func (r *LibraryRepo) ListLibraries(ctx domain.Context) ([]domain.Library, error) {
	tracer := otel.Tracer("repo.libraries")
	ctx, span := tracer.Start(ctx, "libraries.List")
	defer span.End()
	q := `SELECT ` + libraryColumns + ` FROM libraries ORDER BY id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=library.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Library
	for rows.Next() {
		l, err := scanLibrary(rows, "library.list")
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLibrary(row pgx.Row, op string) (domain.Library, error) {
	var l domain.Library
	if err := row.Scan(&l.ID, &l.Name, &l.CalibreDBPath, &l.DBFile, &l.UUID, &l.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Library{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Library{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return l, nil
}
