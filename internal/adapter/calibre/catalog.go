// Package calibre reads author and book rows out of a Calibre metadata.db.
// Access is strictly read-only; the catalog is owned by Calibre itself.
package calibre

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fundamental/fundamental/internal/domain"
)

// DefaultDBFile is the canonical Calibre database filename.
const DefaultDBFile = "metadata.db"

// Catalog implements domain.CalibreCatalog over a sqlite handle.
type Catalog struct {
	db *sql.DB
}

// Open opens the catalog read-only. dbFile defaults to metadata.db.
func Open(dbPath, dbFile string) (domain.CalibreCatalog, error) {
	if dbFile == "" {
		dbFile = DefaultDBFile
	}
	full := filepath.Join(dbPath, dbFile)
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", url.PathEscape(full))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=calibre.open path=%s: %w", full, err)
	}
	return &Catalog{db: db}, nil
}

// ListAuthors implements domain.CalibreCatalog.
func (c *Catalog) ListAuthors(ctx context.Context) ([]domain.CalibreAuthor, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, name, COALESCE(sort,'') FROM authors ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("op=calibre.list_authors: %w", err)
	}
	defer rows.Close()
	var out []domain.CalibreAuthor
	for rows.Next() {
		var a domain.CalibreAuthor
		if err := rows.Scan(&a.ID, &a.Name, &a.Sort); err != nil {
			return nil, fmt.Errorf("op=calibre.list_authors: %w", err)
		}
		// Calibre stores names with | in place of commas.
		a.Name = strings.ReplaceAll(a.Name, "|", ",")
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListBooks implements domain.CalibreCatalog.
func (c *Catalog) ListBooks(ctx context.Context) ([]domain.CalibreBook, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, title, COALESCE(isbn,'') FROM books ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("op=calibre.list_books: %w", err)
	}
	books := map[int64]*domain.CalibreBook{}
	var order []int64
	for rows.Next() {
		var b domain.CalibreBook
		if err := rows.Scan(&b.ID, &b.Title, &b.ISBN); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=calibre.list_books: %w", err)
		}
		books[b.ID] = &b
		order = append(order, b.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=calibre.list_books: %w", err)
	}

	links, err := c.db.QueryContext(ctx, `SELECT book, author FROM books_authors_link ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("op=calibre.list_books: %w", err)
	}
	defer links.Close()
	for links.Next() {
		var bookID, authorID int64
		if err := links.Scan(&bookID, &authorID); err != nil {
			return nil, fmt.Errorf("op=calibre.list_books: %w", err)
		}
		if b, ok := books[bookID]; ok {
			b.AuthorIDs = append(b.AuthorIDs, authorID)
		}
	}
	if err := links.Err(); err != nil {
		return nil, fmt.Errorf("op=calibre.list_books: %w", err)
	}

	out := make([]domain.CalibreBook, 0, len(order))
	for _, id := range order {
		out = append(out, *books[id])
	}
	return out, nil
}

// AuthorIdentifiers implements domain.CalibreCatalog. Calibre keeps
// identifiers per book; identifiers of an author's books that name author
// authorities (viaf, isni, goodreads author ids, ...) are collected here.
func (c *Catalog) AuthorIdentifiers(ctx context.Context, authorID int64) (domain.IdentifierSet, error) {
	q := `SELECT LOWER(i.type), i.val
	      FROM identifiers i
	      JOIN books_authors_link l ON l.book = i.book
	      WHERE l.author = ?`
	rows, err := c.db.QueryContext(ctx, q, authorID)
	if err != nil {
		return domain.IdentifierSet{}, fmt.Errorf("op=calibre.author_identifiers: %w", err)
	}
	defer rows.Close()
	var ids domain.IdentifierSet
	for rows.Next() {
		var typ, val string
		if err := rows.Scan(&typ, &val); err != nil {
			return domain.IdentifierSet{}, fmt.Errorf("op=calibre.author_identifiers: %w", err)
		}
		setIdentifier(&ids, typ, val)
	}
	return ids, rows.Err()
}

func setIdentifier(ids *domain.IdentifierSet, typ, val string) {
	if val == "" {
		return
	}
	switch typ {
	case "viaf":
		ids.VIAF = val
	case "goodreads_author", "goodreads-author":
		ids.Goodreads = val
	case "wikidata":
		ids.Wikidata = val
	case "isni":
		ids.ISNI = val
	case "librarything_author", "librarything-author":
		ids.LibraryThing = val
	case "amazon_author", "amazon-author":
		ids.Amazon = val
	case "imdb":
		ids.IMDB = val
	case "musicbrainz":
		ids.MusicBrainz = val
	case "lc_naf", "lccn":
		ids.LCNAF = val
	case "opac_sbn":
		ids.OPACSBN = val
	case "storygraph":
		ids.StoryGraph = val
	}
}

// Close implements domain.CalibreCatalog.
func (c *Catalog) Close() error { return c.db.Close() }
