package domain

// CalibreAuthor is an author row from a Calibre catalog.
type CalibreAuthor struct {
	ID   int64
	Name string
	Sort string
}

// CalibreBook is a book row from a Calibre catalog.
type CalibreBook struct {
	ID        int64
	Title     string
	AuthorIDs []int64
	ISBN      string
}

// CalibreCatalog is read-only access to one Calibre library database.
type CalibreCatalog interface {
	ListAuthors(ctx Context) ([]CalibreAuthor, error)
	ListBooks(ctx Context) ([]CalibreBook, error)
	// AuthorIdentifiers returns external identifiers recorded for an author,
	// when the catalog carries any.
	AuthorIdentifiers(ctx Context, authorID int64) (IdentifierSet, error)
	Close() error
}

// CatalogOpener opens the catalog for a library handle. Workers receive the
// path in the scan message and open a fresh catalog per job.
type CatalogOpener func(dbPath, dbFile string) (CalibreCatalog, error)
