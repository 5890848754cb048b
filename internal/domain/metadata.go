package domain

import "time"

// MatchMethod records how an author mapping was established.
type MatchMethod string

const (
	MatchIdentifier    MatchMethod = "identifier"
	MatchExact         MatchMethod = "exact"
	MatchExactAlt      MatchMethod = "exact_alternate"
	MatchFuzzy         MatchMethod = "fuzzy"
	MatchDirectKey     MatchMethod = "direct_key"
	MatchUnmatched     MatchMethod = "unmatched"
	MatchManual        MatchMethod = "manual"
	MatchManualRefresh MatchMethod = "manual_refresh"
	MatchNameExact     MatchMethod = "name_exact"
	MatchNameFuzzy     MatchMethod = "name_fuzzy"
)

// Valid reports membership in the persisted enumeration.
func (m MatchMethod) Valid() bool {
	switch m {
	case MatchIdentifier, MatchExact, MatchExactAlt, MatchFuzzy, MatchDirectKey,
		MatchUnmatched, MatchManual, MatchManualRefresh, MatchNameExact, MatchNameFuzzy:
		return true
	}
	return false
}

// Matched reports whether the method denotes an actual match, as opposed to
// the unmatched placeholder bookkeeping.
func (m MatchMethod) Matched() bool { return m.Valid() && m != MatchUnmatched }

// AuthorMetadata is the primary external-author entity. A nil ExternalKey
// denotes an unmatched placeholder: matching was attempted and failed, which
// is distinct from never attempted.
type AuthorMetadata struct {
	ID             int64
	ExternalKey    *string
	Name           string
	Biography      string
	BirthDate      string
	DeathDate      string
	Location       string
	PhotoURL       string
	PersonalName   string
	FullerName     string
	TitlePrefix    string
	TopWork        string
	RatingsAverage *float64
	RatingsCount   int64
	WorkCount      int
	LastSyncedAt   *time.Time
}

// Matched reports whether the row carries a real external identity.
func (a AuthorMetadata) Matched() bool { return a.ExternalKey != nil && *a.ExternalKey != "" }

// AuthorRemoteID is an external identifier owned by an author row.
type AuthorRemoteID struct {
	ID               int64
	AuthorMetadataID int64
	IdentifierType   string
	Value            string
}

// AuthorPhoto is a photo URL owned by an author row.
type AuthorPhoto struct {
	ID               int64
	AuthorMetadataID int64
	URL              string
}

// AuthorAlternateName is an alternate spelling owned by an author row.
type AuthorAlternateName struct {
	ID               int64
	AuthorMetadataID int64
	Name             string
}

// AuthorLink is an external link owned by an author row.
type AuthorLink struct {
	ID               int64
	AuthorMetadataID int64
	Title            string
	URL              string
}

// AuthorWork is a work owned by an author row, with its subjects inlined.
type AuthorWork struct {
	ID               int64
	AuthorMetadataID int64
	WorkKey          string
	Title            string
	Subjects         []string
}

// AuthorChildren bundles every owned child collection of an author row.
type AuthorChildren struct {
	RemoteIDs      []AuthorRemoteID
	Photos         []AuthorPhoto
	AlternateNames []AuthorAlternateName
	Links          []AuthorLink
	Works          []AuthorWork
}

// AuthorBundle is an author row plus its children, the unit the ingest stage
// upserts in one transaction.
type AuthorBundle struct {
	Author   AuthorMetadata
	Children AuthorChildren
}

// AuthorMapping links a Calibre-side author within a library to an
// AuthorMetadata row. Invariant: MatchedBy == unmatched iff the linked
// metadata has a nil external key.
type AuthorMapping struct {
	ID               int64
	CalibreAuthorID  int64
	LibraryID        int64
	AuthorMetadataID int64
	ConfidenceScore  float64
	MatchedBy        MatchMethod
	IsVerified       bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AuthorSimilarity is a directed scored pair, unique on (Author1ID, Author2ID).
type AuthorSimilarity struct {
	ID         int64
	Author1ID  int64
	Author2ID  int64
	Score      float64
	ComputedAt time.Time
}

// MetadataRepository persists author rows and their children.
type MetadataRepository interface {
	GetAuthor(ctx Context, id int64) (AuthorMetadata, error)
	GetAuthorByKey(ctx Context, externalKey string) (AuthorMetadata, error)
	// ListAuthorsForLibrary returns the metadata rows reachable through the
	// library's mappings.
	ListAuthorsForLibrary(ctx Context, libraryID int64) ([]AuthorMetadata, error)
	// UpsertAuthor writes the author and replaces or extends its children in
	// one transaction, keyed by the external key.
	UpsertAuthor(ctx Context, bundle AuthorBundle) (AuthorMetadata, error)
	UpdateAuthor(ctx Context, author AuthorMetadata) error
	// CreatePlaceholder inserts an unmatched placeholder row (nil external key).
	CreatePlaceholder(ctx Context, name string) (AuthorMetadata, error)
	DeleteAuthor(ctx Context, id int64) error
	Children(ctx Context, id int64) (AuthorChildren, error)
	// AddChildren inserts the given children, skipping entries that already
	// exist under their natural key (identifier type, name, url, work key).
	AddChildren(ctx Context, id int64, children AuthorChildren) error
}

// MappingRepository persists library/author mappings.
type MappingRepository interface {
	GetMapping(ctx Context, libraryID, calibreAuthorID int64) (AuthorMapping, error)
	ListMappings(ctx Context, libraryID int64) ([]AuthorMapping, error)
	// UpsertMapping inserts or updates by (library_id, calibre_author_id).
	// The returned bool reports whether a new row was created.
	UpsertMapping(ctx Context, m AuthorMapping) (bool, error)
	// RepointMappings moves mappings from one metadata row to another,
	// collapsing duplicates in favor of the verified mapping.
	RepointMappings(ctx Context, fromAuthorID, toAuthorID int64) error
}

// SimilarityRepository persists directed similarity pairs.
type SimilarityRepository interface {
	UpsertSimilarity(ctx Context, s AuthorSimilarity) error
	ListSimilarities(ctx Context, authorID int64) ([]AuthorSimilarity, error)
	// RepointSimilarities rewrites both sides of stored pairs from one
	// metadata row to another, dropping self-pairs and duplicates.
	RepointSimilarities(ctx Context, fromAuthorID, toAuthorID int64) error
}
