package domain

// IdentifierSet carries the external identifiers a provider may know for an
// author. Empty strings mean absent.
type IdentifierSet struct {
	VIAF         string `json:"viaf,omitempty"`
	Goodreads    string `json:"goodreads,omitempty"`
	Wikidata     string `json:"wikidata,omitempty"`
	ISNI         string `json:"isni,omitempty"`
	LibraryThing string `json:"librarything,omitempty"`
	Amazon       string `json:"amazon,omitempty"`
	IMDB         string `json:"imdb,omitempty"`
	MusicBrainz  string `json:"musicbrainz,omitempty"`
	LCNAF        string `json:"lc_naf,omitempty"`
	OPACSBN      string `json:"opac_sbn,omitempty"`
	StoryGraph   string `json:"storygraph,omitempty"`
}

// Empty reports whether no identifier is set.
func (s IdentifierSet) Empty() bool { return s == IdentifierSet{} }

// Overlaps reports whether any identifier present in both sets is equal.
func (s IdentifierSet) Overlaps(o IdentifierSet) bool {
	pairs := [][2]string{
		{s.VIAF, o.VIAF}, {s.Goodreads, o.Goodreads}, {s.Wikidata, o.Wikidata},
		{s.ISNI, o.ISNI}, {s.LibraryThing, o.LibraryThing}, {s.Amazon, o.Amazon},
		{s.IMDB, o.IMDB}, {s.MusicBrainz, o.MusicBrainz}, {s.LCNAF, o.LCNAF},
		{s.OPACSBN, o.OPACSBN}, {s.StoryGraph, o.StoryGraph},
	}
	for _, p := range pairs {
		if p[0] != "" && p[0] == p[1] {
			return true
		}
	}
	return false
}

// AuthorData is a provider-side author record.
type AuthorData struct {
	Key            string        `json:"key"`
	Name           string        `json:"name"`
	AlternateNames []string      `json:"alternate_names,omitempty"`
	Identifiers    IdentifierSet `json:"identifiers,omitempty"`
	Biography      string        `json:"biography,omitempty"`
	BirthDate      string        `json:"birth_date,omitempty"`
	DeathDate      string        `json:"death_date,omitempty"`
	Location       string        `json:"location,omitempty"`
	PhotoURL       string        `json:"photo_url,omitempty"`
	PersonalName   string        `json:"personal_name,omitempty"`
	FullerName     string        `json:"fuller_name,omitempty"`
	TitlePrefix    string        `json:"title_prefix,omitempty"`
	TopWork        string        `json:"top_work,omitempty"`
	RatingsAverage *float64      `json:"ratings_average,omitempty"`
	RatingsCount   int64         `json:"ratings_count,omitempty"`
	WorkCount      int           `json:"work_count,omitempty"`
	Photos         []string      `json:"photos,omitempty"`
	Links          []LinkData    `json:"links,omitempty"`
}

// LinkData is a provider-side external link.
type LinkData struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// WorkData is a provider-side work record.
type WorkData struct {
	Key      string   `json:"key"`
	Title    string   `json:"title"`
	Subjects []string `json:"subjects,omitempty"`
}

// BookData is a provider-side book record.
type BookData struct {
	Key     string   `json:"key"`
	Title   string   `json:"title"`
	Authors []string `json:"authors,omitempty"`
	ISBN    string   `json:"isbn,omitempty"`
}

// DataSource is the single interface behind which all external author/book
// lookup providers live. Implementations map transport failures onto the
// domain sentinels: ErrNetwork, ErrRateLimited, ErrNotFound.
type DataSource interface {
	Name() string
	SearchAuthor(ctx Context, name string, ids *IdentifierSet) ([]AuthorData, error)
	GetAuthor(ctx Context, key string) (AuthorData, error)
	GetAuthorWorks(ctx Context, key string, limit int, lang string) ([]WorkData, error)
	SearchBook(ctx Context, title, isbn string, authors []string) ([]BookData, error)
	GetBook(ctx Context, key string, skipAuthors bool) (BookData, error)
}

// DataSourceConfig selects a registered source by name, with backend-specific
// construction arguments. Wiring is configuration-driven: consumers resolve
// by name through the registry, never by concrete type.
type DataSourceConfig struct {
	Name   string         `json:"name" validate:"required"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// MatchResult is the outcome of matching one Calibre author against a data
// source.
type MatchResult struct {
	Author          AuthorData  `json:"author"`
	Confidence      float64     `json:"confidence"`
	Method          MatchMethod `json:"method"`
	CalibreAuthorID int64       `json:"calibre_author_id,omitempty"`
}
