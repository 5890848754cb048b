package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/adapter/repo/memory"
	"github.com/fundamental/fundamental/internal/domain"
)

// errSource fails SearchAuthor with a fixed error; GetAuthor succeeds.
type errSource struct {
	fakeSource
	err error
}

func (e *errSource) SearchAuthor(_ context.Context, _ string, _ *domain.IdentifierSet) ([]domain.AuthorData, error) {
	return nil, e.err
}

func TestOrchestratorMatchFallsThroughTransientErrors(t *testing.T) {
	ctx := context.Background()
	src := &errSource{err: domain.ErrNetwork}
	o := NewOrchestrator(0, 0)

	res, err := o.Match(ctx, "Stephen King", &domain.IdentifierSet{VIAF: "1"}, src)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestOrchestratorMatchPriorityOrder(t *testing.T) {
	ctx := context.Background()
	// The candidate overlaps on identifier AND matches exactly by name; the
	// identifier strategy must win.
	src := &fakeSource{searchResults: []domain.AuthorData{
		{Key: "OL1A", Name: "Stephen King", Identifiers: domain.IdentifierSet{VIAF: "1"}},
	}}
	o := NewOrchestrator(0, 0)

	res, err := o.Match(ctx, "Stephen King", &domain.IdentifierSet{VIAF: "1"}, src)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, domain.MatchIdentifier, res.Method)
	assert.Equal(t, ConfidenceIdentifier, res.Confidence)
}

func TestOrchestratorConfidenceFloor(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{searchResults: []domain.AuthorData{
		{Key: "OL1A", Name: "Terry Pratchet"},
	}}
	// Floor above anything the fuzzy strategy can produce.
	o := NewOrchestrator(0.95, 0.7)

	res, err := o.Match(ctx, "Terry Pratchett", nil, src)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func newProcessFixtures() (*memory.MappingStore, *memory.MetadataStore) {
	mappings := memory.NewMappingStore()
	metadata := memory.NewMetadataStore()
	metadata.Mappings = mappings
	return mappings, metadata
}

func TestProcessMatchRequestSkipGate(t *testing.T) {
	ctx := context.Background()
	mappings, metadata := newProcessFixtures()

	key := "OL1A"
	row, err := metadata.UpsertAuthor(ctx, domain.AuthorBundle{
		Author: domain.AuthorMetadata{ExternalKey: &key, Name: "Stephen King"},
	})
	require.NoError(t, err)
	_, err = mappings.UpsertMapping(ctx, domain.AuthorMapping{
		CalibreAuthorID: 7, LibraryID: 1, AuthorMetadataID: row.ID,
		MatchedBy: domain.MatchExact, ConfidenceScore: ConfidenceExact,
	})
	require.NoError(t, err)

	src := &fakeSource{}
	o := NewOrchestrator(0, 0)
	res, err := o.ProcessMatchRequest(ctx, Request{
		Author:    domain.CalibreAuthor{ID: 7, Name: "Stephen King"},
		LibraryID: 1,
		Source:    src,
		Mappings:  mappings,
		Metadata:  metadata,
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, src.searchCalls, "skip-gate must not hit the data source")
}

func TestProcessMatchRequestForceBypassesSkipGate(t *testing.T) {
	ctx := context.Background()
	mappings, metadata := newProcessFixtures()

	key := "OL1A"
	row, err := metadata.UpsertAuthor(ctx, domain.AuthorBundle{
		Author: domain.AuthorMetadata{ExternalKey: &key, Name: "Stephen King"},
	})
	require.NoError(t, err)
	_, err = mappings.UpsertMapping(ctx, domain.AuthorMapping{
		CalibreAuthorID: 7, LibraryID: 1, AuthorMetadataID: row.ID,
		MatchedBy: domain.MatchExact,
	})
	require.NoError(t, err)

	src := &fakeSource{searchResults: []domain.AuthorData{{Key: "OL1A", Name: "Stephen King"}}}
	o := NewOrchestrator(0, 0)
	res, err := o.ProcessMatchRequest(ctx, Request{
		Author:    domain.CalibreAuthor{ID: 7, Name: "Stephen King"},
		LibraryID: 1,
		Source:    src,
		Force:     true,
		Mappings:  mappings,
		Metadata:  metadata,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(7), res.CalibreAuthorID)
}

func TestProcessMatchRequestDirectKey(t *testing.T) {
	ctx := context.Background()
	mappings, metadata := newProcessFixtures()

	src := &fakeSource{authors: map[string]domain.AuthorData{
		"OL9A": {Key: "OL9A", Name: "Ursula K. Le Guin"},
	}}
	o := NewOrchestrator(0, 0)
	res, err := o.ProcessMatchRequest(ctx, Request{
		Author:    domain.CalibreAuthor{ID: 3, Name: "Le Guin"},
		LibraryID: 1,
		Source:    src,
		Force:     true,
		Key:       "OL9A",
		Mappings:  mappings,
		Metadata:  metadata,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, ConfidenceDirectKey, res.Confidence)
	assert.Equal(t, domain.MatchDirectKey, res.Method)
	assert.Equal(t, "OL9A", res.Author.Key)
}

func TestProcessMatchRequestStalenessGate(t *testing.T) {
	ctx := context.Background()
	mappings, metadata := newProcessFixtures()

	// An unmatched placeholder attempted yesterday.
	placeholder, err := metadata.CreatePlaceholder(ctx, "Unknown Author")
	require.NoError(t, err)
	_, err = mappings.UpsertMapping(ctx, domain.AuthorMapping{
		CalibreAuthorID: 5, LibraryID: 1, AuthorMetadataID: placeholder.ID,
		MatchedBy: domain.MatchUnmatched,
		UpdatedAt: time.Now().Add(-24 * time.Hour),
	})
	require.NoError(t, err)

	src := &fakeSource{}
	o := NewOrchestrator(0, 0)
	maxAge := 30
	res, err := o.ProcessMatchRequest(ctx, Request{
		Author:          domain.CalibreAuthor{ID: 5, Name: "Unknown Author"},
		LibraryID:       1,
		Source:          src,
		StaleMaxAgeDays: &maxAge,
		Mappings:        mappings,
		Metadata:        metadata,
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Zero(t, src.searchCalls, "recent attempt must not be retried")
}

func TestProcessMatchRequestRecordsUnmatched(t *testing.T) {
	ctx := context.Background()
	mappings, metadata := newProcessFixtures()

	src := &fakeSource{} // no candidates
	o := NewOrchestrator(0, 0)
	res, err := o.ProcessMatchRequest(ctx, Request{
		Author:    domain.CalibreAuthor{ID: 11, Name: "Totally Obscure"},
		LibraryID: 1,
		Source:    src,
		Mappings:  mappings,
		Metadata:  metadata,
	})
	require.NoError(t, err)
	assert.Nil(t, res)

	m, err := mappings.GetMapping(ctx, 1, 11)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchUnmatched, m.MatchedBy)
	assert.Zero(t, m.ConfidenceScore)

	placeholder, err := metadata.GetAuthor(ctx, m.AuthorMetadataID)
	require.NoError(t, err)
	assert.False(t, placeholder.Matched())
	assert.Equal(t, "Totally Obscure", placeholder.Name)
}
