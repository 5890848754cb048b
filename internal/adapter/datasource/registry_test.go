package datasource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundamental/fundamental/internal/domain"
)

type stubSource struct {
	name string
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) SearchAuthor(domain.Context, string, *domain.IdentifierSet) ([]domain.AuthorData, error) {
	return nil, nil
}

func (s *stubSource) GetAuthor(domain.Context, string) (domain.AuthorData, error) {
	return domain.AuthorData{}, domain.ErrNotFound
}

func (s *stubSource) GetAuthorWorks(domain.Context, string, int, string) ([]domain.WorkData, error) {
	return nil, nil
}

func (s *stubSource) SearchBook(domain.Context, string, string, []string) ([]domain.BookData, error) {
	return nil, nil
}

func (s *stubSource) GetBook(domain.Context, string, bool) (domain.BookData, error) {
	return domain.BookData{}, domain.ErrNotFound
}

func TestRegistryResolveCachesInstance(t *testing.T) {
	r := NewRegistry()
	built := 0
	r.Register("stub", func(kwargs map[string]any) (domain.DataSource, error) {
		built++
		return &stubSource{name: "stub"}, nil
	})

	first, err := r.Resolve(domain.DataSourceConfig{Name: "stub"})
	require.NoError(t, err)
	second, err := r.Resolve(domain.DataSourceConfig{Name: "stub"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, built)
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(domain.DataSourceConfig{Name: "nope"})
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestRegistryConstructorError(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(map[string]any) (domain.DataSource, error) {
		return nil, errors.New("missing api key")
	})
	_, err := r.Resolve(domain.DataSourceConfig{Name: "broken"})
	require.Error(t, err)

	// A failed construction is not cached.
	r.Register("broken", func(map[string]any) (domain.DataSource, error) {
		return &stubSource{name: "broken"}, nil
	})
	src, err := r.Resolve(domain.DataSourceConfig{Name: "broken"})
	require.NoError(t, err)
	assert.Equal(t, "broken", src.Name())
}

func TestRegistryReRegisterDropsInstance(t *testing.T) {
	r := NewRegistry()
	r.Register("s", func(map[string]any) (domain.DataSource, error) {
		return &stubSource{name: "v1"}, nil
	})
	src, err := r.Resolve(domain.DataSourceConfig{Name: "s"})
	require.NoError(t, err)
	assert.Equal(t, "v1", src.Name())

	r.Register("s", func(map[string]any) (domain.DataSource, error) {
		return &stubSource{name: "v2"}, nil
	})
	src, err = r.Resolve(domain.DataSourceConfig{Name: "s"})
	require.NoError(t, err)
	assert.Equal(t, "v2", src.Name())
}

func TestMinIntervalLimiterSpacesCalls(t *testing.T) {
	l := newMinIntervalLimiter(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	elapsed := time.Since(start)

	// Three calls need two full intervals between them.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestMinIntervalLimiterZeroInterval(t *testing.T) {
	l := newMinIntervalLimiter(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestMinIntervalLimiterContextCancelled(t *testing.T) {
	l := newMinIntervalLimiter(time.Hour)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}
