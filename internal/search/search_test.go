package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded() *MemorySearcher {
	return NewMemorySearcher(
		Result{ID: "1", Hungarian: "adó", English: "tax", Field: "finance"},
		Result{ID: "2", Hungarian: "adóalap", English: "tax base", Field: "finance"},
		Result{ID: "3", Hungarian: "bíróság", English: "court", Field: "law"},
		Result{ID: "4", Hungarian: "adatvédelem", English: "data protection", Field: "law"},
	)
}

func TestMemorySearcher_MatchesBothLanguages(t *testing.T) {
	s := seeded()

	got, err := s.Search(context.Background(), "TAX", Options{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)

	got, err = s.Search(context.Background(), "bíró", Options{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "court", got[0].English)
}

func TestMemorySearcher_FieldAndPaging(t *testing.T) {
	s := seeded()

	got, err := s.Search(context.Background(), "ad", Options{Field: "law"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "4", got[0].ID)

	got, err = s.Search(context.Background(), "ad", Options{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID, "sorted by hungarian: adatvédelem, adó, adóalap")

	got, err = s.Search(context.Background(), "ad", Options{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemorySearcher_EmptyQuery(t *testing.T) {
	_, err := seeded().Search(context.Background(), "  ", Options{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestMemorySearcher_AddReplaces(t *testing.T) {
	s := seeded()
	s.Add(Result{ID: "3", Hungarian: "bíróság", English: "tribunal", Field: "law"})

	got, err := s.Search(context.Background(), "tribunal", Options{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.Search(context.Background(), "court", Options{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOptionsNormalized(t *testing.T) {
	assert.Equal(t, defaultLimit, Options{}.normalized().Limit)
	assert.Equal(t, maxLimit, Options{Limit: 1000}.normalized().Limit)
	assert.Equal(t, 0, Options{Offset: -5}.normalized().Offset)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%\_a\\b`, escapeLike(`100%_a\b`))
}
