package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"htm/internal/sqlbuilder"
)

func TestNormalize_Nil(t *testing.T) {
	v, err := Normalize(nil, "query", nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNormalize_SingleRangePassesThrough(t *testing.T) {
	r := sqlbuilder.TimeRange{Start: time.Now(), End: time.Now().Add(time.Hour)}
	v, err := Normalize(r, "query", nil)
	require.NoError(t, err)
	assert.Equal(t, r, v)
}

func TestNormalize_TimePromotedToDayRange(t *testing.T) {
	day := time.Date(2026, 1, 15, 14, 30, 0, 0, time.UTC)
	v, err := Normalize(day, "query", nil)
	require.NoError(t, err)
	r, ok := v.(sqlbuilder.TimeRange)
	require.True(t, ok)
	assert.Equal(t, 0, r.Start.Hour())
	assert.Equal(t, 23, r.End.Hour())
}

func TestNormalize_AutoDelegatesToExtractor(t *testing.T) {
	called := false
	extractor := func(q string) (*sqlbuilder.TimeRange, error) {
		called = true
		r := sqlbuilder.TimeRange{Start: time.Now(), End: time.Now()}
		return &r, nil
	}
	v, err := Normalize("auto", "show me last week", extractor)
	require.NoError(t, err)
	assert.True(t, called)
	res, ok := v.(*AutoResult)
	require.True(t, ok)
	assert.NotNil(t, res.Range)
}
