package querycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_MissThenHit(t *testing.T) {
	c, err := New(10, time.Minute, nil, "test")
	require.NoError(t, err)

	calls := 0
	compute := func() (any, error) {
		calls++
		return 42, nil
	}

	v, err := c.Fetch(MethodSearch, []any{"q", 10}, compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = c.Fetch(MethodSearch, []any{"q", 10}, compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)

	stats := c.StatsSnapshot()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestInvalidateMethods_PreservesOtherMethods(t *testing.T) {
	c, err := New(10, time.Minute, nil, "test")
	require.NoError(t, err)

	_, _ = c.Fetch(MethodSearch, []any{"a"}, func() (any, error) { return 1, nil })
	_, _ = c.Fetch(MethodHybrid, []any{"a"}, func() (any, error) { return 2, nil })

	tagCalls := 0
	tagCompute := func() (any, error) { tagCalls++; return 3, nil }
	_, _ = c.Fetch(Method("tag"), []any{"a"}, tagCompute)

	c.InvalidateMethods(MethodSearch, MethodFulltext, MethodHybrid)

	searchCalls := 0
	_, _ = c.Fetch(MethodSearch, []any{"a"}, func() (any, error) { searchCalls++; return 1, nil })
	assert.Equal(t, 1, searchCalls, "search entry should have been invalidated")

	_, _ = c.Fetch(Method("tag"), []any{"a"}, tagCompute)
	assert.Equal(t, 1, tagCalls, "tag entry must survive invalidation of search/fulltext/hybrid")
}

func TestFetch_ExpiredEntryIsTreatedAsMiss(t *testing.T) {
	c, err := New(10, time.Millisecond, nil, "test")
	require.NoError(t, err)

	calls := 0
	compute := func() (any, error) { calls++; return calls, nil }

	_, _ = c.Fetch(MethodSearch, []any{"a"}, compute)
	time.Sleep(5 * time.Millisecond)
	_, _ = c.Fetch(MethodSearch, []any{"a"}, compute)

	assert.Equal(t, 2, calls)
}
