package workingmemory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_DoesNotEvictAndUpdatesTokenTotal(t *testing.T) {
	wm := New("robot-1", 100, nil)
	wm.Add("a", "content a", 10, 0, nil, false)
	wm.Add("b", "content b", 20, 0, nil, false)

	assert.Equal(t, 30, wm.CurrentTokens())
	assert.Equal(t, 2, wm.Size())
}

func TestHasSpace_RespectsMaxTokens(t *testing.T) {
	wm := New("robot-1", 50, nil)
	wm.Add("a", "content a", 40, 0, nil, false)

	assert.True(t, wm.HasSpace(10))
	assert.False(t, wm.HasSpace(11))
}

func TestRemove_IsIdempotent(t *testing.T) {
	wm := New("robot-1", 100, nil)
	wm.Add("a", "content a", 10, 0, nil, false)
	wm.Remove("a")
	wm.Remove("a")
	assert.Equal(t, 0, wm.Size())
}

func TestEvictToMakeSpace_SelectsLowestScoreFirst(t *testing.T) {
	wm := New("robot-1", 1000, nil)

	old := time.Now().Add(-48 * time.Hour)
	// Zero access count -> lowest score, evicted first (the score's age term
	// counts from when the record was added, not from last_accessed).
	wm.Add("stale", "stale content", 10, 0, &old, false)
	// High access count -> high score, should survive.
	wm.Add("hot", "hot content", 10, 100, nil, false)

	evicted := wm.EvictToMakeSpace(5)
	require.Len(t, evicted, 1)
	assert.Equal(t, "stale", evicted[0].Key)
	assert.Equal(t, 1, wm.Size())
}

func TestEvictToMakeSpace_StopsOnceEnoughFreed(t *testing.T) {
	wm := New("robot-1", 1000, nil)
	wm.Add("a", "a", 10, 0, nil, false)
	wm.Add("b", "b", 10, 0, nil, false)
	wm.Add("c", "c", 10, 0, nil, false)

	evicted := wm.EvictToMakeSpace(15)
	assert.Equal(t, 2, len(evicted))
	assert.Equal(t, 1, wm.Size())
}

func TestAssembleContext_RecentOrdersByLastAccessedDescending(t *testing.T) {
	wm := New("robot-1", 1000, nil)
	older := time.Now().Add(-2 * time.Hour)
	newer := time.Now()
	wm.Add("old", "old content", 5, 0, &older, false)
	wm.Add("new", "new content", 5, 0, &newer, false)

	out, err := wm.AssembleContext(StrategyRecent, 100)
	require.NoError(t, err)
	assert.Equal(t, "new content\n\nold content", out)
}

func TestAssembleContext_FrequentOrdersByAccessCountDescending(t *testing.T) {
	wm := New("robot-1", 1000, nil)
	wm.Add("rare", "rare content", 5, 1, nil, false)
	wm.Add("popular", "popular content", 5, 50, nil, false)

	out, err := wm.AssembleContext(StrategyFrequent, 100)
	require.NoError(t, err)
	assert.Equal(t, "popular content\n\nrare content", out)
}

func TestAssembleContext_SkipsItemsThatWouldExceedBudget(t *testing.T) {
	wm := New("robot-1", 1000, nil)
	wm.Add("big", "big content", 90, 100, nil, false)
	wm.Add("small", "small content", 5, 1, nil, false)

	out, err := wm.AssembleContext(StrategyFrequent, 50)
	require.NoError(t, err)
	assert.Equal(t, "small content", out, "big item over budget must be skipped, not abort the whole assembly")
}

func TestAssembleContext_UnknownStrategyErrors(t *testing.T) {
	wm := New("robot-1", 1000, nil)
	_, err := wm.AssembleContext(Strategy("bogus"), 100)
	assert.Error(t, err)
}

func TestAssembleContext_MaxTokensOptionalFallsBackToInstanceBudget(t *testing.T) {
	wm := New("robot-1", 10, nil)
	wm.Add("big", "big content", 90, 0, nil, false)
	wm.Add("small", "small content", 5, 0, nil, false)

	out, err := wm.AssembleContext(StrategyFrequent)
	require.NoError(t, err)
	assert.Equal(t, "small content", out, "with no maxTokens given, the instance's own budget (10) must be used")
}

func TestAddFromSyncAndRemoveFromSync(t *testing.T) {
	wm := New("robot-1", 1000, nil)
	wm.AddFromSync("a", "synced content", 5, 0, nil)
	assert.Equal(t, 1, wm.Size())

	wm.RemoveFromSync("a")
	assert.Equal(t, 0, wm.Size())
}

func TestClearFromSync_EmptiesRecords(t *testing.T) {
	wm := New("robot-1", 1000, nil)
	wm.Add("a", "a", 5, 0, nil, false)
	wm.Add("b", "b", 5, 0, nil, false)

	wm.ClearFromSync()
	assert.Equal(t, 0, wm.Size())
	assert.Equal(t, 0, wm.CurrentTokens())
}
