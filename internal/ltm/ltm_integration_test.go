//go:build integration

package ltm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"htm/domain"
	"htm/internal/breaker"
	"htm/internal/config"
	"htm/internal/extractors"
	"htm/internal/jobs"
	"htm/internal/querycache"
	"htm/internal/store"
	appErrors "htm/pkg/errors"
	"htm/pkg/observability"
)

func setupPostgresContainer(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "htm",
			"POSTGRES_PASSWORD": "htm",
			"POSTGRES_DB":       "htm_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://htm:htm@%s:%s/htm_test?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return url, cleanup
}

func testTelemetry(t *testing.T) *observability.Telemetry {
	t.Helper()
	observability.ResetForTesting()
	tel, err := observability.New(observability.Options{Namespace: "htm_test_ltm", Enabled: false})
	require.NoError(t, err)
	return tel
}

func cbConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 60 * time.Second, HalfOpenMaxCalls: 3}
}

// newTestLTM wires a LongTermMemory against a live, freshly bootstrapped
// database, with a fixed-vector fake embedding service and a fixed-tags
// fake tag service so search/tag tests are deterministic.
func newTestLTM(t *testing.T, url string, embed extractors.Embedder, extractTags extractors.TagExtractorFunc) (*LongTermMemory, *store.Store) {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, config.Database{URL: url, PoolSize: 5, Timeout: 30 * time.Second})
	require.NoError(t, err)
	require.NoError(t, s.Bootstrap(ctx))

	tel := testTelemetry(t)
	cache, err := querycache.New(1000, time.Minute, tel, "test")
	require.NoError(t, err)

	var embSvc *extractors.EmbeddingService
	if embed != nil {
		embSvc, err = extractors.NewEmbeddingService(embed, breaker.New[[]float32]("embedding", cbConfig(), tel), 100, nil, nil)
		require.NoError(t, err)
	}

	var tagSvc *extractors.TagService
	if extractTags != nil {
		tagSvc = extractors.NewTagService(extractTags, breaker.New[[]string]("tags", cbConfig(), tel), 5)
	}

	l := New(Options{
		Store:           s,
		Cache:           cache,
		Embeddings:      embSvc,
		Tags:            tagSvc,
		MaxEmbeddingDim: 8,
		MaxTagDepth:     5,
		Relevance: config.Relevance{
			SemanticWeight: 0.4, TagWeight: 0.3, RecencyWeight: 0.2, AccessWeight: 0.1,
			RecencyHalfLifeHours: 168,
		},
		WeekStart: config.WeekStartMonday,
		Telemetry: tel,
	})
	return l, s
}

func TestAdd_DeduplicatesByContentHashAndRestoresSoftDeleted(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, nil, nil)
	defer s.Close()

	res1, err := l.Add(ctx, "hello world", 2, "robot-1", nil, nil)
	require.NoError(t, err)
	assert.True(t, res1.IsNew)
	assert.Equal(t, 1, res1.RobotNode.RememberCount)

	res2, err := l.Add(ctx, "hello world", 2, "robot-1", nil, nil)
	require.NoError(t, err)
	assert.False(t, res2.IsNew)
	assert.Equal(t, res1.NodeID, res2.NodeID)
	assert.Equal(t, 2, res2.RobotNode.RememberCount)

	require.NoError(t, l.Delete(ctx, res1.NodeID, false))
	exists, err := l.Exists(ctx, res1.NodeID)
	require.NoError(t, err)
	assert.False(t, exists)

	res3, err := l.Add(ctx, "hello world", 2, "robot-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, res1.NodeID, res3.NodeID, "soft-deleted node restored on re-add")

	exists, err = l.Exists(ctx, res1.NodeID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAddTag_CreatesHierarchicalClosure(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, nil, nil)
	defer s.Close()

	res, err := l.Add(ctx, "deep learning notes", 3, "robot-1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.AddTag(ctx, res.NodeID, "tech:ai:ml"))

	tags, err := l.BatchLoadNodeTags(ctx, []string{res.NodeID})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tech", "tech:ai", "tech:ai:ml"}, tags[res.NodeID])
}

func TestNodesByTopic_PrefixAndExactModes(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, nil, nil)
	defer s.Close()

	a, err := l.Add(ctx, "node a", 1, "robot-1", nil, nil)
	require.NoError(t, err)
	b, err := l.Add(ctx, "node b", 1, "robot-1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.AddTag(ctx, a.NodeID, "tech:ai"))
	require.NoError(t, l.AddTag(ctx, b.NodeID, "tech:web"))

	prefixed, err := l.NodesByTopic(ctx, "tech", TopicModePrefix, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.NodeID, b.NodeID}, prefixed)

	exact, err := l.NodesByTopic(ctx, "tech:ai", TopicModeExact, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{a.NodeID}, exact)
}

func fixedEmbedder(vec []float32) extractors.Embedder {
	return func(ctx context.Context, text string) ([]float32, error) {
		return vec, nil
	}
}

func TestSearch_VectorSimilarityOrdersByCosineDistance(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, fixedEmbedder([]float32{1, 0, 0, 0}), nil)
	defer s.Close()

	near, err := l.Add(ctx, "near", 1, "robot-1", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)
	far, err := l.Add(ctx, "far", 1, "robot-1", []float32{0, 1, 0, 0}, nil)
	require.NoError(t, err)

	results, err := l.Search(ctx, domain.SearchQuery{Text: "query", Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near.NodeID, results[0].Node.ID)
	assert.Equal(t, far.NodeID, results[1].Node.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchFulltext_RanksPlainMatchAboveNoMatch(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, nil, nil)
	defer s.Close()

	match, err := l.Add(ctx, "the quick brown fox jumps", 5, "robot-1", nil, nil)
	require.NoError(t, err)
	_, err = l.Add(ctx, "completely unrelated sentence", 4, "robot-1", nil, nil)
	require.NoError(t, err)

	results, err := l.SearchFulltext(ctx, domain.SearchQuery{Text: "quick fox", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, match.NodeID, results[0].Node.ID)
}

func TestSearchHybrid_MergesArmsByReciprocalRankFusion(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	extractTags := func(ctx context.Context, text string, existing []string) ([]string, error) {
		return []string{"tech:ai"}, nil
	}
	l, s := newTestLTM(t, url, fixedEmbedder([]float32{1, 0, 0, 0}), extractTags)
	defer s.Close()

	topNode, err := l.Add(ctx, "artificial intelligence research", 4, "robot-1", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)
	require.NoError(t, l.AddTag(ctx, topNode.NodeID, "tech:ai"))

	other, err := l.Add(ctx, "gardening tips", 2, "robot-1", []float32{0, 1, 0, 0}, nil)
	require.NoError(t, err)
	_ = other

	results, err := l.SearchHybrid(ctx, domain.SearchQuery{Text: "artificial intelligence research", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, topNode.NodeID, results[0].Node.ID)
}

func TestSearchHybrid_VectorArmFailureDoesNotFailWholeSearch(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	brokenEmbedder := func(ctx context.Context, text string) ([]float32, error) {
		return nil, appErrors.NewEmbeddingFailed("simulated outage", nil)
	}
	l, s := newTestLTM(t, url, brokenEmbedder, nil)
	defer s.Close()

	match, err := l.Add(ctx, "the quick brown fox jumps", 5, "robot-1", nil, nil)
	require.NoError(t, err)

	results, err := l.SearchHybrid(ctx, domain.SearchQuery{Text: "quick fox", Limit: 10})
	require.NoError(t, err, "vector arm failure must not fail the whole hybrid search")
	require.NotEmpty(t, results)
	assert.Equal(t, match.NodeID, results[0].Node.ID)
}

func TestSearchWithRelevance_WeightsSemanticTagRecencyAccess(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, fixedEmbedder([]float32{1, 0, 0, 0}), nil)
	defer s.Close()

	fresh, err := l.Add(ctx, "fresh node", 2, "robot-1", []float32{1, 0, 0, 0}, nil)
	require.NoError(t, err)
	require.NoError(t, l.AddTag(ctx, fresh.NodeID, "tech:ai"))

	results, err := l.SearchWithRelevance(ctx, domain.SearchQuery{Text: "query", Tags: []string{"tech:ai"}, Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.GreaterOrEqual(t, results[0].Score, 0.0)
	assert.LessOrEqual(t, results[0].Score, 10.0)
}

func TestMarkEvicted_ClearsWorkingMemoryFlag(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, nil, nil)
	defer s.Close()

	res, err := l.Add(ctx, "node", 1, "robot-1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, l.MarkEvicted(ctx, "robot-1", []string{res.NodeID}))

	var wm bool
	err = s.QueryRow(ctx, `SELECT working_memory FROM robot_nodes WHERE robot_id = $1 AND node_id = $2::uuid`, "robot-1", res.NodeID).Scan(&wm)
	require.NoError(t, err)
	assert.False(t, wm)
}

func TestGetStatsAndNodesByRobot(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, nil, nil)
	defer s.Close()

	_, err := l.Add(ctx, "node one", 1, "robot-1", nil, nil)
	require.NoError(t, err)
	_, err = l.Add(ctx, "node two", 1, "robot-1", nil, nil)
	require.NoError(t, err)

	stats, err := l.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalNodes)
	assert.Equal(t, 1, stats.TotalRobots)

	nodes, err := l.NodesByRobot(ctx, "robot-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestAdd_EnqueuesExtractionJobsThatWriteBackEmbeddingAndTags(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	fixedEmbedding := []float32{0.1, 0.2, 0.3, 0.4}
	embed := func(ctx context.Context, text string) ([]float32, error) { return fixedEmbedding, nil }
	extractTags := func(ctx context.Context, text string, existing []string) ([]string, error) {
		return []string{"work:projects"}, nil
	}

	l, s := newTestLTM(t, url, embed, extractTags)
	defer s.Close()

	d := jobs.New(config.BackendInline, nil)
	l.dispatcher = d
	l.RegisterJobs(d)

	res, err := l.Add(ctx, "node needing extraction", 3, "robot-1", nil, nil)
	require.NoError(t, err)
	require.True(t, res.IsNew)

	node, err := l.GetNode(ctx, res.NodeID)
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4, 0, 0, 0, 0}, node.Embedding, "generate_embedding job must write the (padded) vector back")

	tags, err := l.BatchLoadNodeTags(ctx, []string{res.NodeID})
	require.NoError(t, err)
	assert.Contains(t, tags[res.NodeID], "work:projects", "extract_tags job must attach the extracted tag")
}

func TestAdd_ExtractionJobsAreNoOpWhenNoDispatcherConfigured(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, nil, nil)
	defer s.Close()

	res, err := l.Add(ctx, "node without a dispatcher", 3, "robot-1", nil, nil)
	require.NoError(t, err, "Add must succeed synchronously even though no embedding/tags get attached")
	assert.True(t, res.IsNew)
}

func TestSetEmbeddingAndSetPropositions_WriteBack(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, nil, nil)
	defer s.Close()

	res, err := l.Add(ctx, "plain node", 2, "robot-1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.SetEmbedding(ctx, res.NodeID, []float32{0.5, 0.6}))
	node, err := l.GetNode(ctx, res.NodeID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6, 0, 0, 0, 0, 0, 0}, node.Embedding)

	require.NoError(t, l.SetPropositions(ctx, res.NodeID, []string{"the sky is blue"}))
	node, err = l.GetNode(ctx, res.NodeID)
	require.NoError(t, err)
	assert.Equal(t, []any{"the sky is blue"}, node.Metadata["propositions"])
}

func TestUpdateLastAccessed_TouchesTimestampWithoutIncrementingAccessCount(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()
	ctx := context.Background()

	l, s := newTestLTM(t, url, nil, nil)
	defer s.Close()

	res, err := l.Add(ctx, "accessed node", 1, "robot-1", nil, nil)
	require.NoError(t, err)

	before, err := l.GetNode(ctx, res.NodeID)
	require.NoError(t, err)

	require.NoError(t, l.UpdateLastAccessed(ctx, res.NodeID))

	after, err := l.GetNode(ctx, res.NodeID)
	require.NoError(t, err)
	assert.Equal(t, before.AccessCount, after.AccessCount)
	assert.NotNil(t, after.LastAccessed)
}
