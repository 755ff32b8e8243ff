package ltm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"htm/domain"
	"htm/internal/querycache"
	"htm/internal/sqlbuilder"
	appErrors "htm/pkg/errors"
)

const (
	minLimit           = 1
	maxLimit           = 1000
	fulltextBoost      = 1.0
	trigramMinScore    = 0.1
	rrfK               = 60
)

func clampLimit(limit int) (int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit < minLimit || limit > maxLimit {
		return 0, appErrors.NewValidation(fmt.Sprintf("limit must be between %d and %d", minLimit, maxLimit))
	}
	return limit, nil
}

// Search runs the vector-similarity strategy (spec §4.2.3), cached by
// (method=search, timeframe, query text, limit, metadata).
func (l *LongTermMemory) Search(ctx context.Context, q domain.SearchQuery) ([]domain.SearchResult, error) {
	limit, err := clampLimit(q.Limit)
	if err != nil {
		return nil, err
	}

	v, err := l.cache.Fetch(querycache.MethodSearch, []any{q.Timeframe, q.Text, limit, q.Metadata}, func() (any, error) {
		return l.searchVectorUncached(ctx, q, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.SearchResult), nil
}

func (l *LongTermMemory) searchVectorUncached(ctx context.Context, q domain.SearchQuery, limit int) ([]domain.SearchResult, error) {
	start := time.Now()
	defer func() {
		if l.tel != nil {
			l.tel.RecordSearch("vector", time.Since(start), nil)
		}
	}()

	var embedding []float32
	if len(q.Embedding) > 0 {
		embedding = q.Embedding
	} else if q.Text != "" && l.embeddings != nil {
		vec, err := l.embeddings.Generate(ctx, q.Text)
		if err != nil {
			if appErrors.IsCircuitOpen(err) {
				return nil, err
			}
			// An invalid/broken embedding service short-circuits the vector
			// arm to empty (spec §4.2.5 edge case); a direct vector search
			// call surfaces the error since there is no other arm to fall
			// back to.
			return nil, err
		}
		embedding = vec
	}
	if len(embedding) == 0 {
		return nil, nil
	}

	padded := sqlbuilder.PadEmbedding(embedding, l.maxEmbeddingDim)
	literal, err := sqlbuilder.SanitizeEmbedding(padded)
	if err != nil {
		return nil, err
	}

	where := []string{"n.embedding IS NOT NULL", "n.deleted_at IS NULL"}
	args := []any{literal}
	paramN := 2

	if cond, condArgs := sqlbuilder.TimeframeCondition(q.Timeframe, "n", "created_at", paramN); cond != "" {
		where = append(where, cond)
		args = append(args, condArgs...)
		paramN += len(condArgs)
	}
	if cond, condArgs, err := sqlbuilder.MetadataCondition(q.Metadata, "n", "metadata", paramN); err != nil {
		return nil, err
	} else if cond != "" {
		where = append(where, cond)
		args = append(args, condArgs...)
		paramN += len(condArgs)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT n.id::text, 1 - (n.embedding <=> $1::vector) AS similarity
		FROM nodes n
		WHERE %s
		ORDER BY n.embedding <=> $1::vector
		LIMIT $%d`, whereClause(where), paramN)

	rows, err := l.store.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDatabase(ctx, "vector search", err)
	}
	defer rows.Close()

	var results []domain.SearchResult
	var ids []string
	for rows.Next() {
		var id string
		var similarity float64
		if err := rows.Scan(&id, &similarity); err != nil {
			return nil, wrapDatabase(ctx, "scan vector search row", err)
		}
		results = append(results, domain.SearchResult{Node: domain.Node{ID: id}, Score: similarity})
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDatabase(ctx, "iterate vector search rows", err)
	}

	if err := l.TrackAccess(ctx, ids); err != nil {
		return nil, err
	}
	return results, nil
}

func whereClause(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += " AND " + p
	}
	return out
}

// SearchFulltext runs the tsvector+trigram two-pass union (spec §4.2.4).
func (l *LongTermMemory) SearchFulltext(ctx context.Context, q domain.SearchQuery) ([]domain.SearchResult, error) {
	limit, err := clampLimit(q.Limit)
	if err != nil {
		return nil, err
	}

	v, err := l.cache.Fetch(querycache.MethodFulltext, []any{q.Timeframe, q.Text, limit, q.Metadata}, func() (any, error) {
		return l.searchFulltextUncached(ctx, q, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.SearchResult), nil
}

func (l *LongTermMemory) searchFulltextUncached(ctx context.Context, q domain.SearchQuery, limit int) ([]domain.SearchResult, error) {
	start := time.Now()
	defer func() {
		if l.tel != nil {
			l.tel.RecordSearch("fulltext", time.Since(start), nil)
		}
	}()

	query := `
		SELECT id, MAX(rank) AS rank FROM (
			SELECT n.id::text AS id, $2::float8 + ts_rank(n.content_tsv, plainto_tsquery('english', $1)) AS rank
			FROM nodes n
			WHERE n.deleted_at IS NULL AND n.content_tsv @@ plainto_tsquery('english', $1)
			UNION ALL
			SELECT n.id::text AS id, similarity(n.content, $1) AS rank
			FROM nodes n
			WHERE n.deleted_at IS NULL
				AND NOT (n.content_tsv @@ plainto_tsquery('english', $1))
				AND similarity(n.content, $1) >= $3::float8
		) matches
		GROUP BY id
		ORDER BY rank DESC
		LIMIT $4`

	rows, err := l.store.Query(ctx, query, q.Text, fulltextBoost, trigramMinScore, limit)
	if err != nil {
		return nil, wrapDatabase(ctx, "fulltext search", err)
	}
	defer rows.Close()

	var results []domain.SearchResult
	var ids []string
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, wrapDatabase(ctx, "scan fulltext search row", err)
		}
		results = append(results, domain.SearchResult{Node: domain.Node{ID: id}, Score: rank})
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDatabase(ctx, "iterate fulltext search rows", err)
	}

	if err := l.TrackAccess(ctx, ids); err != nil {
		return nil, err
	}
	return results, nil
}

// tagCandidates returns node ids holding any tag extracted from the query,
// each scored by the tag-depth formula from spec §4.2.5.
func (l *LongTermMemory) tagCandidates(ctx context.Context, query string, limit int) ([]domain.SearchResult, error) {
	if l.tags == nil || query == "" {
		return nil, nil
	}
	extracted, err := l.tags.Extract(ctx, query, nil)
	if err != nil {
		if appErrors.IsCircuitOpen(err) {
			return nil, nil
		}
		return nil, nil
	}
	if len(extracted) == 0 {
		return nil, nil
	}

	candidateIDs := make(map[string]bool)
	for _, tag := range extracted {
		ids, err := l.NodesByTopic(ctx, tag, TopicModePrefix, topicResultHardCap)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			candidateIDs[id] = true
		}
	}
	if len(candidateIDs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(candidateIDs))
	for id := range candidateIDs {
		ids = append(ids, id)
	}
	nodeTags, err := l.BatchLoadNodeTags(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]domain.SearchResult, 0, len(ids))
	for _, id := range ids {
		score := tagDepthScore(extracted, nodeTags[id])
		if score > 0 {
			results = append(results, domain.SearchResult{Node: domain.Node{ID: id}, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// tagDepthScore implements spec §4.2.5's per-node tag-depth score: for
// every query tag of depth D and every prefix P of depth d, the node's
// contribution is d/D if it holds P; take the max over query tags, plus a
// multi-match bonus capped at 0.2, clamped to [0, 1].
func tagDepthScore(queryTags, nodeTags []string) float64 {
	nodeTagSet := make(map[string]bool, len(nodeTags))
	for _, t := range nodeTags {
		nodeTagSet[t] = true
	}

	best := 0.0
	matchCount := 0
	for _, qt := range queryTags {
		prefixes := domain.AncestorPrefixes(qt)
		depth := len(prefixes)
		matched := false
		for d, prefix := range prefixes {
			if nodeTagSet[prefix] {
				ratio := float64(d+1) / float64(depth)
				if ratio > best {
					best = ratio
				}
				matched = true
			}
		}
		if matched {
			matchCount++
		}
	}
	if matchCount == 0 {
		return 0
	}
	bonus := 0.05 * float64(matchCount-1)
	if bonus > 0.2 {
		bonus = 0.2
	}
	score := best + bonus
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// SearchHybrid fuses vector, fulltext, and tag arms via Reciprocal Rank
// Fusion (spec §4.2.5).
func (l *LongTermMemory) SearchHybrid(ctx context.Context, q domain.SearchQuery) ([]domain.SearchResult, error) {
	limit, err := clampLimit(q.Limit)
	if err != nil {
		return nil, err
	}

	v, err := l.cache.Fetch(querycache.MethodHybrid, []any{q.Timeframe, q.Text, limit, q.Metadata}, func() (any, error) {
		return l.searchHybridUncached(ctx, q, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.SearchResult), nil
}

func (l *LongTermMemory) searchHybridUncached(ctx context.Context, q domain.SearchQuery, limit int) ([]domain.SearchResult, error) {
	start := time.Now()
	defer func() {
		if l.tel != nil {
			l.tel.RecordSearch("hybrid", time.Since(start), nil)
		}
	}()

	candidateLimit := limit * 3

	// A broken or circuit-open embedding service short-circuits the vector
	// arm to empty rather than failing the whole hybrid search (spec §4.2.5
	// edge case); the fulltext and tag arms still carry the query.
	vectorResults, verr := l.searchVectorUncached(ctx, withLimit(q, candidateLimit), candidateLimit)
	if verr != nil {
		l.logger.Warn("hybrid search: vector arm unavailable, continuing without it", zap.Error(verr))
		vectorResults = nil
	}

	fulltextResults, err := l.searchFulltextUncached(ctx, withLimit(q, candidateLimit), candidateLimit)
	if err != nil {
		return nil, err
	}

	tagResults, err := l.tagCandidates(ctx, q.Text, candidateLimit)
	if err != nil {
		return nil, err
	}

	rrf := newRRFAccumulator()
	rrf.add(vectorResults)
	rrf.add(fulltextResults)
	rrf.add(tagResults)

	merged := rrf.merged()
	if len(merged) > limit {
		merged = merged[:limit]
	}

	ids := make([]string, len(merged))
	for i, r := range merged {
		ids[i] = r.Node.ID
	}
	if err := l.TrackAccess(ctx, ids); err != nil {
		return nil, err
	}
	return merged, nil
}

func withLimit(q domain.SearchQuery, limit int) domain.SearchQuery {
	q.Limit = limit
	return q
}

// rrfAccumulator implements the merge in spec §4.2.5/§8 invariant 7: every
// node at 1-based rank r in a list contributes 1/(k+r) to its rrf_score.
// Insertion order is preserved for tie-breaking (spec S3).
type rrfAccumulator struct {
	scores map[string]float64
	order  []string
}

func newRRFAccumulator() *rrfAccumulator {
	return &rrfAccumulator{scores: make(map[string]float64)}
}

func (a *rrfAccumulator) add(results []domain.SearchResult) {
	for i, r := range results {
		rank := i + 1
		if _, seen := a.scores[r.Node.ID]; !seen {
			a.order = append(a.order, r.Node.ID)
		}
		a.scores[r.Node.ID] += 1.0 / float64(rrfK+rank)
	}
}

func (a *rrfAccumulator) merged() []domain.SearchResult {
	out := make([]domain.SearchResult, len(a.order))
	for i, id := range a.order {
		out[i] = domain.SearchResult{Node: domain.Node{ID: id}, Score: a.scores[id]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
