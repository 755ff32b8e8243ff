package ltm

import (
	"context"
	"math"
	"sort"
	"time"

	"htm/domain"
)

// SearchWithRelevance re-ranks vector-search candidates by the composite
// dynamic relevance score (spec §4.2.6): semantic + tag + recency + access,
// weighted and scaled to [0, 10].
func (l *LongTermMemory) SearchWithRelevance(ctx context.Context, q domain.SearchQuery) ([]domain.SearchResult, error) {
	limit, err := clampLimit(q.Limit)
	if err != nil {
		return nil, err
	}

	candidates, err := l.Search(ctx, withLimit(q, limit*3))
	if err != nil {
		return nil, err
	}
	return l.scoreByRelevance(ctx, candidates, q.Tags, limit)
}

// SearchByTags restricts candidates to nodes holding any tag in q.Tags or a
// tag that starts with it, then re-ranks by the same composite relevance
// score.
func (l *LongTermMemory) SearchByTags(ctx context.Context, q domain.SearchQuery) ([]domain.SearchResult, error) {
	limit, err := clampLimit(q.Limit)
	if err != nil {
		return nil, err
	}

	candidateIDs := make(map[string]bool)
	for _, tag := range q.Tags {
		ids, err := l.NodesByTopic(ctx, tag, TopicModePrefix, topicResultHardCap)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			candidateIDs[id] = true
		}
	}

	candidates := make([]domain.SearchResult, 0, len(candidateIDs))
	for id := range candidateIDs {
		candidates = append(candidates, domain.SearchResult{Node: domain.Node{ID: id}, Score: 0.5})
	}

	return l.scoreByRelevance(ctx, candidates, q.Tags, limit)
}

func (l *LongTermMemory) scoreByRelevance(ctx context.Context, candidates []domain.SearchResult, queryTags []string, limit int) ([]domain.SearchResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Node.ID
	}

	nodes, err := l.loadNodesByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	nodeTags, err := l.BatchLoadNodeTags(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := nowUTC()
	scored := make([]domain.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		node, ok := nodes[c.Node.ID]
		if !ok {
			continue
		}
		relevance := l.relevanceScore(node, c.Score, queryTags, nodeTags[c.Node.ID], now)
		node.Tags = nodeTags[c.Node.ID]
		scored = append(scored, domain.SearchResult{Node: node, Score: relevance})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}

	trackIDs := make([]string, len(scored))
	for i, s := range scored {
		trackIDs[i] = s.Node.ID
	}
	if err := l.TrackAccess(ctx, trackIDs); err != nil {
		return nil, err
	}
	return scored, nil
}

// relevanceScore computes spec §4.2.6's composite: each term in [0,1],
// weighted-summed, scaled by 10, clamped to [0, 10].
func (l *LongTermMemory) relevanceScore(node domain.Node, semanticFromRow float64, queryTags, nodeTags []string, now time.Time) float64 {
	semantic := semanticFromRow
	if semantic == 0 {
		semantic = 0.5
	}

	tag := 0.5
	if len(queryTags) > 0 && len(nodeTags) > 0 {
		tag = domain.WeightedHierarchicalJaccard(queryTags, nodeTags)
	}

	recency := 0.0
	if node.LastAccessed != nil || !node.CreatedAt.IsZero() {
		reference := node.CreatedAt
		if node.LastAccessed != nil {
			reference = *node.LastAccessed
		}
		ageHours := now.Sub(reference).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		halfLife := l.relevance.RecencyHalfLifeHours
		if halfLife <= 0 {
			halfLife = 168
		}
		recency = math.Exp(-ageHours / halfLife)
	}

	access := math.Log(1+float64(node.AccessCount)) / 10.0

	relevance := 10 * (l.relevance.SemanticWeight*semantic +
		l.relevance.TagWeight*tag +
		l.relevance.RecencyWeight*recency +
		l.relevance.AccessWeight*access)

	if relevance < 0 {
		relevance = 0
	}
	if relevance > 10 {
		relevance = 10
	}
	return relevance
}

func (l *LongTermMemory) loadNodesByID(ctx context.Context, ids []string) (map[string]domain.Node, error) {
	out := make(map[string]domain.Node, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := l.store.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ANY($1::uuid[]) AND deleted_at IS NULL`, ids)
	if err != nil {
		return nil, wrapDatabase(ctx, "load nodes by id", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanNode(rows)
		if err != nil {
			return nil, wrapDatabase(ctx, "scan node by id row", err)
		}
		n, err := toDomainNode(r)
		if err != nil {
			return nil, err
		}
		out[n.ID] = n
	}
	return out, rows.Err()
}
