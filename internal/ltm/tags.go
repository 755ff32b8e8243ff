package ltm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"htm/domain"
	"htm/internal/sqlbuilder"
	appErrors "htm/pkg/errors"
)

// AddTag is idempotent: it creates the tag and every ancestor-prefix tag
// (spec invariant 3, hierarchical closure), associating all of them with
// the node.
func (l *LongTermMemory) AddTag(ctx context.Context, nodeID, tag string) error {
	if err := domain.ValidateTagName(tag, l.maxTagDepth); err != nil {
		return err
	}

	tx, err := l.store.Pool().Begin(ctx)
	if err != nil {
		return wrapDatabase(ctx, "begin add_tag transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, prefix := range domain.AncestorPrefixes(tag) {
		var tagID string
		err := tx.QueryRow(ctx, `
			INSERT INTO tags (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id::text`, prefix).Scan(&tagID)
		if err != nil {
			return wrapDatabase(ctx, "upsert tag", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO node_tags (node_id, tag_id) VALUES ($1::uuid, $2::uuid)
			ON CONFLICT DO NOTHING`, nodeID, tagID); err != nil {
			return wrapDatabase(ctx, "associate node tag", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapDatabase(ctx, "commit add_tag transaction", err)
	}
	return nil
}

// TopicMode selects how NodesByTopic matches topicPath against tag names.
type TopicMode string

const (
	TopicModeExact  TopicMode = "exact"
	TopicModeFuzzy  TopicMode = "fuzzy"
	TopicModePrefix TopicMode = "prefix"
)

const topicResultHardCap = 1000

// NodesByTopic returns node ids tagged under topicPath, deduplicated and
// ordered by created_at desc (spec §4.2.2).
func (l *LongTermMemory) NodesByTopic(ctx context.Context, topicPath string, mode TopicMode, limit int) ([]string, error) {
	if limit <= 0 || limit > topicResultHardCap {
		limit = topicResultHardCap
	}

	var query string
	var arg any
	switch mode {
	case TopicModeExact:
		query = `SELECT DISTINCT n.id::text, n.created_at FROM nodes n
			JOIN node_tags nt ON nt.node_id = n.id
			JOIN tags t ON t.id = nt.tag_id
			WHERE t.name = $1 AND n.deleted_at IS NULL
			ORDER BY n.created_at DESC LIMIT $2`
		arg = topicPath
	case TopicModeFuzzy:
		query = `SELECT DISTINCT n.id::text, n.created_at FROM nodes n
			JOIN node_tags nt ON nt.node_id = n.id
			JOIN tags t ON t.id = nt.tag_id
			WHERE similarity(t.name, $1) >= 0.3 AND n.deleted_at IS NULL
			ORDER BY n.created_at DESC LIMIT $2`
		arg = topicPath
	default: // prefix
		query = `SELECT DISTINCT n.id::text, n.created_at FROM nodes n
			JOIN node_tags nt ON nt.node_id = n.id
			JOIN tags t ON t.id = nt.tag_id
			WHERE t.name LIKE $1 ESCAPE '\' AND n.deleted_at IS NULL
			ORDER BY n.created_at DESC LIMIT $2`
		arg = sqlbuilder.SanitizeLikePattern(topicPath) + "%"
	}

	rows, err := l.store.Query(ctx, query, arg, limit)
	if err != nil {
		return nil, wrapDatabase(ctx, "nodes_by_topic", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var createdAt time.Time
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, wrapDatabase(ctx, "scan nodes_by_topic row", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BatchLoadNodeTags loads tag names for many nodes in a single query,
// avoiding the N+1 lookup every search path would otherwise need.
func (l *LongTermMemory) BatchLoadNodeTags(ctx context.Context, nodeIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return result, nil
	}

	rows, err := l.store.Query(ctx, `
		SELECT nt.node_id::text, t.name FROM node_tags nt
		JOIN tags t ON t.id = nt.tag_id
		WHERE nt.node_id = ANY($1::uuid[])`, nodeIDs)
	if err != nil {
		return nil, wrapDatabase(ctx, "batch_load_node_tags", err)
	}
	defer rows.Close()

	for rows.Next() {
		var nodeID, tagName string
		if err := rows.Scan(&nodeID, &tagName); err != nil {
			return nil, wrapDatabase(ctx, "scan batch_load_node_tags row", err)
		}
		result[nodeID] = append(result[nodeID], tagName)
	}
	return result, rows.Err()
}

// TagCount is one row of PopularTags.
type TagCount struct {
	Name  string
	Count int
}

// PopularTags returns the most-used tags, optionally scoped to a time
// window (matched against node created_at).
func (l *LongTermMemory) PopularTags(ctx context.Context, limit int, tf any) ([]TagCount, error) {
	cond, args := sqlbuilder.TimeframeCondition(tf, "n", "created_at", 1)
	where := "n.deleted_at IS NULL"
	if cond != "" {
		where += " AND " + cond
	}
	limitParam := len(args) + 1
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT t.name, COUNT(*) AS cnt FROM node_tags nt
		JOIN tags t ON t.id = nt.tag_id
		JOIN nodes n ON n.id = nt.node_id
		WHERE %s
		GROUP BY t.name
		ORDER BY cnt DESC
		LIMIT $%d`, where, limitParam)

	rows, err := l.store.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapDatabase(ctx, "popular_tags", err)
	}
	defer rows.Close()

	var out []TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return nil, wrapDatabase(ctx, "scan popular_tags row", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// TopicRelationship is one co-occurrence edge between two tags.
type TopicRelationship struct {
	TagA        string
	TagB        string
	SharedNodes int
}

// TopicRelationships returns tag-pair co-occurrence edges with at least
// minSharedNodes nodes in common.
func (l *LongTermMemory) TopicRelationships(ctx context.Context, minSharedNodes, limit int) ([]TopicRelationship, error) {
	rows, err := l.store.Query(ctx, `
		SELECT ta.name, tb.name, COUNT(*) AS shared
		FROM node_tags nta
		JOIN node_tags ntb ON nta.node_id = ntb.node_id AND nta.tag_id < ntb.tag_id
		JOIN tags ta ON ta.id = nta.tag_id
		JOIN tags tb ON tb.id = ntb.tag_id
		GROUP BY ta.name, tb.name
		HAVING COUNT(*) >= $1
		ORDER BY shared DESC
		LIMIT $2`, minSharedNodes, limit)
	if err != nil {
		return nil, wrapDatabase(ctx, "topic_relationships", err)
	}
	defer rows.Close()

	var out []TopicRelationship
	for rows.Next() {
		var rel TopicRelationship
		if err := rows.Scan(&rel.TagA, &rel.TagB, &rel.SharedNodes); err != nil {
			return nil, wrapDatabase(ctx, "scan topic_relationships row", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// popularTagsCache is the process-wide TTL cache spec §4.2.2/§5 requires
// to avoid expensive random-sampling queries on every FindQueryMatchingTags
// call. Guarded by its own mutex per §5's "no global lock" discipline.
type popularTagsCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	loadedAt  time.Time
	tagNames  []string
}

func newPopularTagsCache(ttl time.Duration) *popularTagsCache {
	return &popularTagsCache{ttl: ttl}
}

func (c *popularTagsCache) get(ctx context.Context, load func(ctx context.Context) ([]string, error)) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tagNames != nil && time.Since(c.loadedAt) < c.ttl {
		return c.tagNames, nil
	}
	names, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.tagNames = names
	c.loadedAt = time.Now()
	return names, nil
}

// FindQueryMatchingTags proposes tags from query text via the tag
// extractor, then matches them against the existing ontology with a
// priority-ordered union of exact, prefix, component, and trigram-fuzzy
// matches (spec §4.2.2).
func (l *LongTermMemory) FindQueryMatchingTags(ctx context.Context, query string, includeExtracted bool) ([]string, error) {
	existing, err := l.popularTags.get(ctx, l.loadAllTagNames)
	if err != nil {
		return nil, err
	}

	var extracted []string
	if l.tags != nil {
		extracted, err = l.tags.Extract(ctx, query, existing)
		if err != nil && !appErrors.IsCircuitOpen(err) {
			return nil, err
		}
	}

	existingSet := make(map[string]bool, len(existing))
	for _, name := range existing {
		existingSet[name] = true
	}

	matched := make(map[string]int) // name -> best (lowest) priority
	record := func(name string, priority int) {
		if best, ok := matched[name]; !ok || priority < best {
			matched[name] = priority
		}
	}

	for _, tag := range extracted {
		if existingSet[tag] {
			record(tag, 1) // exact
		}
		for _, existingName := range existing {
			if existingName != tag && strings.HasPrefix(tag, existingName+":") {
				record(existingName, 2) // prefix of an extracted tag
			}
		}
		for _, comp := range strings.Split(tag, ":") {
			for _, existingName := range existing {
				if componentMatches(existingName, comp) {
					record(existingName, 3)
				}
			}
		}
	}

	if len(matched) == 0 {
		for _, tag := range extracted {
			for _, existingName := range existing {
				if trigramSimilar(existingName, tag) {
					record(existingName, 4)
				}
			}
		}
	}

	out := make([]string, 0, len(matched))
	for name := range matched {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		if matched[out[i]] != matched[out[j]] {
			return matched[out[i]] < matched[out[j]]
		}
		return out[i] < out[j]
	})

	if includeExtracted {
		for _, tag := range extracted {
			if !matched2Contains(out, tag) {
				out = append(out, tag)
			}
		}
	}
	return out, nil
}

func matched2Contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// componentMatches checks whether comp appears as an exact segment, a
// leading segment, a trailing segment, or a middle segment of name (the
// four `comp`, `comp:%`, `%:comp`, `%:comp:%` shapes from spec §4.2.2).
func componentMatches(name, comp string) bool {
	segments := strings.Split(name, ":")
	for _, s := range segments {
		if s == comp {
			return true
		}
	}
	return false
}

// trigramSimilar approximates Postgres's trigram similarity() for the
// in-process fallback match; the authoritative fuzzy match for
// NodesByTopic(fuzzy) runs server-side via pg_trgm.
func trigramSimilar(a, b string) bool {
	if a == b {
		return true
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func (l *LongTermMemory) loadAllTagNames(ctx context.Context) ([]string, error) {
	rows, err := l.store.Query(ctx, `SELECT name FROM tags`)
	if err != nil {
		return nil, wrapDatabase(ctx, "load tag ontology", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrapDatabase(ctx, "scan tag ontology row", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
