package ltm

import (
	"context"

	"htm/domain"
)

// Stats is the supplemented aggregate-counts operation (not named in the
// original spec component list, but useful for admin/health endpoints and
// grounded on the teacher's get_graph_stats query pattern).
type Stats struct {
	TotalNodes         int
	NodesWithEmbedding int
	TotalTags          int
	TotalRobots        int
}

// GetStats returns aggregate counts over the live (non-deleted) node set.
func (l *LongTermMemory) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.store.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL),
			(SELECT COUNT(*) FROM nodes WHERE deleted_at IS NULL AND embedding IS NOT NULL),
			(SELECT COUNT(*) FROM tags),
			(SELECT COUNT(*) FROM robots)
	`).Scan(&s.TotalNodes, &s.NodesWithEmbedding, &s.TotalTags, &s.TotalRobots)
	if err != nil {
		return Stats{}, wrapDatabase(ctx, "get_stats", err)
	}
	return s, nil
}

const nodeColumnsAliased = `n.id::text, n.content, n.content_hash, n.token_count, n.embedding::text, n.embedding_dim,
	n.metadata, n.access_count, n.last_accessed, n.created_at, n.updated_at, n.deleted_at`

// NodesByRobot is the supplemented paginated listing operation (spec's
// component-design section groups list-style queries under LongTermMemory
// without naming one explicitly; grounded on the teacher's list_nodes
// query for the admin/group-sync use case).
func (l *LongTermMemory) NodesByRobot(ctx context.Context, robotID string, limit, offset int) ([]domain.Node, error) {
	if limit <= 0 || limit > topicResultHardCap {
		limit = 100
	}
	rows, err := l.store.Query(ctx, `
		SELECT `+nodeColumnsAliased+`
		FROM nodes n
		JOIN robot_nodes rn ON rn.node_id = n.id
		WHERE rn.robot_id = $1 AND n.deleted_at IS NULL
		ORDER BY n.created_at DESC
		LIMIT $2 OFFSET $3`, robotID, limit, offset)
	if err != nil {
		return nil, wrapDatabase(ctx, "nodes_by_robot", err)
	}
	defer rows.Close()

	var out []domain.Node
	for rows.Next() {
		r, err := scanNode(rows)
		if err != nil {
			return nil, wrapDatabase(ctx, "scan nodes_by_robot row", err)
		}
		n, err := toDomainNode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
