package ltm

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"htm/domain"
	"htm/internal/querycache"
	"htm/internal/sqlbuilder"
	appErrors "htm/pkg/errors"
)

const nodeColumns = `id::text, content, content_hash, token_count, embedding::text, embedding_dim,
	metadata, access_count, last_accessed, created_at, updated_at, deleted_at`

func scanNode(row pgx.Row) (nodeRow, error) {
	var r nodeRow
	err := row.Scan(&r.id, &r.content, &r.contentHash, &r.tokenCount, &r.embeddingTxt, &r.embeddingDim,
		&r.metadataJSON, &r.accessCount, &r.lastAccessed, &r.createdAt, &r.updatedAt, &r.deletedAt)
	return r, err
}

func toDomainNode(r nodeRow) (domain.Node, error) {
	n := domain.Node{
		ID:           r.id,
		Content:      r.content,
		ContentHash:  r.contentHash,
		TokenCount:   r.tokenCount,
		EmbeddingDim: r.embeddingDim,
		AccessCount:  r.accessCount,
		LastAccessed: r.lastAccessed,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
		DeletedAt:    r.deletedAt,
	}
	if r.embeddingTxt != nil {
		vec, err := sqlbuilder.ParseEmbeddingText(*r.embeddingTxt)
		if err != nil {
			return domain.Node{}, err
		}
		n.Embedding = vec
	}
	if len(r.metadataJSON) > 0 {
		meta := make(map[string]any)
		if err := json.Unmarshal(r.metadataJSON, &meta); err != nil {
			return domain.Node{}, appErrors.NewDatabase("decoding node metadata", err)
		}
		n.Metadata = meta
	}
	return n, nil
}

// Add implements the spec §4.2.1 content-deduplicating insert: dedup by
// content_hash (restoring a soft-deleted match), link the robot, and on a
// genuinely new node invalidate the search/fulltext/hybrid cache entries
// (invariant 11 — tag-related entries are left alone).
func (l *LongTermMemory) Add(ctx context.Context, content string, tokenCount int, robotID string, embedding []float32, metadata map[string]any) (domain.AddResult, error) {
	if content == "" {
		return domain.AddResult{}, appErrors.NewValidation("content must not be empty")
	}
	if robotID == "" {
		return domain.AddResult{}, appErrors.NewValidation("robot_id must not be empty")
	}

	hash := contentHash(content)

	tx, err := l.store.Pool().Begin(ctx)
	if err != nil {
		return domain.AddResult{}, wrapDatabase(ctx, "begin add transaction", err)
	}
	defer tx.Rollback(ctx)

	var nodeID string
	var wasDeleted bool
	err = tx.QueryRow(ctx, `SELECT id::text, deleted_at IS NOT NULL FROM nodes WHERE content_hash = $1`, hash).Scan(&nodeID, &wasDeleted)

	isNew := false
	switch {
	case err == pgx.ErrNoRows:
		// Genuinely new content.
		metaJSON, jerr := json.Marshal(metadata)
		if jerr != nil {
			return domain.AddResult{}, appErrors.NewValidation("invalid metadata: " + jerr.Error())
		}

		var embeddingParam any
		var embeddingDim int
		if len(embedding) > 0 {
			padded := sqlbuilder.PadEmbedding(embedding, l.maxEmbeddingDim)
			literal, serr := sqlbuilder.SanitizeEmbedding(padded)
			if serr != nil {
				return domain.AddResult{}, serr
			}
			embeddingParam = literal
			embeddingDim = len(embedding)
		}

		insertErr := tx.QueryRow(ctx, `
			INSERT INTO nodes (content, content_hash, token_count, embedding, embedding_dim, metadata)
			VALUES ($1, $2, $3, CASE WHEN $4::text IS NULL THEN NULL ELSE $4::text::vector END, $5, $6::jsonb)
			RETURNING id::text`,
			content, hash, tokenCount, embeddingParam, embeddingDim, string(metaJSON),
		).Scan(&nodeID)
		if insertErr != nil {
			return domain.AddResult{}, wrapDatabase(ctx, "insert node", insertErr)
		}
		isNew = true

	case err != nil:
		return domain.AddResult{}, wrapDatabase(ctx, "lookup node by content hash", err)

	default:
		if wasDeleted {
			if _, rerr := tx.Exec(ctx, `UPDATE nodes SET deleted_at = NULL, updated_at = now() WHERE id = $1::uuid`, nodeID); rerr != nil {
				return domain.AddResult{}, wrapDatabase(ctx, "restore soft-deleted node", rerr)
			}
		} else {
			if _, uerr := tx.Exec(ctx, `UPDATE nodes SET updated_at = now() WHERE id = $1::uuid`, nodeID); uerr != nil {
				return domain.AddResult{}, wrapDatabase(ctx, "touch node updated_at", uerr)
			}
		}
	}

	robotNode, err := upsertRobotNode(ctx, tx, robotID, nodeID)
	if err != nil {
		return domain.AddResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.AddResult{}, wrapDatabase(ctx, "commit add transaction", err)
	}

	if isNew {
		l.cache.InvalidateMethods(querycache.MethodSearch, querycache.MethodFulltext, querycache.MethodHybrid)
		l.enqueueExtractionJobs(ctx, nodeID)
	}

	return domain.AddResult{NodeID: nodeID, IsNew: isNew, RobotNode: robotNode}, nil
}

func upsertRobotNode(ctx context.Context, tx pgx.Tx, robotID, nodeID string) (domain.RobotNode, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO robots (id, name, last_active)
		VALUES ($1, $1, now())
		ON CONFLICT (id) DO UPDATE SET last_active = now()`, robotID); err != nil {
		return domain.RobotNode{}, wrapDatabase(ctx, "upsert robot", err)
	}

	var rn domain.RobotNode
	row := tx.QueryRow(ctx, `
		INSERT INTO robot_nodes (robot_id, node_id, first_remembered_at, last_remembered_at, remember_count)
		VALUES ($1, $2::uuid, now(), now(), 1)
		ON CONFLICT (robot_id, node_id) DO UPDATE
			SET remember_count = robot_nodes.remember_count + 1,
				last_remembered_at = now()
		RETURNING robot_id, node_id::text, first_remembered_at, last_remembered_at, remember_count, working_memory`,
		robotID, nodeID)
	if err := row.Scan(&rn.RobotID, &rn.NodeID, &rn.FirstRememberedAt, &rn.LastRememberedAt, &rn.RememberCount, &rn.WorkingMemory); err != nil {
		return domain.RobotNode{}, wrapDatabase(ctx, "upsert robot_node", err)
	}
	return rn, nil
}

// Retrieve atomically bumps access_count/last_accessed and returns the row,
// or (nil, nil) if not found or soft-deleted.
func (l *LongTermMemory) Retrieve(ctx context.Context, nodeID string) (*domain.Node, error) {
	row := l.store.QueryRow(ctx, `
		UPDATE nodes SET access_count = access_count + 1, last_accessed = now()
		WHERE id = $1::uuid AND deleted_at IS NULL
		RETURNING `+nodeColumns, nodeID)
	r, err := scanNode(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDatabase(ctx, "retrieve node", err)
	}
	n, err := toDomainNode(r)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// SetEmbedding writes a background-job-generated embedding back onto a
// node (spec §4.5's job write-back step) and invalidates the search/hybrid
// cache entries, the cached methods that read embeddings.
func (l *LongTermMemory) SetEmbedding(ctx context.Context, nodeID string, embedding []float32) error {
	if len(embedding) == 0 {
		return appErrors.NewValidation("embedding must not be empty")
	}
	padded := sqlbuilder.PadEmbedding(embedding, l.maxEmbeddingDim)
	literal, err := sqlbuilder.SanitizeEmbedding(padded)
	if err != nil {
		return err
	}
	if err := l.store.Exec(ctx, `
		UPDATE nodes SET embedding = $2::text::vector, embedding_dim = $3, updated_at = now()
		WHERE id = $1::uuid AND deleted_at IS NULL`,
		nodeID, literal, len(embedding),
	); err != nil {
		return wrapDatabase(ctx, "set_embedding", err)
	}
	l.cache.InvalidateMethods(querycache.MethodSearch, querycache.MethodHybrid)
	return nil
}

// SetPropositions writes a background-job-extracted proposition list into
// a node's metadata under the "propositions" key.
func (l *LongTermMemory) SetPropositions(ctx context.Context, nodeID string, propositions []string) error {
	payload, err := json.Marshal(propositions)
	if err != nil {
		return appErrors.NewValidation("invalid propositions: " + err.Error())
	}
	if err := l.store.Exec(ctx, `
		UPDATE nodes SET metadata = coalesce(metadata, '{}'::jsonb) || jsonb_build_object('propositions', $2::jsonb), updated_at = now()
		WHERE id = $1::uuid AND deleted_at IS NULL`,
		nodeID, string(payload),
	); err != nil {
		return wrapDatabase(ctx, "set_propositions", err)
	}
	return nil
}

// GetNode fetches a node by id without touching access_count/last_accessed,
// returning (nil, nil) if not found or soft-deleted.
func (l *LongTermMemory) GetNode(ctx context.Context, nodeID string) (*domain.Node, error) {
	row := l.store.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1::uuid AND deleted_at IS NULL`, nodeID)
	r, err := scanNode(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDatabase(ctx, "get node", err)
	}
	n, err := toDomainNode(r)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Exists reports whether a live (non-deleted) node with this id exists.
func (l *LongTermMemory) Exists(ctx context.Context, nodeID string) (bool, error) {
	var exists bool
	err := l.store.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM nodes WHERE id = $1::uuid AND deleted_at IS NULL)`, nodeID).Scan(&exists)
	if err != nil {
		return false, wrapDatabase(ctx, "check node existence", err)
	}
	return exists, nil
}

// MarkEvicted clears the working_memory flag on the given robot's
// RobotNode rows in bulk.
func (l *LongTermMemory) MarkEvicted(ctx context.Context, robotID string, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	err := l.store.Exec(ctx, `UPDATE robot_nodes SET working_memory = false WHERE robot_id = $1 AND node_id = ANY($2::uuid[])`, robotID, nodeIDs)
	if err != nil {
		return wrapDatabase(ctx, "mark_evicted", err)
	}
	return nil
}

// UpdateLastAccessed touches last_accessed without incrementing
// access_count — the dedicated spec §4.2.1 update_last_accessed
// operation, distinct from Retrieve's full access-count bump and
// TrackAccess's bulk form.
func (l *LongTermMemory) UpdateLastAccessed(ctx context.Context, nodeID string) error {
	if err := l.store.Exec(ctx, `UPDATE nodes SET last_accessed = now() WHERE id = $1::uuid AND deleted_at IS NULL`, nodeID); err != nil {
		return wrapDatabase(ctx, "update_last_accessed", err)
	}
	return nil
}

// TrackAccess bulk-increments access_count/last_accessed for every node id
// given, used by every search path after ranking (spec §4.2.1).
func (l *LongTermMemory) TrackAccess(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	err := l.store.Exec(ctx, `
		UPDATE nodes SET access_count = access_count + 1, last_accessed = now()
		WHERE id = ANY($1::uuid[]) AND deleted_at IS NULL`, nodeIDs)
	if err != nil {
		return wrapDatabase(ctx, "track_access", err)
	}
	return nil
}

// Delete performs a soft delete by default; hard=true cascades robot_nodes
// and node_tags via the foreign-key ON DELETE CASCADE.
func (l *LongTermMemory) Delete(ctx context.Context, nodeID string, hard bool) error {
	if hard {
		if err := l.store.Exec(ctx, `DELETE FROM nodes WHERE id = $1::uuid`, nodeID); err != nil {
			return wrapDatabase(ctx, "hard delete node", err)
		}
		return nil
	}
	if err := l.store.Exec(ctx, `UPDATE nodes SET deleted_at = now() WHERE id = $1::uuid AND deleted_at IS NULL`, nodeID); err != nil {
		return wrapDatabase(ctx, "soft delete node", err)
	}
	return nil
}
