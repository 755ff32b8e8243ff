package ltm

import (
	"context"

	"go.uber.org/zap"

	"htm/internal/jobs"
	appErrors "htm/pkg/errors"
)

// Job class names registered against internal/jobs.Dispatcher during
// wiring (RegisterJobs) and enqueued from Add on every genuinely new node
// (spec §2's write flow: "JobDispatcher enqueues embedding/tag/proposition
// jobs"). Each is a small idempotent module per spec §4.5: obtain the
// corresponding service, call it, write back to the store.
const (
	JobGenerateEmbedding   = "ltm.generate_embedding"
	JobExtractTags         = "ltm.extract_tags"
	JobExtractPropositions = "ltm.extract_propositions"
)

// RegisterJobs wires this LongTermMemory's extraction jobs onto d. Call
// once during startup wiring, before any Add.
func (l *LongTermMemory) RegisterJobs(d *jobs.Dispatcher) {
	d.Register(JobGenerateEmbedding, l.generateEmbeddingJob)
	d.Register(JobExtractTags, l.extractTagsJob)
	d.Register(JobExtractPropositions, l.extractPropositionsJob)
}

// enqueueExtractionJobs dispatches the three background extraction jobs
// for a newly created node. Errors are logged, never returned: per spec
// §7, write paths must not fail due to extractor errors, since embeddings/
// tags/propositions are attached by background jobs and a missing one is
// a normal intermediate state.
func (l *LongTermMemory) enqueueExtractionJobs(ctx context.Context, nodeID string) {
	if l.dispatcher == nil {
		return
	}
	params := map[string]any{"node_id": nodeID}
	for _, class := range []string{JobGenerateEmbedding, JobExtractTags, JobExtractPropositions} {
		if err := l.dispatcher.Perform(ctx, class, params); err != nil {
			l.logger.Warn("extraction job failed", zap.String("job_class", class), zap.String("node_id", nodeID), zap.Error(err))
		}
	}
}

func nodeIDParam(params map[string]any) (string, error) {
	nodeID, _ := params["node_id"].(string)
	if nodeID == "" {
		return "", appErrors.NewValidation("job requires a node_id parameter")
	}
	return nodeID, nil
}

// generateEmbeddingJob embeds a node's content and writes the vector back,
// tolerating the node having been soft-deleted or already embedded (both
// make it a no-op, not an error — jobs must be idempotent per spec §4.5).
func (l *LongTermMemory) generateEmbeddingJob(ctx context.Context, params map[string]any) error {
	nodeID, err := nodeIDParam(params)
	if err != nil {
		return err
	}
	if l.embeddings == nil {
		return nil
	}
	node, err := l.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil || len(node.Embedding) > 0 {
		return nil
	}
	vec, err := l.embeddings.Generate(ctx, node.Content)
	if err != nil {
		return err
	}
	return l.SetEmbedding(ctx, nodeID, vec)
}

// extractTagsJob extracts hierarchical tags against the existing tag
// vocabulary and attaches each via AddTag (the same write-back path an
// explicit caller-driven AddTag call uses).
func (l *LongTermMemory) extractTagsJob(ctx context.Context, params map[string]any) error {
	nodeID, err := nodeIDParam(params)
	if err != nil {
		return err
	}
	if l.tags == nil {
		return nil
	}
	node, err := l.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	existing, err := l.loadAllTagNames(ctx)
	if err != nil {
		return err
	}
	extracted, err := l.tags.Extract(ctx, node.Content, existing)
	if err != nil {
		return err
	}
	for _, tag := range extracted {
		if err := l.AddTag(ctx, nodeID, tag); err != nil {
			return err
		}
	}
	return nil
}

// extractPropositionsJob extracts atomic propositions and writes them back
// into the node's metadata.
func (l *LongTermMemory) extractPropositionsJob(ctx context.Context, params map[string]any) error {
	nodeID, err := nodeIDParam(params)
	if err != nil {
		return err
	}
	if l.propositions == nil {
		return nil
	}
	node, err := l.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	props, err := l.propositions.Extract(ctx, node.Content)
	if err != nil {
		return err
	}
	return l.SetPropositions(ctx, nodeID, props)
}
