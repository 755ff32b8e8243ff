// Package ltm implements LongTermMemory (spec §4.2): durable node storage,
// hierarchical tag taxonomy, and the four search strategies, all fronted by
// a query-result cache. It owns the connection pool (via internal/store)
// and composes the extractor services, circuit breaker, SQL builder, and
// timeframe normalizer rather than reaching around them.
//
// Grounded on the teacher's internal/repository/ddb package (one type per
// bounded storage concern, every write wrapped with appErrors.Wrap, every
// read returning (value, nil) on not-found rather than panicking), adapted
// from DynamoDB single-table item shapes to parameterized Postgres SQL.
package ltm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"htm/domain"
	"htm/internal/config"
	"htm/internal/extractors"
	"htm/internal/jobs"
	"htm/internal/querycache"
	"htm/internal/store"
	appErrors "htm/pkg/errors"
	"htm/pkg/observability"
)

// LongTermMemory is the durable store: node CRUD, tag taxonomy, and search.
type LongTermMemory struct {
	store        *store.Store
	cache        *querycache.Cache
	embeddings   *extractors.EmbeddingService
	tags         *extractors.TagService
	propositions *extractors.PropositionService
	dispatcher   *jobs.Dispatcher

	maxEmbeddingDim int
	maxTagDepth     int
	relevance       config.Relevance
	weekStart       config.WeekStart

	popularTags *popularTagsCache

	logger *zap.Logger
	tel    *observability.Telemetry
}

// Options configures a LongTermMemory instance.
type Options struct {
	Store           *store.Store
	Cache           *querycache.Cache
	Embeddings      *extractors.EmbeddingService
	Tags            *extractors.TagService
	Propositions    *extractors.PropositionService
	Dispatcher      *jobs.Dispatcher
	MaxEmbeddingDim int
	MaxTagDepth     int
	Relevance       config.Relevance
	WeekStart       config.WeekStart
	Logger          *zap.Logger
	Telemetry       *observability.Telemetry
}

// New builds a LongTermMemory from its collaborators. When Dispatcher is
// non-nil, Add enqueues the embedding/tag/proposition
// extraction jobs (spec §2's write flow, §4.5's job modules) for every
// genuinely new node; RegisterJobs must be called once during wiring
// before any Add.
func New(opts Options) *LongTermMemory {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LongTermMemory{
		store:           opts.Store,
		cache:           opts.Cache,
		embeddings:      opts.Embeddings,
		tags:            opts.Tags,
		propositions:    opts.Propositions,
		dispatcher:      opts.Dispatcher,
		maxEmbeddingDim: opts.MaxEmbeddingDim,
		maxTagDepth:     opts.MaxTagDepth,
		relevance:       opts.Relevance,
		weekStart:       opts.WeekStart,
		popularTags:     newPopularTagsCache(5 * time.Minute),
		logger:          logger,
		tel:             opts.Telemetry,
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// nodeRow is the column order every SELECT against `nodes` in this package
// follows, so Scan destinations line up regardless of which query produced
// the row.
type nodeRow struct {
	id           string
	content      string
	contentHash  string
	tokenCount   int
	embeddingTxt *string
	embeddingDim int
	metadataJSON []byte
	accessCount  int
	lastAccessed *time.Time
	createdAt    time.Time
	updatedAt    time.Time
	deletedAt    *time.Time
}

func nowUTC() time.Time { return time.Now().UTC() }

// wrapDatabase maps a low-level pgx error to the DATABASE error kind,
// preserving QUERY_TIMEOUT distinction (spec §7) when the context deadline
// was exceeded.
func wrapDatabase(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return appErrors.NewQueryTimeout(op, err)
	}
	return appErrors.NewDatabase(op, err)
}
