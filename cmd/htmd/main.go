// Command htmd wires the HTM engine's object graph and serves a health
// endpoint. Grounded on the teacher's cmd/api/main.go (config load →
// dependency graph → router → graceful shutdown on SIGINT/SIGTERM) and
// interfaces/http/rest/v1/router.go (chi sub-router + JSON health check).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"htm/internal/breaker"
	"htm/internal/config"
	"htm/internal/extractors"
	"htm/internal/group"
	"htm/internal/jobs"
	"htm/internal/ltm"
	"htm/internal/querycache"
	"htm/internal/store"
	"htm/pkg/observability"
)

// container bundles the fully-wired object graph.
type container struct {
	cfg     *config.Config
	tel     *observability.Telemetry
	store   *store.Store
	cache   *querycache.Cache
	ltm     *ltm.LongTermMemory
	jobs    *jobs.Dispatcher
	groupOf func(name string) *group.RobotGroup
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := config.Environment(os.Getenv("HTM_ENV"))
	if env == "" {
		env = config.Development
	}
	loader := config.NewLoader(os.Getenv("HTM_CONFIG_PATH"), env)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	c, err := build(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to wire dependency graph: %v", err)
	}
	defer c.store.Close()
	defer c.jobs.Wait()

	if configPath := os.Getenv("HTM_CONFIG_PATH"); configPath != "" {
		watcher, werr := config.NewWatcher(configPath+"/base.yaml", cfg, c.tel.Logger)
		if werr != nil {
			c.tel.Logger.Warn("config hot-reload disabled", zap.Error(werr))
		} else {
			defer watcher.Stop()
		}
	}

	router := newRouter(c)

	addr := os.Getenv("HTM_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		c.tel.Logger.Info("starting htmd", zap.String("address", addr), zap.String("environment", string(cfg.Environment)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.tel.Logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	c.tel.Logger.Info("shutting down htmd")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.tel.Logger.Error("graceful shutdown failed", zap.Error(err))
	}
	_ = c.tel.Shutdown(shutdownCtx)
}

// build constructs the full dependency graph: telemetry → store → cache →
// circuit-broken extractor services → job dispatcher → LongTermMemory. It
// stops at LongTermMemory/JobDispatcher; WorkingMemory and RobotGroup
// instances are per-robot/per-group and are created on demand via
// groupOf, since the spec scopes robot/group lifecycle management to the
// caller (§1 Non-goals: no HTTP CRUD surface for robots is specified).
func build(ctx context.Context, cfg *config.Config) (*container, error) {
	tel, err := observability.New(observability.Options{
		Namespace:  cfg.ServiceName,
		LogLevel:   cfg.LogLevel,
		Production: cfg.Environment == config.Production,
		Enabled:    cfg.TelemetryEnabled,
	})
	if err != nil {
		return nil, err
	}

	s, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := s.Bootstrap(ctx); err != nil {
		return nil, err
	}

	cache, err := querycache.New(1000, 5*time.Minute, tel, "ltm")
	if err != nil {
		return nil, err
	}

	embeddingSvc, err := extractors.NewEmbeddingService(
		unconfiguredEmbedder(cfg.Embedding),
		breaker.New[[]float32]("embedding", cfg.CircuitBreaker, tel),
		1000, func() { tel.RecordCacheHit("embedding") }, func() { tel.RecordCacheMiss("embedding") },
	)
	if err != nil {
		return nil, err
	}
	tagSvc := extractors.NewTagService(
		unconfiguredTagExtractor(cfg.Tag),
		breaker.New[[]string]("tag", cfg.CircuitBreaker, tel),
		cfg.Tag.MaxTagDepth,
	)
	var propositionSvc *extractors.PropositionService
	if cfg.Proposition.Enabled {
		propositionSvc = extractors.NewPropositionService(
			unconfiguredPropositionExtractor(cfg.Proposition),
			breaker.New[[]string]("proposition", cfg.CircuitBreaker, tel),
			cfg.Proposition.MinLength, cfg.Proposition.MaxLength, cfg.Proposition.MinWords,
		)
	}

	dispatcher := jobs.New(cfg.Job.Backend, tel.Logger)

	longTerm := ltm.New(ltm.Options{
		Store:           s,
		Cache:           cache,
		Embeddings:      embeddingSvc,
		Tags:            tagSvc,
		Propositions:    propositionSvc,
		Dispatcher:      dispatcher,
		MaxEmbeddingDim: cfg.Database.MaxEmbeddingDimension,
		MaxTagDepth:     cfg.Tag.MaxTagDepth,
		Relevance:       cfg.Relevance,
		WeekStart:       cfg.WeekStart,
		Logger:          tel.Logger,
		Telemetry:       tel,
	})
	// RegisterJobs must run before any Add; build never enqueues one itself.
	longTerm.RegisterJobs(dispatcher)

	groupOf := func(name string) *group.RobotGroup {
		channel := group.NewPubSubChannel(s.Pool(), name, tel.Logger)
		channel.StartListening()
		return group.New(name, longTerm, channel, tel.Logger)
	}

	return &container{
		cfg:     cfg,
		tel:     tel,
		store:   s,
		cache:   cache,
		ltm:     longTerm,
		jobs:    dispatcher,
		groupOf: groupOf,
	}, nil
}

// unconfiguredEmbedder/unconfiguredTagExtractor are the default Embedder/
// TagExtractorFunc callables: spec §6 treats the actual language-model
// vendor client as an external collaborator the operator supplies, never a
// dependency the engine itself implements. Until one is injected, calls
// fail clearly rather than silently no-op, so the circuit breaker trips
// instead of masking a missing configuration.
func unconfiguredEmbedder(pc config.ProviderConfig) extractors.Embedder {
	return func(ctx context.Context, text string) ([]float32, error) {
		return nil, errUnconfiguredProvider("embedding", pc.Provider)
	}
}

func unconfiguredTagExtractor(pc config.ProviderConfig) extractors.TagExtractorFunc {
	return func(ctx context.Context, text string, existing []string) ([]string, error) {
		return nil, errUnconfiguredProvider("tag", pc.Provider)
	}
}

func unconfiguredPropositionExtractor(pc config.PropositionConfig) extractors.PropositionExtractorFunc {
	return func(ctx context.Context, text string) ([]string, error) {
		return nil, errUnconfiguredProvider("proposition", pc.Provider)
	}
}

func errUnconfiguredProvider(kind string, provider config.Provider) error {
	return &unconfiguredProviderError{kind: kind, provider: provider}
}

type unconfiguredProviderError struct {
	kind     string
	provider config.Provider
}

func (e *unconfiguredProviderError) Error() string {
	return "htmd: no " + e.kind + " callable configured for provider " + string(e.provider)
}

func newRouter(c *container) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", healthHandler(c))
	return r
}

func healthHandler(c *container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ok"
		statusCode := http.StatusOK
		if err := c.store.Pool().Ping(ctx); err != nil {
			status = "database unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		stats := c.cache.StatsSnapshot()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      status,
			"environment": c.cfg.Environment,
			"cache": map[string]any{
				"hits":     stats.Hits,
				"misses":   stats.Misses,
				"hit_rate": stats.HitRate,
				"size":     stats.Size,
			},
		})
	}
}
