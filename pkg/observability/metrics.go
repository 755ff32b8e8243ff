package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds all Prometheus metrics exported by an HTM instance.
type Collector struct {
	registry *prometheus.Registry

	SearchLatency   *prometheus.HistogramVec
	SearchCount     *prometheus.CounterVec
	NodesRemembered prometheus.Counter
	NodesForgotten  prometheus.Counter
	NodesMerged     prometheus.Counter

	DBOperations *prometheus.CounterVec
	DBDuration   *prometheus.HistogramVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec

	WorkingMemorySize *prometheus.GaugeVec
	WorkingMemoryEvictions *prometheus.CounterVec
}

// NewCollector creates (or returns the existing) metrics collector for
// namespace. Singleton pattern avoids duplicate registration when multiple
// components bootstrap telemetry in the same process (tests in particular).
func NewCollector(namespace string) *Collector {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()

	searchLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_latency_seconds",
			Help:      "Long-term memory search latency by strategy",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	searchCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_total",
			Help:      "Total long-term memory searches by strategy and outcome",
		},
		[]string{"strategy", "status"},
	)

	nodesRemembered := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_remembered_total",
			Help:      "Total number of nodes committed to long-term memory",
		},
	)

	nodesForgotten := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_forgotten_total",
			Help:      "Total number of nodes soft-deleted",
		},
	)

	nodesMerged := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_merged_total",
			Help:      "Total number of duplicate nodes merged on remember",
		},
	)

	dbOperations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_operations_total",
			Help:      "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	dbDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Database operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	cacheHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)

	cacheMisses := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	circuitState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"service"},
	)

	wmSize := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "working_memory_size",
			Help:      "Current number of nodes held in a robot's working memory",
		},
		[]string{"robot"},
	)

	wmEvictions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "working_memory_evictions_total",
			Help:      "Total number of working-memory evictions",
		},
		[]string{"robot"},
	)

	registry.MustRegister(
		searchLatency,
		searchCount,
		nodesRemembered,
		nodesForgotten,
		nodesMerged,
		dbOperations,
		dbDuration,
		cacheHits,
		cacheMisses,
		circuitState,
		wmSize,
		wmEvictions,
	)

	globalCollector = &Collector{
		registry:               registry,
		SearchLatency:          searchLatency,
		SearchCount:            searchCount,
		NodesRemembered:        nodesRemembered,
		NodesForgotten:         nodesForgotten,
		NodesMerged:            nodesMerged,
		DBOperations:           dbOperations,
		DBDuration:             dbDuration,
		CacheHits:              cacheHits,
		CacheMisses:            cacheMisses,
		CircuitBreakerState:    circuitState,
		WorkingMemorySize:      wmSize,
		WorkingMemoryEvictions: wmEvictions,
	}

	return globalCollector
}

// ResetForTesting drops the global collector so a fresh one can be created.
func ResetForTesting() {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()
	globalCollector = nil
}

// GetRegistry returns the Prometheus registry backing this collector.
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}

const (
	CircuitStateClosed  = 0
	CircuitStateHalfOpen = 1
	CircuitStateOpen    = 2
)
