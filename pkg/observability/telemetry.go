package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Telemetry bundles the logger, metrics collector and tracer used across
// HTM components. A disabled Telemetry still returns a usable logger and a
// no-op tracer so call sites never need a nil check.
type Telemetry struct {
	Logger   *zap.Logger
	Metrics  *Collector
	Tracer   trace.Tracer
	level    zap.AtomicLevel
	enabled  bool
	provider *sdktrace.TracerProvider
}

// Options configures telemetry construction.
type Options struct {
	Namespace string
	LogLevel  string
	// Production selects zap's production encoder (JSON); otherwise the
	// development console encoder is used.
	Production bool
	// Enabled gates metrics/tracing; logging is always active.
	Enabled bool
}

// New builds a Telemetry instance. When opts.Enabled is false, metrics are
// still registered (so call sites can unconditionally record against them)
// but tracing uses the global no-op TracerProvider.
func New(opts Options) (*Telemetry, error) {
	logger, level, err := buildLogger(opts)
	if err != nil {
		return nil, err
	}

	collector := NewCollector(opts.Namespace)

	t := &Telemetry{
		Logger:  logger,
		Metrics: collector,
		level:   level,
		enabled: opts.Enabled,
	}

	if opts.Enabled {
		provider := sdktrace.NewTracerProvider()
		t.provider = provider
		t.Tracer = provider.Tracer(opts.Namespace)
	} else {
		t.Tracer = otel.Tracer(opts.Namespace)
	}

	return t, nil
}

func buildLogger(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	var cfg zap.Config
	if opts.Production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(levelFromString(opts.LogLevel))

	logger, err := cfg.Build()
	return logger, cfg.Level, err
}

func levelFromString(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLogLevel adjusts the active log level at runtime; used by the config
// hot-reload path. It mutates the AtomicLevel shared with the built logger,
// so the change takes effect on the next log call without rebuilding it.
func (t *Telemetry) SetLogLevel(level string) {
	t.level.SetLevel(levelFromString(level))
}

// Shutdown flushes the logger and, if tracing is enabled, shuts down the
// tracer provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	_ = t.Logger.Sync()
	if t.provider != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return t.provider.Shutdown(shutdownCtx)
	}
	return nil
}

// RecordSearch records a search-strategy latency observation.
func (t *Telemetry) RecordSearch(strategy string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.Metrics.SearchCount.WithLabelValues(strategy, status).Inc()
	t.Metrics.SearchLatency.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordCacheHit/RecordCacheMiss record query-cache outcomes by cache name.
func (t *Telemetry) RecordCacheHit(cache string)  { t.Metrics.CacheHits.WithLabelValues(cache).Inc() }
func (t *Telemetry) RecordCacheMiss(cache string) { t.Metrics.CacheMisses.WithLabelValues(cache).Inc() }

// RecordCircuitState updates the circuit-breaker state gauge for a service.
func (t *Telemetry) RecordCircuitState(service string, state int) {
	t.Metrics.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}
