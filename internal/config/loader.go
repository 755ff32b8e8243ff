package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	appErrors "htm/pkg/errors"
)

// ============================================================================
// DEFAULTS
// ============================================================================

// Default returns the built-in default configuration, matching the values
// enumerated in spec §6.
func Default() *Config {
	return &Config{
		Environment: Development,
		ServiceName: "htm",
		Database: Database{
			Host:                  "localhost",
			Port:                  5432,
			Name:                  "htm_development",
			SSLMode:               "disable",
			PoolSize:              5,
			Timeout:               30_000_000_000, // 30s, expressed in ns
			MaxEmbeddingDimension: 2000,
		},
		Embedding: ProviderConfig{
			Provider:     ProviderOpenAI,
			Model:        "text-embedding-3-small",
			MaxDimension: 2000,
			Timeout:      120_000_000_000,
		},
		Tag: ProviderConfig{
			Provider:    ProviderOpenAI,
			Model:       "gpt-4o-mini",
			MaxTagDepth: 4,
			Timeout:     180_000_000_000,
		},
		Proposition: PropositionConfig{
			Enabled:   false,
			Timeout:   180_000_000_000,
			MinLength: 10,
			MaxLength: 1000,
			MinWords:  5,
		},
		Chunking: Chunking{
			ChunkSize:    1024,
			ChunkOverlap: 64,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60_000_000_000,
			HalfOpenMaxCalls: 3,
		},
		Relevance: Relevance{
			SemanticWeight:       0.5,
			TagWeight:            0.3,
			RecencyWeight:        0.1,
			AccessWeight:         0.1,
			RecencyHalfLifeHours: 168,
		},
		Job: Job{
			Backend: BackendInline,
		},
		WeekStart:        WeekStartSunday,
		TelemetryEnabled: true,
		LogLevel:         "info",
	}
}

// ============================================================================
// LOADER
// ============================================================================

// Loader loads configuration from a base path using a hierarchy of sources:
// defaults -> base.yaml -> <environment>.yaml -> environment variables.
type Loader struct {
	basePath    string
	environment Environment
	sources     []string
}

// NewLoader creates a configuration loader rooted at basePath (default
// "config" when empty) for the given environment.
func NewLoader(basePath string, env Environment) *Loader {
	if basePath == "" {
		basePath = "config"
	}
	return &Loader{basePath: basePath, environment: env, sources: []string{}}
}

// Load builds the final configuration and validates it, surfacing a
// CONFIGURATION error on any failure (missing required option, invalid
// environment/database naming, relevance weights not summing to 1±0.01).
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	cfg.Environment = l.environment
	l.sources = append(l.sources, "defaults")

	if err := l.loadFile(l.basePath+"/base.yaml", cfg); err != nil {
		return nil, err
	}
	envFile := strings.ToLower(string(l.environment)) + ".yaml"
	if err := l.loadFile(l.basePath+"/"+envFile, cfg); err != nil {
		return nil, err
	}

	l.loadEnvironmentVariables(cfg)
	l.sources = append(l.sources, "environment")
	cfg.LoadedFrom = l.sources
	cfg.Version = "1.0.0"

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return appErrors.NewConfiguration(fmt.Sprintf("reading config file %s: %v", path, err))
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return appErrors.NewConfiguration(fmt.Sprintf("parsing config file %s: %v", path, err))
	}
	l.sources = append(l.sources, path)
	return nil
}

// loadEnvironmentVariables applies the small set of override knobs that are
// reasonable to set per-deployment without a file: connection identity, the
// log level and the job backend.
func (l *Loader) loadEnvironmentVariables(cfg *Config) {
	if v := os.Getenv("HTM_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("HTM_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("HTM_DATABASE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("HTM_DATABASE_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("HTM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HTM_JOB_BACKEND"); v != "" {
		cfg.Job.Backend = Backend(v)
	}
}

// ============================================================================
// VALIDATION
// ============================================================================

var validate = validator.New()

// Validate runs struct-tag validation plus the cross-field checks the
// validator library cannot express: the relevance-weight sum (spec §8 S6)
// and the "<service_name>_<environment>" database naming rule (spec §6).
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return appErrors.NewConfiguration(fmt.Sprintf("invalid configuration: %v", err))
	}

	sum := cfg.Relevance.SemanticWeight + cfg.Relevance.TagWeight +
		cfg.Relevance.RecencyWeight + cfg.Relevance.AccessWeight
	if math.Abs(sum-1.0) > relevanceWeightTolerance {
		return appErrors.NewConfiguration(
			fmt.Sprintf("relevance weights must sum to 1±%.2f, got %.4f", relevanceWeightTolerance, sum))
	}

	expectedDBName := fmt.Sprintf("%s_%s", cfg.ServiceName, cfg.Environment)
	if cfg.Database.URL == "" && cfg.Database.Name != expectedDBName {
		return appErrors.NewConfiguration(
			fmt.Sprintf("database name must be %q, got %q", expectedDBName, cfg.Database.Name))
	}

	return nil
}
