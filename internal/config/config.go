// Package config provides configuration management for the HTM engine.
// It mirrors the teacher's layered approach: struct-tag validation, YAML +
// environment overlays, and sensible defaults, adapted to HTM's domain
// (database, extractor providers, circuit breaker, relevance weights, job
// dispatch backend).
package config

import (
	"time"
)

// ============================================================================
// MAIN CONFIGURATION STRUCTURE
// ============================================================================

// Config represents the complete HTM engine configuration.
type Config struct {
	Environment    Environment    `yaml:"environment" json:"environment" validate:"required,oneof=development test staging production"`
	ServiceName    string         `yaml:"service_name" json:"service_name" validate:"required,min=1,max=255"`
	Database       Database       `yaml:"database" json:"database" validate:"required"`
	Embedding      ProviderConfig `yaml:"embedding" json:"embedding" validate:"required"`
	Tag            ProviderConfig `yaml:"tag" json:"tag" validate:"required"`
	Proposition    PropositionConfig `yaml:"proposition" json:"proposition" validate:"required"`
	Chunking       Chunking       `yaml:"chunking" json:"chunking" validate:"required"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker" validate:"required"`
	Relevance      Relevance      `yaml:"relevance" json:"relevance" validate:"required"`
	Job            Job            `yaml:"job" json:"job" validate:"required"`
	WeekStart      WeekStart      `yaml:"week_start" json:"week_start" validate:"required,oneof=sunday monday"`
	TelemetryEnabled bool         `yaml:"telemetry_enabled" json:"telemetry_enabled"`
	LogLevel       string         `yaml:"log_level" json:"log_level" validate:"required,oneof=debug info warn error"`

	// Metadata fields, not user-configurable.
	Version    string   `yaml:"-" json:"-"`
	LoadedFrom []string `yaml:"-" json:"-"`
}

// Environment is the deployment environment. When no database URL is set,
// the database name must equal "<service_name>_<environment>" exactly
// (validated in Validate()); the database named inside a URL is not checked.
type Environment string

const (
	Development Environment = "development"
	Test        Environment = "test"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// WeekStart selects which day `timeframe`'s natural-language ranges treat
// as the start of the week.
type WeekStart string

const (
	WeekStartSunday WeekStart = "sunday"
	WeekStartMonday WeekStart = "monday"
)

// ============================================================================
// DATABASE CONFIGURATION
// ============================================================================

// Database contains the relational + vector store connection settings.
type Database struct {
	URL         string        `yaml:"url" json:"url" validate:"omitempty,uri"`
	Host        string        `yaml:"host" json:"host" validate:"required_without=URL"`
	Port        int           `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Name        string        `yaml:"name" json:"name" validate:"required"`
	User        string        `yaml:"user" json:"user"`
	Password    string        `yaml:"password" json:"password"`
	SSLMode     string        `yaml:"sslmode" json:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full"`
	PoolSize    int           `yaml:"pool_size" json:"pool_size" validate:"min=1,max=100"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" validate:"min=1s,max=5m"`
	MaxEmbeddingDimension int `yaml:"max_embedding_dimension" json:"max_embedding_dimension" validate:"min=1,max=2000"`
}

// ============================================================================
// EXTRACTOR PROVIDER CONFIGURATION
// ============================================================================

// Provider enumerates the supported external language-model vendors. HTM
// never calls any of these directly (§6 External Interfaces); the value is
// carried purely for naming/config validation.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGemini     Provider = "gemini"
	ProviderAzure      Provider = "azure"
	ProviderOllama     Provider = "ollama"
	ProviderHuggingFace Provider = "huggingface"
	ProviderOpenRouter Provider = "openrouter"
	ProviderBedrock    Provider = "bedrock"
	ProviderDeepSeek   Provider = "deepseek"
)

// ProviderConfig configures an embedding or tag extractor.
type ProviderConfig struct {
	Provider   Provider      `yaml:"provider" json:"provider" validate:"required,oneof=openai anthropic gemini azure ollama huggingface openrouter bedrock deepseek"`
	Model      string        `yaml:"model" json:"model" validate:"required"`
	Dimensions int           `yaml:"dimensions" json:"dimensions" validate:"omitempty,min=1,max=2000"`
	MaxDimension int         `yaml:"max_dimension" json:"max_dimension" validate:"omitempty,min=1,max=2000"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" validate:"required,min=1s"`
	MaxTagDepth int          `yaml:"max_tag_depth" json:"max_tag_depth" validate:"omitempty,min=1,max=20"`
}

// PropositionConfig configures proposition extraction.
type PropositionConfig struct {
	Provider  Provider      `yaml:"provider" json:"provider" validate:"omitempty,oneof=openai anthropic gemini azure ollama huggingface openrouter bedrock deepseek"`
	Model     string        `yaml:"model" json:"model"`
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"required,min=1s"`
	MinLength int           `yaml:"min_length" json:"min_length" validate:"min=1"`
	MaxLength int           `yaml:"max_length" json:"max_length" validate:"gtfield=MinLength"`
	MinWords  int           `yaml:"min_words" json:"min_words" validate:"min=1"`
}

// Chunking configures text chunking ahead of embedding.
type Chunking struct {
	ChunkSize    int `yaml:"chunk_size" json:"chunk_size" validate:"min=1"`
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap" validate:"min=0,ltfield=ChunkSize"`
}

// ============================================================================
// CIRCUIT BREAKER CONFIGURATION
// ============================================================================

// CircuitBreakerConfig configures the extractor circuit breakers (§4.3).
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold" json:"failure_threshold" validate:"min=1"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout" validate:"min=1s"`
	HalfOpenMaxCalls uint32        `yaml:"half_open_max_calls" json:"half_open_max_calls" validate:"min=1"`
}

// ============================================================================
// RELEVANCE CONFIGURATION
// ============================================================================

// Relevance configures the dynamic relevance scorer (§4.2.6). The four
// weights must sum to 1±0.01; this is checked explicitly in Validate()
// since go-playground/validator has no built-in cross-field sum check.
type Relevance struct {
	SemanticWeight       float64       `yaml:"semantic_weight" json:"semantic_weight" validate:"min=0,max=1"`
	TagWeight            float64       `yaml:"tag_weight" json:"tag_weight" validate:"min=0,max=1"`
	RecencyWeight        float64       `yaml:"recency_weight" json:"recency_weight" validate:"min=0,max=1"`
	AccessWeight         float64       `yaml:"access_weight" json:"access_weight" validate:"min=0,max=1"`
	RecencyHalfLifeHours float64       `yaml:"recency_half_life_hours" json:"recency_half_life_hours" validate:"min=0.01"`
}

// ============================================================================
// JOB DISPATCH CONFIGURATION
// ============================================================================

// Backend names a job dispatcher backend. Per spec §9's Open Question
// resolution, there is no runtime auto-detection: Backend must always be an
// explicit value.
type Backend string

const (
	BackendActiveJob Backend = "active_job"
	BackendSidekiq   Backend = "sidekiq"
	BackendInline    Backend = "inline"
	BackendThread    Backend = "thread"
	BackendFiber     Backend = "fiber"
)

// Job configures the async job dispatcher (§4.5).
type Job struct {
	Backend Backend `yaml:"backend" json:"backend" validate:"required,oneof=active_job sidekiq inline thread fiber"`
}

// ============================================================================
// VALIDATION
// ============================================================================

const relevanceWeightTolerance = 0.01
