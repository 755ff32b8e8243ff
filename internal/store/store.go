// Package store bootstraps the pgxpool.Pool connection pool and the
// relational schema backing LongTermMemory (spec §3.3.5's "Storage
// backend" requirements: transactional writes, a JSON/JSONB column for
// node metadata, a full-text index, and vector similarity search).
//
// Grounded on evalgo-org-eve/db/postgres_pgx.go's pgxpool wrapper, with
// its Exec/Query/QueryRow passthrough generalized to also own schema
// bootstrap and per-connection statement timeout configuration.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"htm/internal/config"
)

// Store wraps a pgxpool.Pool, applying the configured pool size and
// per-connection statement timeout.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates the connection pool from cfg.URL, or from the host/port/name/
// user/password/sslmode fields when no URL is set, applies pool_size/timeout
// from cfg, and pings to fail fast on a bad connection string.
func Open(ctx context.Context, cfg config.Database) (*Store, error) {
	dsn := cfg.URL
	if dsn == "" {
		quote := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
		var parts []string
		for _, kv := range [][2]string{{"host", cfg.Host}, {"dbname", cfg.Name}, {"user", cfg.User}, {"password", cfg.Password}, {"sslmode", cfg.SSLMode}} {
			if kv[1] != "" {
				parts = append(parts, kv[0]+"='"+quote.Replace(kv[1])+"'")
			}
		}
		if cfg.Port > 0 {
			parts = append(parts, fmt.Sprintf("port=%d", cfg.Port))
		}
		dsn = strings.Join(parts, " ")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.Timeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying pool for callers (internal/ltm, internal/group)
// that need transactions or LISTEN/NOTIFY connections.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Exec runs a statement that returns no rows.
func (s *Store) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := s.pool.Exec(ctx, sql, args...)
	return err
}

// Query runs a statement that returns rows. The caller must Close() the result.
func (s *Store) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.pool.Query(ctx, sql, args...)
}

// QueryRow runs a statement expected to return at most one row.
func (s *Store) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.pool.QueryRow(ctx, sql, args...)
}

// Bootstrap creates the schema if it does not already exist: nodes,
// robots, robot_nodes, tags, node_tags, plus the full-text and vector
// indexes the search strategies rely on (spec §4.2.3/§4.2.4).
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := s.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: bootstrap: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		content text NOT NULL,
		content_hash text NOT NULL,
		embedding vector,
		embedding_dim int NOT NULL DEFAULT 0,
		metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
		content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		deleted_at timestamptz
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS nodes_content_hash_idx ON nodes (content_hash) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS nodes_content_tsv_idx ON nodes USING gin (content_tsv)`,
	`CREATE INDEX IF NOT EXISTS nodes_metadata_idx ON nodes USING gin (metadata)`,
	`CREATE INDEX IF NOT EXISTS nodes_created_at_idx ON nodes (created_at)`,

	`CREATE TABLE IF NOT EXISTS robots (
		id text PRIMARY KEY,
		name text NOT NULL UNIQUE,
		last_active timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS robot_nodes (
		robot_id text NOT NULL REFERENCES robots (id) ON DELETE CASCADE,
		node_id uuid NOT NULL REFERENCES nodes (id) ON DELETE CASCADE,
		first_remembered_at timestamptz NOT NULL DEFAULT now(),
		last_remembered_at timestamptz NOT NULL DEFAULT now(),
		remember_count int NOT NULL DEFAULT 1,
		working_memory boolean NOT NULL DEFAULT false,
		PRIMARY KEY (robot_id, node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS robot_nodes_working_memory_idx ON robot_nodes (robot_id) WHERE working_memory`,

	`CREATE TABLE IF NOT EXISTS tags (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		name text NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS node_tags (
		node_id uuid NOT NULL REFERENCES nodes (id) ON DELETE CASCADE,
		tag_id uuid NOT NULL REFERENCES tags (id) ON DELETE CASCADE,
		PRIMARY KEY (node_id, tag_id)
	)`,
	`CREATE INDEX IF NOT EXISTS node_tags_tag_id_idx ON node_tags (tag_id)`,
}
