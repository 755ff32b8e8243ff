//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"htm/internal/config"
)

func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "htm",
			"POSTGRES_PASSWORD": "htm",
			"POSTGRES_DB":       "htm_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://htm:htm@%s:%s/htm_test?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return url, cleanup
}

func TestStore_BootstrapAndRoundTrip(t *testing.T) {
	url, cleanup := setupPostgresContainer(t)
	defer cleanup()

	ctx := context.Background()
	s, err := Open(ctx, config.Database{URL: url, PoolSize: 5, Timeout: 30 * time.Second})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Bootstrap(ctx))

	var id string
	err = s.QueryRow(ctx, `INSERT INTO nodes (content, content_hash) VALUES ($1, $2) RETURNING id`, "hello world", "hash-1").Scan(&id)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var content string
	err = s.QueryRow(ctx, `SELECT content FROM nodes WHERE id = $1`, id).Scan(&content)
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)
}
