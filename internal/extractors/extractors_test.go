package extractors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"htm/internal/breaker"
	"htm/internal/config"
	"htm/pkg/observability"
)

func testTelemetry(t *testing.T) *observability.Telemetry {
	t.Helper()
	observability.ResetForTesting()
	tel, err := observability.New(observability.Options{Namespace: "htm_test_extractors", Enabled: false})
	require.NoError(t, err)
	return tel
}

func cbConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{FailureThreshold: 5, ResetTimeout: 60_000_000_000, HalfOpenMaxCalls: 3}
}

func TestEmbeddingService_CachesBySHA256(t *testing.T) {
	calls := 0
	embed := func(ctx context.Context, text string) ([]float32, error) {
		calls++
		return []float32{1, 2, 3}, nil
	}
	cb := breaker.New[[]float32]("embedding", cbConfig(), testTelemetry(t))
	svc, err := NewEmbeddingService(embed, cb, 10, nil, nil)
	require.NoError(t, err)

	v1, err := svc.Generate(context.Background(), "hello")
	require.NoError(t, err)
	v2, err := svc.Generate(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls)
}

func TestEmbeddingService_RejectsEmptyResponse(t *testing.T) {
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, nil
	}
	cb := breaker.New[[]float32]("embedding", cbConfig(), testTelemetry(t))
	svc, err := NewEmbeddingService(embed, cb, 0, nil, nil)
	require.NoError(t, err)

	_, err = svc.Generate(context.Background(), "hello")
	require.Error(t, err)
}

func TestTagService_FiltersMalformedAndInvalidTags(t *testing.T) {
	extract := func(ctx context.Context, text string, ontology []string) ([]string, error) {
		return []string{
			"science:physics",
			"Invalid Tag!",
			"a:b:a",        // root == leaf
			"x:x:y",        // duplicate segment
			"science:physics", // duplicate candidate
			"too:many:levels:here:exceeding",
		}, nil
	}
	cb := breaker.New[[]string]("tag", cbConfig(), testTelemetry(t))
	svc := NewTagService(extract, cb, 4)

	tags, err := svc.Extract(context.Background(), "text", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"science:physics"}, tags)
}

func TestPropositionService_FiltersMetaResponsesAndShortLines(t *testing.T) {
	extract := func(ctx context.Context, text string) ([]string, error) {
		return []string{
			"- The sky is blue during the day.\n* Please provide more context.\n1. Water boils at 100 degrees Celsius.\nhi",
		}, nil
	}
	cb := breaker.New[[]string]("proposition", cbConfig(), testTelemetry(t))
	svc := NewPropositionService(extract, cb, 10, 1000, 3)

	props, err := svc.Extract(context.Background(), "text")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"The sky is blue during the day.",
		"Water boils at 100 degrees Celsius.",
	}, props)
}
