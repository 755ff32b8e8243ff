package sqlbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeEmbedding_RejectsEmpty(t *testing.T) {
	_, err := SanitizeEmbedding(nil)
	require.Error(t, err)
}

func TestSanitizeEmbedding_RejectsNonFinite(t *testing.T) {
	_, err := SanitizeEmbedding([]float32{1, float32(nan()), 3})
	require.Error(t, err)
}

func TestSanitizeEmbedding_RendersVectorLiteral(t *testing.T) {
	out, err := SanitizeEmbedding([]float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3]", out)
}

func TestPadEmbedding(t *testing.T) {
	padded := PadEmbedding([]float32{1, 2}, 5)
	assert.Equal(t, []float32{1, 2, 0, 0, 0}, padded)

	unchanged := PadEmbedding([]float32{1, 2, 3, 4, 5, 6}, 5)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, unchanged)
}

func TestParseEmbeddingText_RoundTripsSanitizeEmbedding(t *testing.T) {
	literal, err := SanitizeEmbedding([]float32{1, 2.5, -3})
	require.NoError(t, err)

	parsed, err := ParseEmbeddingText(literal)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, parsed)
}

func TestParseEmbeddingText_EmptyIsNil(t *testing.T) {
	parsed, err := ParseEmbeddingText("")
	require.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestSanitizeLikePattern(t *testing.T) {
	assert.Equal(t, `50\%\_off`, SanitizeLikePattern(`50%_off`))
}

func nan() float64 {
	var zero float64
	return zero / zero
}
