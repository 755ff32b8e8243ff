// Package sqlbuilder centralizes the parameterized SQL-fragment helpers
// used by every LongTermMemory query path (spec §4.8): embedding
// sanitize/pad, LIKE-pattern escaping, and timeframe/metadata filter
// fragments. Grounded on the teacher's internal/repository query-builder
// convention (parameterized expression construction), adapted from
// DynamoDB expression-builder style to Postgres SQL fragments since the
// spec's vector/tsvector/trigram/JSON operators need raw SQL that an ORM
// would fight.
package sqlbuilder

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	appErrors "htm/pkg/errors"
)

// SanitizeEmbedding validates vec and renders it as a Postgres vector
// literal "[v1,v2,...]". It rejects an empty vector and any non-finite
// value, naming the offending indices in the error.
func SanitizeEmbedding(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", appErrors.NewValidation("embedding must not be empty")
	}

	var badIndices []int
	for i, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			badIndices = append(badIndices, i)
		}
	}
	if len(badIndices) > 0 {
		return "", appErrors.NewValidation(fmt.Sprintf("embedding has non-finite values at indices %v", badIndices))
	}

	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String(), nil
}

// PadEmbedding zero-pads vec to target length if shorter; longer vectors
// are returned unchanged (the spec never truncates — see Open Question 1
// in DESIGN.md).
func PadEmbedding(vec []float32, target int) []float32 {
	if len(vec) >= target {
		return vec
	}
	padded := make([]float32, target)
	copy(padded, vec)
	return padded
}

// ParseEmbeddingText parses a Postgres vector literal "[v1,v2,...]" (as
// returned by `embedding::text`) back into a float32 slice. Returns nil,
// nil for an empty/NULL string (no embedding stored yet).
func ParseEmbeddingText(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return []float32{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &f); err != nil {
			return nil, appErrors.NewDatabase("malformed embedding literal", err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// SanitizeLikePattern escapes %, _, and \ so s is safe to embed (with
// bind-parameter substitution) in a LIKE/ILIKE pattern.
func SanitizeLikePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// TimeRange is a closed interval [Start, End] used by timeframe filters.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// TimeframeCondition returns a parameterized SQL fragment and its bind
// arguments for filtering column (qualified by alias, if non-empty)
// against tf, which may be nil (no filter), a single TimeRange, or a slice
// of TimeRange (OR'd together). paramOffset is the number to start
// numbering $N placeholders from (1-based).
func TimeframeCondition(tf any, alias, column string, paramOffset int) (string, []any) {
	qualified := column
	if alias != "" {
		qualified = alias + "." + column
	}

	switch v := tf.(type) {
	case nil:
		return "", nil
	case TimeRange:
		return fmt.Sprintf("(%s BETWEEN $%d AND $%d)", qualified, paramOffset, paramOffset+1),
			[]any{v.Start, v.End}
	case []TimeRange:
		if len(v) == 0 {
			return "", nil
		}
		var clauses []string
		var args []any
		n := paramOffset
		for _, r := range v {
			clauses = append(clauses, fmt.Sprintf("(%s BETWEEN $%d AND $%d)", qualified, n, n+1))
			args = append(args, r.Start, r.End)
			n += 2
		}
		return "(" + strings.Join(clauses, " OR ") + ")", args
	default:
		return "", nil
	}
}

// MetadataCondition returns a JSON-containment fragment `(column @>
// ?::jsonb)` for non-empty m, or "" if m is empty.
func MetadataCondition(m map[string]any, alias, column string, paramIndex int) (string, []any, error) {
	if len(m) == 0 {
		return "", nil, nil
	}
	qualified := column
	if alias != "" {
		qualified = alias + "." + column
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", nil, appErrors.NewValidation("invalid metadata: " + err.Error())
	}
	return fmt.Sprintf("(%s @> $%d::jsonb)", qualified, paramIndex), []any{string(data)}, nil
}
