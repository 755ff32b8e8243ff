// Package extractors defines the contracts for the three external
// collaborators the spec names in §4.4/§6: embedding, tag, and
// proposition extraction. Each wraps an injected callable (the real
// vendor client lives outside this module, §1 Non-goals) under circuit
// breaker protection, validates the response, and returns a typed value.
// The interface shape (small contract + breaker + cache) is grounded on
// other_examples' developer-mesh embedding cache interfaces and the
// teacher's domain/services similarity/text-analyzer pairing of a pure
// contract with a validating default implementation.
package extractors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"htm/internal/breaker"
	appErrors "htm/pkg/errors"
)

// Embedder is the external `embed(text) -> float[]` collaborator (spec
// §6). Length must fall within [1, max_embedding_dimension].
type Embedder func(ctx context.Context, text string) ([]float32, error)

// TagExtractorFunc is the external `extract_tags(text, existing_ontology)
// -> string[]` collaborator.
type TagExtractorFunc func(ctx context.Context, text string, existingOntology []string) ([]string, error)

// PropositionExtractorFunc is the external `extract_propositions(text) ->
// string[]` collaborator.
type PropositionExtractorFunc func(ctx context.Context, text string) ([]string, error)

// TokenCounter is the external `count_tokens(text) -> int` collaborator.
type TokenCounter func(text string) int

// ============================================================================
// EmbeddingService
// ============================================================================

// EmbeddingService wraps an injected Embedder under circuit-breaker
// protection and caches responses by SHA-256(text) in an LRU, recording
// hit/miss stats as spec §4.4 allows.
type EmbeddingService struct {
	embed   Embedder
	cb      *breaker.Breaker[[]float32]
	cache   *lru.Cache[string, []float32]
	onHit   func()
	onMiss  func()
}

// NewEmbeddingService builds an EmbeddingService. cacheSize <= 0 disables
// caching.
func NewEmbeddingService(embed Embedder, cb *breaker.Breaker[[]float32], cacheSize int, onHit, onMiss func()) (*EmbeddingService, error) {
	svc := &EmbeddingService{embed: embed, cb: cb, onHit: onHit, onMiss: onMiss}
	if cacheSize > 0 {
		c, err := lru.New[string, []float32](cacheSize)
		if err != nil {
			return nil, err
		}
		svc.cache = c
	}
	return svc, nil
}

// Generate returns a non-empty numeric vector for text, or an
// EMBEDDING_FAILED / CIRCUIT_OPEN error.
func (s *EmbeddingService) Generate(ctx context.Context, text string) ([]float32, error) {
	key := sha256Hex(text)
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			if s.onHit != nil {
				s.onHit()
			}
			return v, nil
		}
		if s.onMiss != nil {
			s.onMiss()
		}
	}

	vec, err := s.cb.Call(ctx, func(ctx context.Context) ([]float32, error) {
		v, err := s.embed(ctx, text)
		if err != nil {
			return nil, appErrors.NewEmbeddingFailed("embedding call failed", err)
		}
		if len(v) == 0 {
			return nil, appErrors.NewEmbeddingFailed("embedding response was empty", nil)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Add(key, vec)
	}
	return vec, nil
}

func sha256Hex(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
// TagService
// ============================================================================

var tagCandidatePattern = regexp.MustCompile(`^[a-z0-9\-]+(:[a-z0-9\-]+)*$`)

// TagService wraps an injected TagExtractorFunc, filtering the response
// to well-formed hierarchical tags (spec §4.4).
type TagService struct {
	extract     TagExtractorFunc
	cb          *breaker.Breaker[[]string]
	maxTagDepth int
}

func NewTagService(extract TagExtractorFunc, cb *breaker.Breaker[[]string], maxTagDepth int) *TagService {
	return &TagService{extract: extract, cb: cb, maxTagDepth: maxTagDepth}
}

// Extract proposes tags from text, filtering candidates by the pattern
// `^[a-z0-9-]+(:[a-z0-9-]+)*$`, rejecting depth >= maxTagDepth, root==leaf
// tags (when depth > 1), and duplicate segments, then deduplicating.
func (s *TagService) Extract(ctx context.Context, text string, existingOntology []string) ([]string, error) {
	candidates, err := s.cb.Call(ctx, func(ctx context.Context) ([]string, error) {
		v, err := s.extract(ctx, text, existingOntology)
		if err != nil {
			return nil, appErrors.NewTagFailed("tag extraction failed", err)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(candidates))
	var out []string
	for _, tag := range candidates {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		if !tagCandidatePattern.MatchString(tag) {
			continue
		}
		segments := strings.Split(tag, ":")
		if len(segments) >= s.maxTagDepth {
			continue
		}
		if len(segments) > 1 && segments[0] == segments[len(segments)-1] {
			continue
		}
		if hasDuplicateSegment(segments) {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out, nil
}

func hasDuplicateSegment(segments []string) bool {
	seen := make(map[string]bool, len(segments))
	for _, seg := range segments {
		if seen[seg] {
			return true
		}
		seen[seg] = true
	}
	return false
}

// ============================================================================
// PropositionService
// ============================================================================

var metaResponsePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)please provide`),
	regexp.MustCompile(`(?i)i need the text`),
	regexp.MustCompile(`(?i)i don't have (access to|enough context)`),
	regexp.MustCompile(`(?i)as an ai`),
}

var bulletPrefix = regexp.MustCompile(`^\s*([-*\x{2022}]|\d+\.)\s*`)

// PropositionService wraps an injected PropositionExtractorFunc, parsing
// newline-separated output, stripping bullet markers, filtering out
// meta-responses, and enforcing min/max length and min word count (spec
// §4.4).
type PropositionService struct {
	extract   PropositionExtractorFunc
	cb        *breaker.Breaker[[]string]
	minLength int
	maxLength int
	minWords  int
}

func NewPropositionService(extract PropositionExtractorFunc, cb *breaker.Breaker[[]string], minLength, maxLength, minWords int) *PropositionService {
	return &PropositionService{extract: extract, cb: cb, minLength: minLength, maxLength: maxLength, minWords: minWords}
}

func (s *PropositionService) Extract(ctx context.Context, text string) ([]string, error) {
	raw, err := s.cb.Call(ctx, func(ctx context.Context) ([]string, error) {
		v, err := s.extract(ctx, text)
		if err != nil {
			return nil, appErrors.NewPropositionFailed("proposition extraction failed", err)
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, r := range raw {
		lines = append(lines, strings.Split(r, "\n")...)
	}

	seen := make(map[string]bool, len(lines))
	var out []string
	for _, line := range lines {
		line = bulletPrefix.ReplaceAllString(strings.TrimSpace(line), "")
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		if isMetaResponse(line) {
			continue
		}
		if len(line) < s.minLength || len(line) > s.maxLength {
			continue
		}
		if wordCount(line) < s.minWords {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out, nil
}

func isMetaResponse(line string) bool {
	for _, p := range metaResponsePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
