package domain

import (
	"regexp"
	"strings"

	appErrors "htm/pkg/errors"
)

// Tag is a hierarchical, colon-separated taxonomy entry, e.g. "a:b:c".
type Tag struct {
	ID   string
	Name string
}

// NodeTag joins a Node to a Tag.
type NodeTag struct {
	NodeID string
	TagID  string
}

var tagSegmentPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// ValidateTagName checks a tag name against the hierarchical-segment rules:
// lowercase `[a-z0-9-]+` segments joined by `:`, no duplicate segments, the
// first segment must differ from the last when depth > 1, and depth must
// not exceed maxDepth.
func ValidateTagName(name string, maxDepth int) error {
	if name == "" {
		return appErrors.NewValidation("tag name must not be empty")
	}
	segments := strings.Split(name, ":")
	if len(segments) > maxDepth {
		return appErrors.NewValidation("tag depth exceeds maximum")
	}
	seen := make(map[string]bool, len(segments))
	for _, seg := range segments {
		if !tagSegmentPattern.MatchString(seg) {
			return appErrors.NewValidation("tag segment has invalid characters: " + seg)
		}
		if seen[seg] {
			return appErrors.NewValidation("tag has duplicate segment: " + seg)
		}
		seen[seg] = true
	}
	if len(segments) > 1 && segments[0] == segments[len(segments)-1] {
		return appErrors.NewValidation("tag first and last segment must differ")
	}
	return nil
}

// AncestorPrefixes returns every ancestor prefix tag of name, including name
// itself, ordered from the root segment down ("a", "a:b", "a:b:c").
func AncestorPrefixes(name string) []string {
	segments := strings.Split(name, ":")
	prefixes := make([]string, 0, len(segments))
	for i := range segments {
		prefixes = append(prefixes, strings.Join(segments[:i+1], ":"))
	}
	return prefixes
}

// SanitizeTagRegex is the pattern an extracted tag candidate must satisfy.
var SanitizeTagRegex = tagSegmentPrefixedPattern()

func tagSegmentPrefixedPattern() *regexp.Regexp {
	return regexp.MustCompile(`^[a-z0-9\-]+(:[a-z0-9\-]+)*$`)
}

// WeightedHierarchicalJaccard scores the similarity between two tag sets,
// weighting each pairwise comparison by the specificity (inverse depth) of
// the more specific tag.
//
// Fast path: if a and b contain exactly the same tags, the score is 1.0.
// Otherwise each tag is split on ':' and indexed by its root segment so
// only tags that plausibly share an ancestor are compared; if nothing
// shares a root, every pair is compared (the fallback named in spec).
func WeightedHierarchicalJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if sameSet(a, b) {
		return 1.0
	}

	splitA := splitTags(a)
	splitB := splitTags(b)

	byRoot := make(map[string][]([]string), len(splitB))
	for _, pb := range splitB {
		root := pb[0]
		byRoot[root] = append(byRoot[root], pb)
	}

	var scoreSum, weightSum float64
	for _, pa := range splitA {
		candidates := byRoot[pa[0]]
		if len(candidates) == 0 {
			candidates = splitB
		}
		for _, pb := range candidates {
			sim, weight := pairwiseTagSimilarity(pa, pb)
			scoreSum += sim * weight
			weightSum += weight
		}
	}

	if weightSum == 0 {
		return 0
	}
	return scoreSum / weightSum
}

func pairwiseTagSimilarity(pa, pb []string) (sim, weight float64) {
	maxLen := len(pa)
	if len(pb) > maxLen {
		maxLen = len(pb)
	}
	if maxLen == 0 {
		return 0, 0
	}
	common := commonPrefixDepth(pa, pb)
	return float64(common) / float64(maxLen), 1.0 / float64(maxLen)
}

func commonPrefixDepth(pa, pb []string) int {
	n := len(pa)
	if len(pb) < n {
		n = len(pb)
	}
	depth := 0
	for i := 0; i < n; i++ {
		if pa[i] != pb[i] {
			break
		}
		depth++
	}
	return depth
}

func splitTags(tags []string) [][]string {
	out := make([][]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, strings.Split(t, ":"))
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	for _, t := range b {
		if !setA[t] {
			return false
		}
	}
	return true
}
