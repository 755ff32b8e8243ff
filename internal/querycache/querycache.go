// Package querycache implements the LRU+TTL query-result cache shared by
// LongTermMemory (spec §4.7). There is no single teacher file that already
// does method-selective invalidation; the wrapping style here is original
// to the spec, built atop github.com/hashicorp/golang-lru/v2, the same LRU
// library seen across the retrieved pack (AKJUS-bsc-erigon, evalgo-org-eve,
// and several other_examples memory-service manifests).
package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"htm/pkg/observability"
)

// Method names the cacheable LongTermMemory search operations. Keying by
// method lets InvalidateMethods drop only {search, fulltext, hybrid}
// entries on writes while preserving tag-related cached queries.
type Method string

const (
	MethodSearch   Method = "search"
	MethodFulltext Method = "fulltext"
	MethodHybrid   Method = "hybrid"
)

type entry struct {
	method    Method
	value     any
	expiresAt time.Time
}

// Cache is an LRU+TTL cache keyed by (method, normalized args...).
type Cache struct {
	mu      sync.Mutex
	lru     *lru.Cache[string, entry]
	ttl     time.Duration
	hits    int64
	misses  int64
	tel     *observability.Telemetry
	cacheID string
}

// New builds a Cache with the given max size and default entry TTL.
func New(maxSize int, ttl time.Duration, tel *observability.Telemetry, cacheID string) (*Cache, error) {
	backing, err := lru.New[string, entry](maxSize)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: backing, ttl: ttl, tel: tel, cacheID: cacheID}, nil
}

// Fetch returns the cached value for (method, args...) if present and not
// expired; otherwise it calls compute, stores the result, and returns it.
func (c *Cache) Fetch(method Method, args []any, compute func() (any, error)) (any, error) {
	key := Key(method, args)

	c.mu.Lock()
	if e, ok := c.lru.Get(key); ok {
		if time.Now().Before(e.expiresAt) {
			c.hits++
			c.mu.Unlock()
			if c.tel != nil {
				c.tel.RecordCacheHit(c.cacheID)
			}
			return e.value, nil
		}
		c.lru.Remove(key)
	}
	c.misses++
	c.mu.Unlock()
	if c.tel != nil {
		c.tel.RecordCacheMiss(c.cacheID)
	}

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lru.Add(key, entry{method: method, value: value, expiresAt: time.Now().Add(c.ttl)})
	c.mu.Unlock()

	return value, nil
}

// InvalidateMethods removes every cached entry for the given methods,
// preserving entries for methods not named (spec invariant 11: writes
// invalidate only {search, fulltext, hybrid}, never tag-related entries).
func (c *Cache) InvalidateMethods(methods ...Method) {
	want := make(map[Method]bool, len(methods))
	for _, m := range methods {
		want[m] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && want[e.method] {
			c.lru.Remove(key)
		}
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.hits = 0
	c.misses = 0
}

// Stats reports cumulative hit/miss counters and current size.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Size    int
}

func (c *Cache) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{Hits: c.hits, Misses: c.misses, HitRate: rate, Size: c.lru.Len()}
}

// Key deterministically normalizes (method, args) into a cache key,
// encoding each argument with its Go type to prevent collisions between,
// e.g., a string "5" and an int 5, and sorting map keys for stable output.
func Key(method Method, args []any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s", method)
	for _, a := range args {
		fmt.Fprintf(h, "|%s", normalize(a))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(v any) string {
	switch val := v.(type) {
	case nil:
		return "nil"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "map{"
		for _, k := range keys {
			out += fmt.Sprintf("%s:%s,", k, normalize(val[k]))
		}
		return out + "}"
	case []string:
		sorted := append([]string(nil), val...)
		sort.Strings(sorted)
		return fmt.Sprintf("strs%v", sorted)
	case []any:
		out := "arr["
		for _, item := range val {
			out += normalize(item) + ","
		}
		return out + "]"
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}
