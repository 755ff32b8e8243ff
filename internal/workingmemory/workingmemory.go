// Package workingmemory implements WorkingMemory (spec §4.1): a bounded,
// token-budgeted, per-robot cache with LFU+LRU eviction and multiple
// context-assembly strategies. One instance guards one robot's in-memory
// record set under a single mutex, matching the single-writer/single-reader
// discipline every teacher component uses (application/loaders/batcher.go's
// mutex-guarded pending-state idiom, generalized from per-key batching to a
// per-robot bounded cache).
package workingmemory

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one entry held in a WorkingMemory (spec §4.1).
type Record struct {
	Key          string
	Content      string
	TokenCount   int
	AccessCount  int
	LastAccessed time.Time
	AddedAt      time.Time
	FromRecall   bool
	FromSync     bool
}

func (r Record) ageHours(now time.Time) float64 {
	age := now.Sub(r.AddedAt).Hours()
	if age < 0 {
		age = 0
	}
	return age
}

// evictionScore implements spec §4.1's victim score; lower is more evictable.
func (r Record) evictionScore(now time.Time) float64 {
	return math.Log(1+float64(r.AccessCount)) + 1/(1+r.ageHours(now))
}

// Strategy selects how AssembleContext orders candidate records.
type Strategy string

const (
	StrategyRecent   Strategy = "recent"
	StrategyFrequent Strategy = "frequent"
	StrategyBalanced Strategy = "balanced"
)

// WorkingMemory is a bounded per-robot cache of records, keyed by node id.
type WorkingMemory struct {
	mu        sync.Mutex
	robotID   string
	maxTokens int
	records   map[string]*Record
	logger    *zap.Logger
}

// New builds an empty WorkingMemory for one robot.
func New(robotID string, maxTokens int, logger *zap.Logger) *WorkingMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkingMemory{
		robotID:   robotID,
		maxTokens: maxTokens,
		records:   make(map[string]*Record),
		logger:    logger,
	}
}

// Add inserts or overwrites a record. It never evicts; callers should check
// HasSpace/EvictToMakeSpace first.
func (w *WorkingMemory) Add(key, content string, tokenCount, accessCount int, lastAccessed *time.Time, fromRecall bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.add(key, content, tokenCount, accessCount, lastAccessed, fromRecall, false)
}

// AddFromSync applies a peer's add without treating it as locally originated
// (spec §4.1's sync variants: same mutation, no re-broadcast responsibility
// on the caller's part).
func (w *WorkingMemory) AddFromSync(key, content string, tokenCount, accessCount int, lastAccessed *time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.add(key, content, tokenCount, accessCount, lastAccessed, false, true)
}

func (w *WorkingMemory) add(key, content string, tokenCount, accessCount int, lastAccessed *time.Time, fromRecall, fromSync bool) {
	now := time.Now()
	last := now
	if lastAccessed != nil {
		last = *lastAccessed
	}
	w.records[key] = &Record{
		Key:          key,
		Content:      content,
		TokenCount:   tokenCount,
		AccessCount:  accessCount,
		LastAccessed: last,
		AddedAt:      now,
		FromRecall:   fromRecall,
		FromSync:     fromSync,
	}
}

// Remove removes a record if present; idempotent.
func (w *WorkingMemory) Remove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.records, key)
}

// RemoveFromSync is the sync counterpart of Remove.
func (w *WorkingMemory) RemoveFromSync(key string) {
	w.Remove(key)
}

// ClearFromSync empties the cache without broadcasting a clear event.
func (w *WorkingMemory) ClearFromSync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = make(map[string]*Record)
}

// HasSpace reports whether tokens more tokens fit within max_tokens.
func (w *WorkingMemory) HasSpace(tokens int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTokens()+tokens <= w.maxTokens
}

func (w *WorkingMemory) currentTokens() int {
	total := 0
	for _, r := range w.records {
		total += r.TokenCount
	}
	return total
}

// CurrentTokens returns the sum of token counts currently held.
func (w *WorkingMemory) CurrentTokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTokens()
}

// Size returns the number of records held.
func (w *WorkingMemory) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// EvictToMakeSpace selects victims in ascending eviction-score order and
// removes them until at least neededTokens have been freed (or nothing is
// left), returning the evicted records so the caller can persist side
// effects such as clearing `working_memory` flags in storage.
func (w *WorkingMemory) EvictToMakeSpace(neededTokens int) []Record {
	w.mu.Lock()
	defer w.mu.Unlock()

	if neededTokens <= 0 {
		return nil
	}

	now := time.Now()
	candidates := make([]*Record, 0, len(w.records))
	for _, r := range w.records {
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].evictionScore(now) < candidates[j].evictionScore(now)
	})

	var evicted []Record
	freed := 0
	for _, r := range candidates {
		if freed >= neededTokens {
			break
		}
		delete(w.records, r.Key)
		evicted = append(evicted, *r)
		freed += r.TokenCount
	}

	if len(evicted) > 0 {
		w.logger.Debug("evicted working memory records",
			zap.String("robot_id", w.robotID),
			zap.Int("count", len(evicted)),
			zap.Int("freed_tokens", freed))
	}
	return evicted
}

// AssembleContext concatenates record contents, separated by "\n\n", up to
// maxTokens, ordered by strategy. An item that would push the running total
// over budget is skipped and the next candidate is tried (spec §4.1).
// maxTokens is optional (spec §4.1); when omitted, or given as <= 0, the
// instance's own token budget is used instead.
func (w *WorkingMemory) AssembleContext(strategy Strategy, maxTokens ...int) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	budget := w.maxTokens
	if len(maxTokens) > 0 && maxTokens[0] > 0 {
		budget = maxTokens[0]
	}

	now := time.Now()
	candidates := make([]*Record, 0, len(w.records))
	for _, r := range w.records {
		candidates = append(candidates, r)
	}

	switch strategy {
	case StrategyRecent:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].LastAccessed.After(candidates[j].LastAccessed)
		})
	case StrategyFrequent:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].AccessCount > candidates[j].AccessCount
		})
	case StrategyBalanced:
		sort.Slice(candidates, func(i, j int) bool {
			return balancedScore(candidates[i], now) > balancedScore(candidates[j], now)
		})
	default:
		return "", fmt.Errorf("workingmemory: unknown assembly strategy %q", strategy)
	}

	var parts []string
	total := 0
	for _, r := range candidates {
		if total+r.TokenCount > budget {
			continue
		}
		parts = append(parts, r.Content)
		total += r.TokenCount
	}

	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out, nil
}

func balancedScore(r *Record, now time.Time) float64 {
	return math.Log(1+float64(r.AccessCount)) * 1 / (1 + r.ageHours(now))
}
