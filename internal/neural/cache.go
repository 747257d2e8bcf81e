package neural

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// cacheEntry holds a cached reply alongside the time it was stored, for
// TTL expiry and LRU eviction ordering.
type cacheEntry struct {
	storedAt time.Time
	value    string
}

// CacheStats is a read-only snapshot of ResponseCache counters.
type CacheStats struct {
	TotalEntries int
	TotalUsers   int
	Hits         int64
	Misses       int64
	HitRate      float64
	TTLSeconds   int
	MaxSize      int
}

// ResponseCache memoizes LLM replies per (user, rotating variant) so
// that repeat requests within a short window don't re-hit a backend,
// while still rotating every few requests or after the TTL so cached
// replies don't feel stale.
type ResponseCache struct {
	ttl     time.Duration
	maxSize int

	mu           sync.Mutex
	entries      map[string]cacheEntry
	userSessions map[string]int
	hits         int64
	misses       int64
}

// NewResponseCache constructs a ResponseCache with the standard TTL
// (300s) and max size (100) defaults when zero values are passed.
func NewResponseCache(ttl time.Duration, maxSize int) *ResponseCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ResponseCache{
		ttl:          ttl,
		maxSize:      maxSize,
		entries:      make(map[string]cacheEntry),
		userSessions: make(map[string]int),
	}
}

// GetKey composes a cache key that rotates every three requests from the
// same user, or every five minutes, whichever comes first — enough
// variability to avoid repetition without losing the caching benefit of
// a short-lived burst of identical requests. It increments the user's
// session counter as a side effect.
func (c *ResponseCache) GetKey(userID, basePrompt string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessionCount := c.userSessions[userID]
	c.userSessions[userID] = sessionCount + 1

	variant := fmt.Sprintf("v%d_%d", sessionCount/3, time.Now().Unix()/300)
	return fmt.Sprintf("%s_%s_%s", basePrompt, userID, variant)
}

// Get returns the cached reply for key, or ("", false) on a miss or an
// expired entry (which is evicted immediately).
func (c *ResponseCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return "", false
	}
	if time.Since(entry.storedAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return "", false
	}

	c.hits++
	return entry.value, true
}

// Set stores value under key, triggering a cleanup pass first if the
// cache is already at capacity.
func (c *ResponseCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.cleanupLocked()
	}
	c.entries[key] = cacheEntry{storedAt: time.Now(), value: value}
}

// cleanupLocked drops expired entries, then — if still over capacity —
// trims down to the 80% most recently stored entries (LRU by insertion
// time). Caller must hold c.mu.
func (c *ResponseCache) cleanupLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.entries, key)
		}
	}

	if len(c.entries) < c.maxSize {
		return
	}

	type keyed struct {
		key   string
		entry cacheEntry
	}
	sorted := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		sorted = append(sorted, keyed{k, e})
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].entry.storedAt.Before(sorted[j].entry.storedAt)
	})

	keep := int(float64(c.maxSize) * 0.8)
	if keep < 0 {
		keep = 0
	}
	drop := len(sorted) - keep
	if drop <= 0 {
		return
	}
	for _, item := range sorted[:drop] {
		delete(c.entries, item.key)
	}
}

// Stats returns a snapshot of cache counters and sizing.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}

	return CacheStats{
		TotalEntries: len(c.entries),
		TotalUsers:   len(c.userSessions),
		Hits:         c.hits,
		Misses:       c.misses,
		HitRate:      hitRate,
		TTLSeconds:   int(c.ttl.Seconds()),
		MaxSize:      c.maxSize,
	}
}

// Clear empties the cache and resets all counters, for tests or an
// operator reset command.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.userSessions = make(map[string]int)
	c.hits = 0
	c.misses = 0
}

var dynamicPromptVariants = []string{
	"style drôle",
	"style absurde",
	"style court",
	"pour enfants",
	"pour adultes",
	"avec un jeu de mots",
	"surprise-moi",
}

// DynamicPrompt appends a randomized style hint to basePrompt, nudging
// the backend toward varied phrasing across otherwise-identical requests.
func DynamicPrompt(basePrompt string) string {
	variant := dynamicPromptVariants[rand.Intn(len(dynamicPromptVariants))]
	return basePrompt + " " + variant
}
