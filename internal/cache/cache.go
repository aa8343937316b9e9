// Package cache implements the two-tier semantic query-result cache: an
// exact-match tier keyed by normalized query text and a similarity tier
// keyed by a coarse hash bucket of a token-hashed query fingerprint, both
// backed by github.com/hashicorp/golang-lru/v2 for thread-safe LRU
// eviction, with TTL expiry layered on top via entry timestamps.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config controls cache capacity, TTL, and which tiers are active.
type Config struct {
	MaxEntries            int
	TTLSeconds            int64
	SimilarityThreshold   float64
	EnableExactMatch      bool
	EnableSimilarityMatch bool
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.95
	}
	return c
}

// Entry is one cached query result.
type Entry struct {
	Query            string
	Fingerprint      []float32
	Result           []byte
	CreatedAtMillis  int64
	LastAccessMillis int64
	AccessCount      uint64
}

func (e *Entry) expired(now int64, ttlSeconds int64) bool {
	if ttlSeconds <= 0 {
		return false
	}
	return now-e.CreatedAtMillis >= ttlSeconds*1000
}

// Stats summarizes current cache occupancy and hit/miss counters.
type Stats struct {
	ExactEntries      int
	SimilarityBuckets int
	Hits              uint64
	Misses            uint64
}

// Cache is the thread-safe semantic cache. The zero value is not usable;
// construct with NewCache.
type Cache struct {
	cfg Config
	mu  sync.Mutex

	exact   *lru.Cache[string, *Entry]
	buckets *lru.Cache[uint64, []*Entry]

	hits   uint64
	misses uint64
}

// NewCache creates a cache with the given policy.
func NewCache(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	exact, _ := lru.New[string, *Entry](cfg.MaxEntries)
	buckets, _ := lru.New[uint64, []*Entry](cfg.MaxEntries)
	return &Cache{cfg: cfg, exact: exact, buckets: buckets}
}

// Put stores result under query, replacing any existing entry for the
// same query text.
func (c *Cache) Put(query string, result []byte, nowMillis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fp := Fingerprint(query)
	entry := &Entry{
		Query:            query,
		Fingerprint:      fp,
		Result:           result,
		CreatedAtMillis:  nowMillis,
		LastAccessMillis: nowMillis,
	}

	if c.cfg.EnableExactMatch {
		c.exact.Add(query, entry)
	}
	if c.cfg.EnableSimilarityMatch {
		bucket := simHashBucket(fp)
		existing, _ := c.buckets.Get(bucket)
		kept := make([]*Entry, 0, len(existing)+1)
		for _, cand := range existing {
			if cand.Query != query {
				kept = append(kept, cand)
			}
		}
		kept = append(kept, entry)
		c.buckets.Add(bucket, kept)
	}
}

// Get looks up a cached result for query: first by exact text match, then
// (if enabled) by fingerprint similarity within the matching hash bucket.
// Expired entries are treated as misses and removed.
func (c *Cache) Get(query string, nowMillis int64) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.EnableExactMatch {
		if e, ok := c.exact.Get(query); ok {
			if e.expired(nowMillis, c.cfg.TTLSeconds) {
				c.exact.Remove(query)
			} else {
				e.LastAccessMillis = nowMillis
				e.AccessCount++
				c.hits++
				return e, true
			}
		}
	}

	if c.cfg.EnableSimilarityMatch {
		fp := Fingerprint(query)
		bucket := simHashBucket(fp)
		if candidates, ok := c.buckets.Get(bucket); ok {
			var best *Entry
			bestSim := c.cfg.SimilarityThreshold
			live := candidates[:0]
			for _, cand := range candidates {
				if cand.expired(nowMillis, c.cfg.TTLSeconds) {
					continue
				}
				live = append(live, cand)
				sim := cosineSimilarity(fp, cand.Fingerprint)
				if sim >= bestSim {
					bestSim = sim
					best = cand
				}
			}
			c.buckets.Add(bucket, live)
			if best != nil {
				best.LastAccessMillis = nowMillis
				best.AccessCount++
				c.hits++
				return best, true
			}
		}
	}

	c.misses++
	return nil, false
}

// Remove evicts the entry for query from both tiers, if present.
func (c *Cache) Remove(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exact.Remove(query)
	bucket := simHashBucket(Fingerprint(query))
	if candidates, ok := c.buckets.Peek(bucket); ok {
		live := make([]*Entry, 0, len(candidates))
		for _, cand := range candidates {
			if cand.Query != query {
				live = append(live, cand)
			}
		}
		if len(live) == 0 {
			c.buckets.Remove(bucket)
		} else {
			c.buckets.Add(bucket, live)
		}
	}
}

// EvictLRU drops the single least-recently-used entry of the exact tier,
// together with the same entry in the similarity tier, reporting whether
// an entry was evicted.
func (c *Cache) EvictLRU() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, evicted, ok := c.exact.RemoveOldest()
	if !ok {
		return false
	}
	bucket := simHashBucket(evicted.Fingerprint)
	if candidates, found := c.buckets.Peek(bucket); found {
		live := make([]*Entry, 0, len(candidates))
		for _, cand := range candidates {
			if cand != evicted {
				live = append(live, cand)
			}
		}
		if len(live) == 0 {
			c.buckets.Remove(bucket)
		} else {
			c.buckets.Add(bucket, live)
		}
	}
	return true
}

// EvictExpired removes every entry (in both tiers) whose TTL has
// elapsed, returning the number removed.
func (c *Cache) EvictExpired(nowMillis int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.exact.Keys() {
		e, ok := c.exact.Peek(key)
		if ok && e.expired(nowMillis, c.cfg.TTLSeconds) {
			c.exact.Remove(key)
			removed++
		}
	}
	for _, bucket := range c.buckets.Keys() {
		candidates, ok := c.buckets.Peek(bucket)
		if !ok {
			continue
		}
		live := make([]*Entry, 0, len(candidates))
		for _, cand := range candidates {
			if cand.expired(nowMillis, c.cfg.TTLSeconds) {
				removed++
				continue
			}
			live = append(live, cand)
		}
		if len(live) == 0 {
			c.buckets.Remove(bucket)
		} else {
			c.buckets.Add(bucket, live)
		}
	}
	return removed
}

// Clear drops every entry in both tiers and resets hit/miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exact.Purge()
	c.buckets.Purge()
	c.hits = 0
	c.misses = 0
}

// GetStats reports current occupancy and cumulative hit/miss counts.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ExactEntries:      c.exact.Len(),
		SimilarityBuckets: c.buckets.Len(),
		Hits:              c.hits,
		Misses:            c.misses,
	}
}
