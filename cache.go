package main

import (
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
	hits      int
}

func (e *cacheEntry[V]) age(now time.Time) time.Duration {
	return now.Sub(e.createdAt)
}

func (e *cacheEntry[V]) expired(now time.Time) bool {
	return e.age(now) > e.ttl
}

// CacheStats is the snapshot returned by Cache.Stats.
type CacheStats struct {
	Entries    int     `json:"entries"`
	Hits       int     `json:"hits"`
	Misses     int     `json:"misses"`
	HitRate    float64 `json:"hitRate"`
	DefaultTTL float64 `json:"defaultTtl"`
}

// Cache is an in-memory TTL cache. Entries are evicted lazily on access; call
// CleanupExpired for a deterministic sweep.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry[V]
	defaultTTL time.Duration
	hits       int
	misses     int

	now func() time.Time
}

func NewCache[V any](defaultTTL time.Duration) *Cache[V] {
	return &Cache[V]{
		entries:    make(map[string]*cacheEntry[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the cached value for key, if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if entry.expired(c.now()) {
		delete(c.entries, key)
		c.misses++
		return zero, false
	}
	entry.hits++
	c.hits++
	return entry.value, true
}

// GetWithAge returns the value and how old it is, for staleness reporting.
func (c *Cache[V]) GetWithAge(key string) (V, time.Duration, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return zero, 0, false
	}
	now := c.now()
	if entry.expired(now) {
		delete(c.entries, key)
		return zero, 0, false
	}
	entry.hits++
	c.hits++
	return entry.value, entry.age(now), true
}

// Set stores value under key. A ttl of 0 uses the cache default.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry[V]{
		value:     value,
		createdAt: c.now(),
		ttl:       ttl,
	}
}

func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		return true
	}
	return false
}

// Clear removes every entry and returns how many were dropped.
func (c *Cache[V]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := len(c.entries)
	c.entries = make(map[string]*cacheEntry[V])
	return count
}

// CleanupExpired sweeps all expired entries and returns the count removed.
func (c *Cache[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Entries:    len(c.entries),
		Hits:       c.hits,
		Misses:     c.misses,
		HitRate:    rate,
		DefaultTTL: c.defaultTTL.Seconds(),
	}
}

// RateLimiter tracks request timestamps in a sliding window so we stay under
// Torn's 100 requests/minute API limit.
type RateLimiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	requests    []time.Time

	now func() time.Time
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// CanRequest reports whether another request fits in the current window.
func (rl *RateLimiter) CanRequest() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupLocked()
	return len(rl.requests) < rl.maxRequests
}

// RecordRequest marks that a request was just made.
func (rl *RateLimiter) RecordRequest() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.requests = append(rl.requests, rl.now())
}

// RequestsRemaining reports how many more requests fit in the current window.
func (rl *RateLimiter) RequestsRemaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupLocked()
	remaining := rl.maxRequests - len(rl.requests)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WaitTime returns how long to wait until the next request is safe. Zero when
// the window has room.
func (rl *RateLimiter) WaitTime() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupLocked()
	if len(rl.requests) < rl.maxRequests {
		return 0
	}
	oldest := rl.requests[0]
	for _, t := range rl.requests[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	wait := oldest.Add(rl.window).Sub(rl.now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (rl *RateLimiter) cleanupLocked() {
	cutoff := rl.now().Add(-rl.window)
	kept := rl.requests[:0]
	for _, t := range rl.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rl.requests = kept
}
