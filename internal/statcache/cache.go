// Parcelguard - Package Forwarding Back Office Security & Audit Monitoring
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/parcelguard

// Package statcache provides the read-through statistics cache serving
// pre-aggregated audit counts to dashboards and reports. TTL is a property
// of the caller's request, so different call sites may cache the same
// computation with different lifetimes.
package statcache

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/tomtom215/parcelguard/internal/metrics"
)

// entry is a cached value with its expiry.
type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a thread-safe in-memory cache with per-entry TTL and
// prefix invalidation.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	// name labels this cache in metrics.
	name string

	// now is injectable for tests.
	now func() time.Time
}

// New creates a cache. name labels the cache in metrics.
func New(name string) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		name:    name,
		now:     time.Now,
	}
}

// GetOrCompute returns the cached value for key if present and unexpired;
// otherwise it calls compute synchronously, stores the result with the given
// TTL, and returns it. Compute errors are returned without caching.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, compute func() (any, error)) (any, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.Set(key, value, ttl)
	return value, nil
}

// Get returns the value for key if present and unexpired.
// A read never returns a value past its TTL.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}

	if !c.now().Before(e.expiresAt) {
		c.mu.Lock()
		// Re-check: a concurrent Set may have refreshed the entry.
		if cur, ok := c.entries[key]; ok && !c.now().Before(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		metrics.CacheMisses.WithLabelValues(c.name).Inc()
		return nil, false
	}

	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return e.value, true
}

// Set stores a value with the given TTL, overwriting any existing entry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
}

// Invalidate removes the entry with the exact key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePrefix removes all entries whose key starts with prefix and
// returns how many were removed. Called after any write that could change
// an aggregate's truth.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of entries, including any not yet swept expired ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries. Run periodically for memory hygiene;
// correctness never depends on it because Get checks expiry.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// GenerateKey creates a deterministic cache key from a statistic name and
// its filter parameters. Equal parameters always map to the same key.
func GenerateKey(name string, params any) string {
	data, err := json.Marshal(params)
	if err != nil {
		// Fallback for unmarshalable params
		return fmt.Sprintf("%s:%v", name, params)
	}
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", name, hash[:16])
}
