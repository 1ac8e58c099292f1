// SPDX-License-Identifier: MIT

// Package cache provides TTL caching for symbolication state: an in-memory
// tier for parsed image mappings and an optional Redis tier for shared
// frame results.
package cache

import (
	"sync"
	"time"
)

// Cache is a thread-safe cache with per-entry expiration.
type Cache interface {
	// Get retrieves a value. Returns false if absent or expired.
	Get(key string) (any, bool)
	// Set stores a value with the given TTL.
	Set(key string, value any, ttl time.Duration)
	// Delete removes a value.
	Delete(key string)
	// Clear removes all values.
	Clear()
	// Stats returns cache counters.
	Stats() Stats
}

// Stats holds cache performance counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

type entry struct {
	value      any
	expiration time.Time
}

func (e *entry) expired() bool {
	return !e.expiration.IsZero() && time.Now().After(e.expiration)
}

type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats
	janitor *janitor
}

// NewMemory creates an in-memory cache. A positive cleanupInterval starts a
// background janitor that removes expired entries; Stop shuts it down.
func NewMemory(cleanupInterval time.Duration) Cache {
	c := &memoryCache{
		entries: make(map[string]*entry),
	}
	if cleanupInterval > 0 {
		c.janitor = &janitor{
			interval: cleanupInterval,
			stop:     make(chan struct{}),
		}
		go c.janitor.run(c)
	}
	return c
}

func (c *memoryCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[key]
	if !found || e.expired() {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.value, true
}

func (c *memoryCache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expiration = time.Now().Add(ttl)
	}
	c.entries[key] = e
	c.stats.Sets++
}

func (c *memoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *memoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

func (c *memoryCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

func (c *memoryCache) deleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, e := range c.entries {
		if e.expired() {
			delete(c.entries, key)
			count++
		}
	}
	c.stats.Evictions += int64(count)
	return count
}

// Stop stops the background janitor.
func (c *memoryCache) Stop() {
	if c.janitor != nil {
		c.janitor.stop <- struct{}{}
	}
}

type janitor struct {
	interval time.Duration
	stop     chan struct{}
}

func (j *janitor) run(c *memoryCache) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-j.stop:
			return
		}
	}
}

type noOpCache struct{}

// NewNoOp creates a cache that stores nothing, for disabling caching.
func NewNoOp() Cache {
	return &noOpCache{}
}

func (c *noOpCache) Get(key string) (any, bool)                   { return nil, false }
func (c *noOpCache) Set(key string, value any, ttl time.Duration) {}
func (c *noOpCache) Delete(key string)                            {}
func (c *noOpCache) Clear()                                       {}
func (c *noOpCache) Stats() Stats                                 { return Stats{} }
