// Package cache stores details documents that the resolution engine has
// already fetched, keyed by channel and package name. Only found documents
// are stored; absence is always re-checked upstream.
package cache

import (
	"context"
	"sync"
	"time"

	"sniff/internal/channel"
	"sniff/internal/models"
)

// DefaultTTL is used when a cache is built without an explicit TTL.
const DefaultTTL = 5 * time.Minute

type memoryKey struct {
	channel channel.Channel
	pkg     string
}

type memoryEntry struct {
	doc       models.DetailsDocument
	expiresAt time.Time
}

// MemoryDetailsCache keeps documents in-process. It is safe for concurrent
// use and intended for single-instance deployments.
type MemoryDetailsCache struct {
	mu      sync.RWMutex
	entries map[memoryKey]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryDetailsCache constructs an in-memory cache holding entries for ttl.
func NewMemoryDetailsCache(ttl time.Duration) *MemoryDetailsCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryDetailsCache{
		entries: make(map[memoryKey]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached document when present and not expired.
func (c *MemoryDetailsCache) Get(_ context.Context, ch channel.Channel, packageName string) (models.DetailsDocument, bool, error) {
	key := memoryKey{channel: ch, pkg: packageName}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return models.DetailsDocument{}, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return models.DetailsDocument{}, false, nil
	}
	return entry.doc, true, nil
}

// Set stores doc for the cache TTL.
func (c *MemoryDetailsCache) Set(_ context.Context, ch channel.Channel, packageName string, doc models.DetailsDocument) error {
	c.mu.Lock()
	c.entries[memoryKey{channel: ch, pkg: packageName}] = memoryEntry{doc: doc, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// PurgeExpired drops every entry that has expired by now and returns how
// many were removed.
func (c *MemoryDetailsCache) PurgeExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryDetailsCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Ping always reports success for the in-memory cache.
func (c *MemoryDetailsCache) Ping(context.Context) error {
	return nil
}
