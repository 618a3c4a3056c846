package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

type memoryCount struct {
	count     int
	expiresAt time.Time
}

// MemoryCache is a process-local cache for single-node deployments and
// tests. Expiry is checked lazily on read.
type MemoryCache struct {
	mu       sync.RWMutex
	entries  map[string]memoryItem
	counts   map[string]memoryCount
	entryTTL time.Duration
	countTTL time.Duration
	now      func() time.Time
}

// NewMemoryCache builds a memory cache with the given entry TTL. Viewer
// counts use a short fixed TTL so stale counts age out quickly.
func NewMemoryCache(entryTTL time.Duration) *MemoryCache {
	if entryTTL <= 0 {
		entryTTL = 30 * time.Second
	}
	return &MemoryCache{
		entries:  make(map[string]memoryItem),
		counts:   make(map[string]memoryCount),
		entryTTL: entryTTL,
		countTTL: 5 * time.Second,
		now:      time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	item, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(item.expiresAt) {
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryItem{entry: entry, expiresAt: c.now().Add(c.entryTTL)}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) SetViewerCount(ctx context.Context, sessionID string, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[sessionID] = memoryCount{count: count, expiresAt: c.now().Add(c.countTTL)}
	return nil
}

func (c *MemoryCache) ViewerCount(ctx context.Context, sessionID string) (int, bool, error) {
	c.mu.RLock()
	item, ok := c.counts[sessionID]
	c.mu.RUnlock()
	if !ok || c.now().After(item.expiresAt) {
		return 0, false, nil
	}
	return item.count, true, nil
}

func (c *MemoryCache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryItem)
	c.counts = make(map[string]memoryCount)
	return nil
}

var _ Cache = (*MemoryCache)(nil)
