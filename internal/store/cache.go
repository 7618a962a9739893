package store

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/memorable-ai/memorable/internal/model"
)

// MemoryCache is an in-process read cache for stored memories. Memory items
// never change after they are stored, so entries are never invalidated.
type MemoryCache struct {
	c *ristretto.Cache[string, *model.MemoryItem]
}

// NewMemoryCache creates a cache bounded by maxCostBytes of approximate
// memory text size.
func NewMemoryCache(maxCostBytes int64) (*MemoryCache, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 32 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *model.MemoryItem]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &MemoryCache{c: c}, nil
}

// Get returns a cached memory.
func (m *MemoryCache) Get(id string) (*model.MemoryItem, bool) {
	return m.c.Get(id)
}

// Set caches a memory. Admission is asynchronous and may be refused.
func (m *MemoryCache) Set(item *model.MemoryItem) {
	m.c.Set(item.ID, item, memoryCost(item))
}

// Wait blocks until pending sets are applied.
func (m *MemoryCache) Wait() {
	m.c.Wait()
}

// Close shuts down the cache and releases resources.
func (m *MemoryCache) Close() {
	m.c.Close()
}

func memoryCost(item *model.MemoryItem) int64 {
	cost := int64(256 + len(item.Text) + len(item.Location) + len(item.Category))
	for _, s := range item.EntityIDs {
		cost += int64(len(s))
	}
	for _, s := range item.Topics {
		cost += int64(len(s))
	}
	return cost
}

// EnableMemoryCache routes GetMemory through a read cache.
func (db *DB) EnableMemoryCache(maxCostBytes int64) error {
	c, err := NewMemoryCache(maxCostBytes)
	if err != nil {
		return err
	}
	db.memories = c
	return nil
}
