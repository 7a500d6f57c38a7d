package topology

import (
	"fmt"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of parsed topologies kept in memory.
// A corpus typically spans a handful of topologies shared by many trials.
const DefaultCacheSize = 32

// Cache memoizes parsed topologies by file path. It is safe for concurrent
// use by the trial workers.
type Cache struct {
	entries *lru.Cache[string, *Topology]
}

// NewCache creates a topology cache holding up to size entries. A
// non-positive size selects DefaultCacheSize.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *Topology](size)
	if err != nil {
		return nil, fmt.Errorf("create topology cache: %w", err)
	}
	return &Cache{entries: c}, nil
}

// Load returns the cached topology for path, parsing it on first use.
// Topologies are read-only after parsing, so sharing them across trials is
// safe.
func (c *Cache) Load(path string) (*Topology, error) {
	key := filepath.Clean(path)
	if t, ok := c.entries.Get(key); ok {
		return t, nil
	}
	t, err := Load(key)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, t)
	return t, nil
}

// Len returns the number of cached topologies.
func (c *Cache) Len() int {
	return c.entries.Len()
}
