// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// blockCache is a fixed-capacity LRU of raw block contents held in one
// preallocated arena. The LRU maps block keys to arena slots; evicted
// slots return to the free list. Only blocks that fill a whole slot are
// stored, so a short read at the end of a partition is never cached.
type blockCache struct {
	mu        sync.Mutex
	blockSize int
	memory    []byte
	lru       *simplelru.LRU[BlockKey, int32]
	free      []int32
	metrics   *metrics
}

func newBlockCache(memory, blockSize uint64, m *metrics) *blockCache {
	count := int(memory / blockSize)
	cache := &blockCache{
		blockSize: int(blockSize),
		memory:    make([]byte, count*int(blockSize)),
		free:      make([]int32, 0, count),
		metrics:   m,
	}
	for slot := range count {
		cache.free = append(cache.free, int32(count-1-slot))
	}
	if count > 0 {
		// NewLRU fails only for a non-positive size.
		cache.lru, _ = simplelru.NewLRU[BlockKey, int32](count, func(_ BlockKey, slot int32) {
			cache.free = append(cache.free, slot)
		})
	}
	return cache
}

func (c *blockCache) enabled() bool { return c.lru != nil }

func (c *blockCache) slotMemory(slot int32) []byte {
	start := int(slot) * c.blockSize
	return c.memory[start : start+c.blockSize]
}

// Get copies the cached contents of key into dst and promotes the
// entry. dst must be exactly one block long.
func (c *blockCache) Get(key BlockKey, dst []byte) bool {
	if !c.enabled() || len(dst) != c.blockSize {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.lru.Get(key)
	if !ok {
		c.metrics.cacheMisses.Inc()
		return false
	}
	copy(dst, c.slotMemory(slot))
	c.metrics.cacheHits.Inc()
	return true
}

// Put stores src under key, evicting the least recently used entry.
// Blocks shorter than the cache's block size are ignored.
func (c *blockCache) Put(key BlockKey, src []byte) {
	if !c.enabled() || len(src) != c.blockSize {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.lru.Get(key)
	if !ok {
		if len(c.free) == 0 {
			c.lru.RemoveOldest()
		}
		slot = c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		c.lru.Add(key, slot)
	}
	copy(c.slotMemory(slot), src)
	c.metrics.cacheStores.Inc()
}

// Clear drops every entry.
func (c *blockCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled() {
		c.lru.Purge()
	}
}

// Len returns the number of cached blocks.
func (c *blockCache) Len() int {
	if !c.enabled() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
