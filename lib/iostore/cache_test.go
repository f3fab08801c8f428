// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"bytes"
	"testing"
)

func TestBlockCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := newBlockCache(3*64, 64, newMetrics())
	block := func(fill byte) []byte { return bytes.Repeat([]byte{fill}, 64) }
	key := func(i uint32) BlockKey { return BlockKey{File: 1, Block: i} }

	for i := range uint32(3) {
		cache.Put(key(i), block(byte(i)))
	}
	dst := make([]byte, 64)
	// Touch block 0 so block 1 is the least recently used.
	if !cache.Get(key(0), dst) {
		t.Fatal("Get(0) missed")
	}
	cache.Put(key(3), block(3))

	if cache.Get(key(1), dst) {
		t.Error("block 1 still cached after eviction")
	}
	for _, i := range []uint32{0, 2, 3} {
		if !cache.Get(key(i), dst) {
			t.Errorf("Get(%d) missed", i)
			continue
		}
		if !bytes.Equal(dst, block(byte(i))) {
			t.Errorf("Get(%d) returned the wrong contents", i)
		}
	}
	if cache.Len() != 3 {
		t.Errorf("Len = %d, want 3", cache.Len())
	}
}

func TestBlockCacheIgnoresPartialBlocks(t *testing.T) {
	cache := newBlockCache(2*64, 64, newMetrics())
	cache.Put(BlockKey{File: 1}, make([]byte, 32))
	if cache.Len() != 0 {
		t.Fatalf("partial block cached")
	}
	if cache.Get(BlockKey{File: 1}, make([]byte, 32)) {
		t.Fatal("Get of a partial block hit")
	}
}

func TestBlockCacheUpdateInPlace(t *testing.T) {
	cache := newBlockCache(2*64, 64, newMetrics())
	key := BlockKey{File: 2, Block: 7}
	cache.Put(key, bytes.Repeat([]byte{1}, 64))
	cache.Put(key, bytes.Repeat([]byte{2}, 64))
	if cache.Len() != 1 {
		t.Fatalf("Len = %d, want 1", cache.Len())
	}
	dst := make([]byte, 64)
	cache.Get(key, dst)
	if dst[0] != 2 {
		t.Errorf("cached byte = %d, want 2", dst[0])
	}
}

func TestBlockCacheDisabledAndClear(t *testing.T) {
	disabled := newBlockCache(0, 64, newMetrics())
	disabled.Put(BlockKey{}, make([]byte, 64))
	if disabled.Get(BlockKey{}, make([]byte, 64)) {
		t.Error("disabled cache hit")
	}

	cache := newBlockCache(4*64, 64, newMetrics())
	for i := range uint32(4) {
		cache.Put(BlockKey{Block: i}, make([]byte, 64))
	}
	cache.Clear()
	if cache.Len() != 0 {
		t.Fatalf("Len = %d after Clear", cache.Len())
	}
	// The LRU list is usable after a reset.
	for i := range uint32(6) {
		cache.Put(BlockKey{Block: i}, make([]byte, 64))
	}
	if cache.Len() != 4 {
		t.Errorf("Len = %d, want 4", cache.Len())
	}
}

func TestBlockCacheReusesEvictedSlots(t *testing.T) {
	cache := newBlockCache(2*64, 64, newMetrics())
	for i := range uint32(10) {
		cache.Put(BlockKey{Block: i}, bytes.Repeat([]byte{byte(i)}, 64))
	}
	if len(cache.free) != 0 {
		t.Errorf("free slots = %d, want 0", len(cache.free))
	}
	dst := make([]byte, 64)
	for _, i := range []uint32{8, 9} {
		if !cache.Get(BlockKey{Block: i}, dst) {
			t.Fatalf("Get(%d) missed", i)
		}
		if !bytes.Equal(dst, bytes.Repeat([]byte{byte(i)}, 64)) {
			t.Errorf("Get(%d) returned the contents of another block", i)
		}
	}
	if cache.Get(BlockKey{Block: 7}, dst) {
		t.Error("block 7 still cached after eviction")
	}

	cache.Clear()
	if len(cache.free) != 2 {
		t.Errorf("free slots after Clear = %d, want 2", len(cache.free))
	}
}
