// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// ChunkIndex resolves a chunk id to its slot in the table of contents.
type ChunkIndex interface {
	// Lookup returns the slot of id, or false if the container does
	// not hold the chunk.
	Lookup(id ChunkID) (int, bool)
}

// MapIndex is a ChunkIndex backed by a plain map.
type MapIndex map[ChunkID]int

// NewMapIndex indexes ids by position.
func NewMapIndex(ids []ChunkID) MapIndex {
	index := make(MapIndex, len(ids))
	for slot, id := range ids {
		index[id] = slot
	}
	return index
}

// Lookup implements ChunkIndex.
func (m MapIndex) Lookup(id ChunkID) (int, bool) {
	slot, ok := m[id]
	return slot, ok
}

// PerfectHashIndex is a ChunkIndex backed by a perfect hash table.
//
// The seed table has one entry per bucket; a chunk's bucket is
// HashChunkID(0, id) modulo the seed count. The seed for a bucket is
// interpreted as:
//
//   - 0: no chunk hashes to this bucket.
//   - negative: the bucket holds one chunk, at slot -seed-1. A slot at
//     or past the chunk count means the bucket's chunks could not be
//     placed and live in the fallback list instead.
//   - positive: the chunk's slot is HashChunkID(seed, id) modulo the
//     chunk count.
//
// Every path ends by comparing the id stored in the slot, because ids
// that were never in the container hash to occupied slots too.
type PerfectHashIndex struct {
	ids      []ChunkID
	seeds    []int32
	fallback map[ChunkID]int
}

// NewPerfectHashIndex builds an index over a table of contents' slot
// ordered chunk ids, seed table, and fallback slots.
func NewPerfectHashIndex(ids []ChunkID, seeds []int32, fallbackSlots []int32) *PerfectHashIndex {
	fallback := make(map[ChunkID]int, len(fallbackSlots))
	for _, slot := range fallbackSlots {
		fallback[ids[slot]] = int(slot)
	}
	return &PerfectHashIndex{ids: ids, seeds: seeds, fallback: fallback}
}

// Lookup implements ChunkIndex.
func (p *PerfectHashIndex) Lookup(id ChunkID) (int, bool) {
	chunkCount := uint64(len(p.ids))
	if chunkCount == 0 || len(p.seeds) == 0 {
		return 0, false
	}
	seed := p.seeds[HashChunkID(0, id)%uint64(len(p.seeds))]
	if seed == 0 {
		return 0, false
	}

	var slot uint64
	if seed < 0 {
		slot = uint64(-int64(seed) - 1)
		if slot >= chunkCount {
			found, ok := p.fallback[id]
			return found, ok
		}
	} else {
		slot = HashChunkID(uint32(seed), id) % chunkCount
	}
	if p.ids[slot] != id {
		return 0, false
	}
	return int(slot), true
}

// maxSeedAttempts bounds the seed search for one bucket. Buckets that
// exhaust it go to the fallback list.
const maxSeedAttempts = 1 << 16

// ErrDuplicateChunk is returned when the same chunk id is added twice.
var ErrDuplicateChunk = errors.New("duplicate chunk id")

// PerfectHash is the output of [BuildPerfectHash].
type PerfectHash struct {
	// Order maps each slot to the index of the input id stored
	// there. Table of contents arrays must be permuted by it.
	Order []int

	// Seeds is the seed table, one entry per bucket.
	Seeds []int32

	// Fallback lists the slots of chunks resolved through the
	// fallback map.
	Fallback []int32
}

// BuildPerfectHash computes a perfect hash table over ids. Buckets are
// processed largest first; for each bucket with more than one chunk,
// seeds are tried in turn until every chunk of the bucket lands on a
// distinct free slot. Single-chunk buckets then take free slots
// directly through a negative seed, and chunks from buckets that
// exhausted maxSeedAttempts fill whatever slots remain.
func BuildPerfectHash(ids []ChunkID) (*PerfectHash, error) {
	chunkCount := len(ids)
	if chunkCount == 0 {
		return &PerfectHash{}, nil
	}
	seen := make(map[ChunkID]struct{}, chunkCount)
	for _, id := range ids {
		if _, duplicate := seen[id]; duplicate {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateChunk, id)
		}
		seen[id] = struct{}{}
	}

	seedCount := uint64(chunkCount)
	buckets := make([][]int, seedCount)
	for index, id := range ids {
		bucket := HashChunkID(0, id) % seedCount
		buckets[bucket] = append(buckets[bucket], index)
	}
	bucketOrder := make([]int, seedCount)
	for bucket := range bucketOrder {
		bucketOrder[bucket] = bucket
	}
	slices.SortStableFunc(bucketOrder, func(a, b int) int {
		return cmp.Compare(len(buckets[b]), len(buckets[a]))
	})

	result := &PerfectHash{
		Order: make([]int, chunkCount),
		Seeds: make([]int32, seedCount),
	}
	for slot := range result.Order {
		result.Order[slot] = -1
	}

	var unplaced []int
	candidates := make([]uint64, 0, 8)
	for _, bucket := range bucketOrder {
		members := buckets[bucket]
		if len(members) <= 1 {
			break
		}
		placed := false
		for seed := uint32(1); seed <= maxSeedAttempts; seed++ {
			candidates = candidates[:0]
			for _, member := range members {
				slot := HashChunkID(seed, ids[member]) % uint64(chunkCount)
				if result.Order[slot] != -1 || slices.Contains(candidates, slot) {
					break
				}
				candidates = append(candidates, slot)
			}
			if len(candidates) != len(members) {
				continue
			}
			for position, slot := range candidates {
				result.Order[slot] = members[position]
			}
			result.Seeds[bucket] = int32(seed)
			placed = true
			break
		}
		if !placed {
			result.Seeds[bucket] = -int32(chunkCount) - 1
			unplaced = append(unplaced, members...)
		}
	}

	freeSlot := 0
	nextFree := func() int {
		for result.Order[freeSlot] != -1 {
			freeSlot++
		}
		return freeSlot
	}
	for bucket, members := range buckets {
		if len(members) != 1 {
			continue
		}
		slot := nextFree()
		result.Order[slot] = members[0]
		result.Seeds[bucket] = -int32(slot) - 1
	}
	for _, member := range unplaced {
		slot := nextFree()
		result.Order[slot] = member
		result.Fallback = append(result.Fallback, int32(slot))
	}
	return result, nil
}
