// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"sync/atomic"
)

// tracker maps block keys to the live blocks that requests share, and
// decides every block's lifetime. It is owned by the dispatcher loop.
//
// Reference counts:
//   - rawBlock.refs counts (request, encoded block) links through the
//     raw block. When it drops to zero the raw block is dead, and each
//     of its encoded blocks loses one ref.
//   - encodedBlock.refs counts its raw blocks that are not yet dead.
//   - rawBlock.bufferRefs counts encoded blocks that still need the
//     raw block's pooled buffer.
//
// release is the only place refs drop; releaseRawBuffer is the only
// place a buffer goes back to the pool.
type tracker struct {
	encoded  map[BlockKey]*encodedBlock
	raw      map[BlockKey]*rawBlock
	requests map[*resolvedRequest]struct{}

	readBufferSize uint64
	queue          *readQueue
	pool           *BufferPool
	metrics        *metrics

	liveRequests *atomic.Int64
	liveEncoded  *atomic.Int64
	liveRaw      *atomic.Int64
}

// readBlocks creates or joins every block the request covers and
// queues the raw blocks that are new. The caller holds the mounted
// containers lock for reading, so the container's partitions stay
// open until the queue holds the reads.
func (t *tracker) readBlocks(r *resolvedRequest) {
	t.requests[r] = struct{}{}
	t.liveRequests.Add(1)

	mount := r.container
	toc := mount.toc
	blockSize := uint64(toc.CompressionBlockSize)
	first, last := toc.BlockRange(r.offset, r.size)

	var fresh []*rawBlock
	position := r.offset
	remaining := r.size
	destination := uint64(0)
	for index := first; index <= last; index++ {
		block, created := t.findOrAddEncodedBlock(mount, index, r.priority)
		if created {
			fresh = append(fresh, t.addRawBlocks(block, r.priority)...)
		}

		start := position - uint64(index)*blockSize
		size := min(uint64(block.uncompressedSize)-start, remaining)
		block.scatter = append(block.scatter, blockScatter{
			request:   r,
			dstOffset: destination,
			srcOffset: start,
			size:      size,
		})
		r.unfinished++
		position += size
		destination += size
		remaining -= size

		t.queue.mu.Lock()
		for _, raw := range block.rawBlocks {
			r.links = append(r.links, raw)
			raw.refs++
			if r.priority > raw.priority {
				if raw.status == statusQueued {
					t.queue.reprioritizeLocked(raw, r.priority)
				} else if raw.status == statusNotQueued {
					raw.priority = r.priority
				}
			}
		}
		t.queue.mu.Unlock()
	}

	if len(fresh) > 0 {
		t.queue.Push(fresh...)
		t.metrics.rawBlocksQueued.Add(float64(len(fresh)))
	}
}

func (t *tracker) findOrAddEncodedBlock(mount *mountedContainer, index int, priority int32) (*encodedBlock, bool) {
	key := BlockKey{File: mount.instance, Block: uint32(index)}
	if block, ok := t.encoded[key]; ok {
		return block, false
	}
	entry := mount.toc.Blocks[index]
	_, rawOffset := mount.toc.BlockLocation(entry)
	block := &encodedBlock{
		key:              key,
		container:        mount,
		index:            index,
		rawOffset:        rawOffset,
		rawSize:          entry.RawSize(),
		compressedSize:   entry.CompressedSize,
		uncompressedSize: entry.UncompressedSize,
		method:           mount.toc.Method(entry),
	}
	t.encoded[key] = block
	t.liveEncoded.Add(1)
	mount.retain()
	return block, true
}

// addRawBlocks links a new encoded block to the raw blocks holding its
// bytes and returns the raw blocks that had to be created.
func (t *tracker) addRawBlocks(block *encodedBlock, priority int32) []*rawBlock {
	partitionIndex, _ := block.container.toc.BlockLocation(block.container.toc.Blocks[block.index])
	partition := block.container.partitions[partitionIndex]

	var fresh []*rawBlock
	end := block.rawOffset + block.rawSize
	for rawIndex := block.rawOffset / t.readBufferSize; rawIndex <= (end-1)/t.readBufferSize; rawIndex++ {
		raw, created := t.findOrAddRawBlock(partition, rawIndex, priority)
		if created {
			fresh = append(fresh, raw)
		}
		raw.bytesUsed += min(raw.offset+raw.size, end) - max(raw.offset, block.rawOffset)
		raw.encodedBlocks = append(raw.encodedBlocks, block)
		raw.bufferRefs++
		block.rawBlocks = append(block.rawBlocks, raw)
		block.unfinishedRaw++
		block.refs++
	}
	return fresh
}

func (t *tracker) findOrAddRawBlock(partition *partitionFile, rawIndex uint64, priority int32) (*rawBlock, bool) {
	key := BlockKey{File: partition.index, Block: uint32(rawIndex)}
	if raw, ok := t.raw[key]; ok {
		return raw, false
	}
	offset := rawIndex * t.readBufferSize
	raw := &rawBlock{
		key:       key,
		partition: partition,
		offset:    offset,
		size:      min(partition.size, offset+t.readBufferSize) - offset,
		priority:  priority,
		buffer:    noBuffer,
		heapIndex: -1,
		ageIndex:  -1,
	}
	t.raw[key] = raw
	t.liveRaw.Add(1)
	return raw, true
}

// cancel withdraws the request's share of every block that has not
// started reading. Blocks still needed by other requests keep their
// work; only this request's scatter is zeroed. It reports whether the
// request can complete now, which is the case when none of its raw
// blocks had started.
func (t *tracker) cancel(r *resolvedRequest) bool {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()

	complete := true
	for _, raw := range r.links {
		if raw.cancelled {
			continue
		}
		if raw.status >= statusStarted {
			complete = false
			continue
		}
		cancelRaw := true
		for _, block := range raw.encodedBlocks {
			if block.cancelled {
				continue
			}
			live := false
			for i := range block.scatter {
				scatter := &block.scatter[i]
				if scatter.request == r {
					if scatter.size > 0 {
						r.partial = true
					}
					scatter.size = 0
				} else if scatter.size > 0 {
					live = true
				}
			}
			if live {
				cancelRaw = false
				continue
			}
			block.cancelled = true
			if t.encoded[block.key] == block {
				delete(t.encoded, block.key)
			}
		}
		if cancelRaw {
			raw.cancelled = true
			t.queue.cancelLocked(raw)
			if t.raw[raw.key] == raw {
				delete(t.raw, raw.key)
			}
		}
	}
	return complete
}

// updatePriority raises the priority of the request's queued reads.
func (t *tracker) updatePriority(r *resolvedRequest, priority int32) {
	if priority <= r.priority {
		return
	}
	r.priority = priority
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	for _, raw := range r.links {
		if raw.status == statusQueued && !raw.cancelled {
			t.queue.reprioritizeLocked(raw, priority)
		}
	}
}

// completeRaw feeds a raw block handed back by the read service into
// its encoded blocks, and returns the encoded blocks that are now
// ready to decode.
func (t *tracker) completeRaw(raw *rawBlock, ready []*encodedBlock) []*encodedBlock {
	raw.status = statusCompleted
	if t.raw[raw.key] == raw {
		delete(t.raw, raw.key)
	}
	for _, block := range raw.encodedBlocks {
		if raw.failed {
			block.fail(raw.err)
		}
		if raw.cancelled {
			block.cancelled = true
		}
		if len(block.rawBlocks) > 1 {
			if !block.failed && !block.cancelled {
				t.stage(block, raw)
			}
			t.releaseRawBuffer(raw)
		}
		block.unfinishedRaw--
		if block.unfinishedRaw == 0 {
			if t.encoded[block.key] == block {
				delete(t.encoded, block.key)
			}
			t.metrics.decodesQueued.Inc()
			ready = append(ready, block)
		}
	}
	return ready
}

// stage copies the part of raw that belongs to a block spanning
// several raw blocks into the block's staging buffer.
func (t *tracker) stage(block *encodedBlock, raw *rawBlock) {
	if block.staging == nil {
		block.staging = make([]byte, block.rawSize)
	}
	start := max(raw.offset, block.rawOffset)
	end := min(raw.offset+raw.size, block.rawOffset+block.rawSize)
	data := t.pool.Bytes(raw.buffer)
	copy(block.staging[start-block.rawOffset:end-block.rawOffset], data[start-raw.offset:end-raw.offset])
}

// rawBytes returns the raw bytes of a block whose raw blocks are all
// read.
func (t *tracker) rawBytes(block *encodedBlock) []byte {
	if len(block.rawBlocks) > 1 {
		return block.staging
	}
	raw := block.rawBlocks[0]
	start := block.rawOffset - raw.offset
	return t.pool.Bytes(raw.buffer)[start : start+block.rawSize]
}

func (t *tracker) releaseRawBuffer(raw *rawBlock) {
	raw.bufferRefs--
	if raw.bufferRefs == 0 && raw.buffer != noBuffer {
		buffer := raw.buffer
		raw.buffer = noBuffer
		t.pool.Free(buffer)
	}
}

// release drops the request's links once it has completed.
func (t *tracker) release(r *resolvedRequest) {
	for _, raw := range r.links {
		raw.refs--
		if raw.refs > 0 {
			continue
		}
		for _, block := range raw.encodedBlocks {
			block.refs--
			if block.refs == 0 {
				t.liveEncoded.Add(-1)
				block.container.release()
			}
		}
		t.liveRaw.Add(-1)
	}
	r.links = nil
	delete(t.requests, r)
	t.liveRequests.Add(-1)
	r.request.resolved = nil
}
