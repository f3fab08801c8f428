// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"cmp"
	"container/heap"
	"slices"
	"sync"

	"github.com/bureau-foundation/iostore/lib/clock"
)

// readQueue orders raw block reads.
//
// In sequence mode it is one heap ordered by priority, then arrival.
// In offset mode every priority has a bucket holding its reads sorted
// by (file, offset) plus an age heap; Pop serves the highest priority
// bucket and, within it, continues forward from the last read on the
// same file unless the oldest read in the bucket has waited past the
// latency breaker or the next read forward is further than the
// maximum forward seek. Cancelled and failed reads wait in a separate
// heap that is always served first.
type readQueue struct {
	mu sync.Mutex

	sortByOffset    bool
	maintainSorting bool
	maxForwardSeek  uint64
	latencyBreaker  float64 // seconds; zero disables
	clock           clock.Clock
	metrics         *metrics

	sequence  uint64
	bySeq     sequenceHeap
	buckets   []*priorityBucket // ascending priority
	cancelled sequenceHeap
	last      lastRead

	// startedChanged is closed and replaced whenever a started read
	// finishes.
	startedChanged chan struct{}
}

type lastRead struct {
	valid    bool
	file     uint32
	offset   uint64
	priority int32
}

type priorityBucket struct {
	priority int32
	byOffset []*rawBlock
	byAge    ageHeap
}

func newReadQueue(config Config, c clock.Clock, m *metrics) *readQueue {
	return &readQueue{
		sortByOffset:    config.SortRequestsByOffset,
		maintainSorting: config.MaintainSortingOnPriorityChange,
		maxForwardSeek:  config.MaxForwardSeek,
		latencyBreaker:  config.LatencyCircuitBreaker.Seconds(),
		clock:           c,
		metrics:         m,
		startedChanged:  make(chan struct{}),
	}
}

// compareOffset orders reads by file, then offset.
func compareOffset(file uint32, offset uint64, b *rawBlock) int {
	switch {
	case file != b.key.File:
		if file < b.key.File {
			return -1
		}
		return 1
	case offset < b.offset:
		return -1
	case offset > b.offset:
		return 1
	}
	return 0
}

// Push queues blocks. Each must be new to the queue.
func (q *readQueue) Push(blocks ...*rawBlock) {
	if len(blocks) == 0 {
		return
	}
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, block := range blocks {
		if block.status != statusNotQueued {
			panic("iostore: raw block queued twice")
		}
		block.status = statusQueued
		block.sequence = q.sequence
		block.queuedAt = now
		q.sequence++
		q.insertLocked(block)
	}
}

func (q *readQueue) insertLocked(block *rawBlock) {
	if !q.sortByOffset {
		heap.Push(&q.bySeq, block)
		return
	}
	i, found := slices.BinarySearchFunc(q.buckets, block.priority, func(b *priorityBucket, priority int32) int {
		return cmp.Compare(b.priority, priority)
	})
	if !found {
		q.buckets = slices.Insert(q.buckets, i, &priorityBucket{priority: block.priority})
	}
	bucket := q.buckets[i]
	// Upper bound keeps equal keys in arrival order.
	position := len(bucket.byOffset)
	for lo, hi := 0, len(bucket.byOffset); lo < hi; {
		mid := int(uint(lo+hi) >> 1)
		if compareOffset(block.key.File, block.offset, bucket.byOffset[mid]) < 0 {
			hi = mid
			position = mid
		} else {
			lo = mid + 1
			position = lo
		}
	}
	bucket.byOffset = slices.Insert(bucket.byOffset, position, block)
	block.bucket = bucket
	heap.Push(&bucket.byAge, block)
}

// removeLocked takes a queued block out of the ordered structures.
func (q *readQueue) removeLocked(block *rawBlock) {
	if !q.sortByOffset {
		heap.Remove(&q.bySeq, block.heapIndex)
		return
	}
	bucket := block.bucket
	i := slices.Index(bucket.byOffset, block)
	bucket.byOffset = slices.Delete(bucket.byOffset, i, i+1)
	heap.Remove(&bucket.byAge, block.ageIndex)
	block.bucket = nil
	if len(bucket.byOffset) == 0 {
		q.buckets = slices.DeleteFunc(q.buckets, func(b *priorityBucket) bool { return b == bucket })
	}
}

// Peek returns the block Pop would return, without removing it.
func (q *readQueue) Peek() *rawBlock {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextLocked(false)
}

// Pop removes the next block and marks it started. Started blocks
// count against their partition until Finish.
func (q *readQueue) Pop() *rawBlock {
	q.mu.Lock()
	defer q.mu.Unlock()
	block := q.nextLocked(true)
	if block != nil {
		block.status = statusStarted
		block.partition.started++
	}
	return block
}

func (q *readQueue) nextLocked(pop bool) *rawBlock {
	if len(q.cancelled) > 0 {
		if pop {
			block := heap.Pop(&q.cancelled).(*rawBlock)
			block.parked = false
			return block
		}
		return q.cancelled[0]
	}
	if !q.sortByOffset {
		if len(q.bySeq) == 0 {
			return nil
		}
		if pop {
			return heap.Pop(&q.bySeq).(*rawBlock)
		}
		return q.bySeq[0]
	}
	if len(q.buckets) == 0 {
		return nil
	}
	bucket := q.buckets[len(q.buckets)-1]
	block := q.chooseLocked(bucket, pop)
	if pop {
		q.removeLocked(block)
		q.last = lastRead{valid: true, file: block.key.File, offset: block.offset, priority: bucket.priority}
	}
	return block
}

// chooseLocked picks the next read of an offset-ordered bucket.
func (q *readQueue) chooseLocked(bucket *priorityBucket, pop bool) *rawBlock {
	oldest := bucket.byAge[0]
	tooOld := q.latencyBreaker > 0 &&
		q.clock.Now().Sub(oldest.queuedAt).Seconds() >= q.latencyBreaker
	if tooOld && pop {
		q.metrics.circuitBreaks.WithLabelValues("latency").Inc()
	}
	if !q.last.valid || tooOld || (!q.maintainSorting && q.last.priority != bucket.priority) {
		return oldest
	}
	i, _ := slices.BinarySearchFunc(bucket.byOffset, q.last, func(b *rawBlock, last lastRead) int {
		return -compareOffset(last.file, last.offset, b)
	})
	if i == len(bucket.byOffset) {
		return oldest
	}
	candidate := bucket.byOffset[i]
	if candidate.key.File != q.last.file {
		return oldest
	}
	if q.maxForwardSeek > 0 && candidate.offset-q.last.offset > q.maxForwardSeek {
		if pop {
			q.metrics.circuitBreaks.WithLabelValues("seek").Inc()
		}
		return oldest
	}
	return candidate
}

// Cancel moves a queued block to the cancelled heap. The caller has
// set block.cancelled or block.failed and holds q.mu.
func (q *readQueue) cancelLocked(block *rawBlock) {
	if block.status != statusQueued || block.parked {
		return
	}
	q.removeLocked(block)
	block.parked = true
	heap.Push(&q.cancelled, block)
}

// Reprioritize raises the priority of a queued block. The caller holds
// q.mu.
func (q *readQueue) reprioritizeLocked(block *rawBlock, priority int32) {
	if priority <= block.priority {
		return
	}
	if block.parked {
		return
	}
	if block.status != statusQueued {
		block.priority = priority
		return
	}
	if !q.sortByOffset {
		block.priority = priority
		heap.Fix(&q.bySeq, block.heapIndex)
		return
	}
	q.removeLocked(block)
	block.priority = priority
	q.insertLocked(block)
}

// FailPartitions fails every queued read of the given partitions and
// moves it to the cancelled heap, so the read service hands it back
// without touching the file. It returns the number of reads failed.
func (q *readQueue) FailPartitions(partitions []*partitionFile) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var doomed []*rawBlock
	matches := func(block *rawBlock) bool {
		return !block.failed && slices.Contains(partitions, block.partition)
	}
	if q.sortByOffset {
		for _, bucket := range q.buckets {
			for _, block := range bucket.byOffset {
				if matches(block) {
					doomed = append(doomed, block)
				}
			}
		}
	} else {
		for _, block := range q.bySeq {
			if matches(block) {
				doomed = append(doomed, block)
			}
		}
	}
	for _, block := range q.cancelled {
		if matches(block) {
			block.failed = true
			block.err = ErrUnmounted
		}
	}
	for _, block := range doomed {
		block.failed = true
		block.err = ErrUnmounted
		q.cancelLocked(block)
	}
	return len(doomed)
}

// Finish records that a started block's disk work is over.
func (q *readQueue) Finish(block *rawBlock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	block.partition.started--
	close(q.startedChanged)
	q.startedChanged = make(chan struct{})
}

// startedReads returns the number of started reads against partitions
// and a channel closed when any started read finishes.
func (q *readQueue) startedReads(partitions []*partitionFile) (int, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, partition := range partitions {
		count += partition.started
	}
	return count, q.startedChanged
}

// Len returns the number of queued blocks, cancelled ones included.
func (q *readQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := len(q.bySeq) + len(q.cancelled)
	for _, bucket := range q.buckets {
		count += len(bucket.byOffset)
	}
	return count
}

// sequenceHeap orders blocks by priority, highest first, then by
// arrival.
type sequenceHeap []*rawBlock

func (h sequenceHeap) Len() int { return len(h) }

func (h sequenceHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].sequence < h[j].sequence
}

func (h sequenceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *sequenceHeap) Push(x any) {
	block := x.(*rawBlock)
	block.heapIndex = len(*h)
	*h = append(*h, block)
}

func (h *sequenceHeap) Pop() any {
	old := *h
	block := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	block.heapIndex = -1
	return block
}

// ageHeap orders a bucket's blocks by arrival.
type ageHeap []*rawBlock

func (h ageHeap) Len() int           { return len(h) }
func (h ageHeap) Less(i, j int) bool { return h[i].sequence < h[j].sequence }

func (h ageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].ageIndex = i
	h[j].ageIndex = j
}

func (h *ageHeap) Push(x any) {
	block := x.(*rawBlock)
	block.ageIndex = len(*h)
	*h = append(*h, block)
}

func (h *ageHeap) Pop() any {
	old := *h
	block := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	block.ageIndex = -1
	return block
}
