// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// BufferHandle names one buffer of a BufferPool.
type BufferHandle int32

// noBuffer is the handle of a block that holds no buffer.
const noBuffer BufferHandle = -1

// BufferPool is a fixed set of equally sized read buffers cut from one
// page-aligned anonymous mapping. It never grows: Alloc fails when
// every buffer is in use, which stops the read service from starting
// more disk reads until a buffer is freed.
type BufferPool struct {
	mu         sync.Mutex
	slab       []byte
	bufferSize int
	free       []BufferHandle
	inUse      []bool

	// onFree runs after every Free, outside the lock.
	onFree func()
	gauge  func(inUse int)
}

// NewBufferPool maps memory/bufferSize buffers of bufferSize bytes.
func NewBufferPool(memory, bufferSize uint64) (*BufferPool, error) {
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be positive")
	}
	count := memory / bufferSize
	if count == 0 {
		return nil, fmt.Errorf("buffer memory %d holds no %d-byte buffer", memory, bufferSize)
	}
	slab, err := unix.Mmap(-1, 0, int(count*bufferSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping buffer pool: %w", err)
	}
	pool := &BufferPool{
		slab:       slab,
		bufferSize: int(bufferSize),
		free:       make([]BufferHandle, count),
		inUse:      make([]bool, count),
	}
	// Hand out low handles first.
	for i := range pool.free {
		pool.free[i] = BufferHandle(int(count) - 1 - i)
	}
	return pool, nil
}

// Alloc takes a free buffer. ok is false when the pool is exhausted.
func (p *BufferPool) Alloc() (handle BufferHandle, ok bool) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		return noBuffer, false
	}
	handle = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[handle] = true
	inUse := len(p.inUse) - len(p.free)
	p.mu.Unlock()
	if p.gauge != nil {
		p.gauge(inUse)
	}
	return handle, true
}

// Free returns a buffer to the pool. Freeing a buffer twice panics.
func (p *BufferPool) Free(handle BufferHandle) {
	p.mu.Lock()
	if handle < 0 || int(handle) >= len(p.inUse) || !p.inUse[handle] {
		p.mu.Unlock()
		panic(fmt.Sprintf("iostore: free of buffer %d that is not allocated", handle))
	}
	p.inUse[handle] = false
	p.free = append(p.free, handle)
	inUse := len(p.inUse) - len(p.free)
	p.mu.Unlock()
	if p.gauge != nil {
		p.gauge(inUse)
	}
	if p.onFree != nil {
		p.onFree()
	}
}

// Bytes returns the full buffer behind handle.
func (p *BufferPool) Bytes(handle BufferHandle) []byte {
	start := int(handle) * p.bufferSize
	return p.slab[start : start+p.bufferSize : start+p.bufferSize]
}

// BufferSize returns the size of every buffer.
func (p *BufferPool) BufferSize() int { return p.bufferSize }

// FreeCount returns the number of buffers available to Alloc.
func (p *BufferPool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Capacity returns the total number of buffers.
func (p *BufferPool) Capacity() int { return len(p.inUse) }

// Close unmaps the pool. No buffer may be used afterwards.
func (p *BufferPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slab == nil {
		return nil
	}
	err := unix.Munmap(p.slab)
	p.slab = nil
	if err != nil {
		return fmt.Errorf("unmapping buffer pool: %w", err)
	}
	return nil
}
