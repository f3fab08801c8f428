// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"context"
	"fmt"
)

// serve is the read service goroutine.
func (d *Dispatcher) serve(ctx context.Context) {
	defer d.wg.Done()
	for {
		d.serviceReads(ctx)
		select {
		case <-ctx.Done():
			return
		case <-d.serviceWake:
		}
	}
}

// serviceReads pops and performs reads until the queue is empty or
// the next read needs a buffer and none is free. Cancelled and failed
// blocks are handed back without a read. It reports whether any block
// was handed back. ctx is nil when called from Tick.
func (d *Dispatcher) serviceReads(ctx context.Context) bool {
	progress := false
	for {
		if ctx != nil && ctx.Err() != nil {
			return progress
		}
		next := d.queue.Peek()
		if next == nil {
			return progress
		}
		// Only this goroutine allocates, so a free buffer seen here is
		// still free after Pop. Pop may return a different block than
		// Peek when the dispatcher queued in between; allocation below
		// still waits correctly in that case.
		if next.needsRead() && d.pool.FreeCount() == 0 {
			return progress
		}
		raw := d.queue.Pop()
		if raw == nil {
			return progress
		}
		d.readBlock(ctx, raw)
		progress = true
	}
}

// readBlock fills one popped raw block and hands it back to the loop.
func (d *Dispatcher) readBlock(ctx context.Context, raw *rawBlock) {
	if raw.needsRead() {
		if handle, ok := d.allocBuffer(ctx); !ok {
			raw.failed = true
			raw.err = ErrClosed
		} else {
			d.fill(raw, handle)
		}
	}
	d.queue.Finish(raw)

	d.completedMu.Lock()
	d.completed = append(d.completed, raw)
	d.completedMu.Unlock()
	d.notify()
}

// allocBuffer takes a buffer, waiting for one to be freed if needed.
func (d *Dispatcher) allocBuffer(ctx context.Context) (BufferHandle, bool) {
	for {
		if handle, ok := d.pool.Alloc(); ok {
			return handle, true
		}
		if ctx == nil {
			// Single-threaded callers check FreeCount before popping.
			panic("iostore: buffer pool exhausted during a synchronous read")
		}
		select {
		case <-ctx.Done():
			return noBuffer, false
		case <-d.serviceWake:
		}
	}
}

// fill reads raw into the buffer at handle, from the block cache when
// possible. On failure the buffer is returned to the pool.
func (d *Dispatcher) fill(raw *rawBlock, handle BufferHandle) {
	buffer := d.pool.Bytes(handle)[:raw.size]
	full := raw.size == uint64(d.pool.BufferSize())
	if full && d.cache.Get(raw.key, buffer) {
		raw.buffer = handle
		return
	}

	start := d.clock.Now()
	var err error
	for attempt := 0; ; attempt++ {
		_, err = raw.partition.ReadAt(buffer, int64(raw.offset))
		if err == nil || attempt >= d.config.ReadRetries {
			break
		}
		d.metrics.diskReadRetries.Inc()
		if d.config.ReadRetryDelay > 0 {
			d.clock.Sleep(d.config.ReadRetryDelay << attempt)
		}
	}
	d.metrics.diskReads.Inc()
	d.metrics.diskReadDuration.Observe(d.clock.Now().Sub(start).Seconds())
	if err != nil {
		raw.failed = true
		raw.err = fmt.Errorf("%w: %w", ErrReadFailed, err)
		d.pool.Free(handle)
		d.logger.Warn("raw block read failed",
			"partition", raw.partition.path,
			"offset", raw.offset,
			"size", raw.size,
			"retries", d.config.ReadRetries,
			"error", err,
		)
		return
	}
	d.metrics.diskReadBytes.Add(float64(raw.size))
	if full {
		d.cache.Put(raw.key, buffer)
	}
	raw.buffer = handle
}
