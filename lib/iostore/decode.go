// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"fmt"

	"github.com/bureau-foundation/iostore/lib/container"
)

// decodeReady starts decoding blocks whose raw blocks have all been
// read, as far as decode slots allow. Failed and cancelled blocks are
// finalized without decoding. It reports whether any block moved on.
func (d *Dispatcher) decodeReady() bool {
	progress := false
	var batch []*encodedBlock
	flush := func() {
		if len(batch) == 0 {
			return
		}
		blocks := batch
		batch = nil
		d.tasks = append(d.tasks, d.scheduler.Launch(func() { d.decodeTask(blocks) }))
	}

	for len(d.ready) > 0 {
		block := d.ready[0]
		if block.failed || block.cancelled {
			d.popReady()
			d.finalize(block)
			progress = true
			continue
		}
		if !d.slots.TryAcquire(1) {
			break
		}
		d.popReady()
		block.hasSlot = true
		progress = true
		d.allocateDestinations(block)

		if d.config.Multithreaded && !d.config.ForceSynchronousDecode &&
			block.needsTransform() && !d.scheduler.Oversubscribed() {
			batch = append(batch, block)
			if len(batch) >= d.config.MaxConsecutiveDecodeJobs {
				flush()
			}
			continue
		}
		d.decode(block)
		d.finalize(block)
	}
	flush()
	return progress
}

func (d *Dispatcher) popReady() {
	d.ready[0] = nil
	d.ready = d.ready[1:]
}

// allocateDestinations gives every request the block scatters into a
// buffer, on its first scatter.
func (d *Dispatcher) allocateDestinations(block *encodedBlock) {
	for _, scatter := range block.scatter {
		if scatter.size > 0 && scatter.request.buffer == nil {
			scatter.request.buffer = make([]byte, scatter.request.size)
		}
	}
}

// decodeTask runs on a scheduler worker.
func (d *Dispatcher) decodeTask(blocks []*encodedBlock) {
	d.activeDecodes.Add(1)
	for _, block := range blocks {
		d.decode(block)
	}
	d.decodedMu.Lock()
	d.decoded = append(d.decoded, blocks...)
	d.decodedMu.Unlock()
	d.activeDecodes.Add(-1)
	d.notify()
}

// decode verifies, decrypts and decompresses a block and scatters the
// result. It touches only the block, its raw bytes and the request
// buffers it scatters into, so it may run on any goroutine.
func (d *Dispatcher) decode(block *encodedBlock) {
	mount := block.container
	raw := d.tracker.rawBytes(block)

	if expected, actual, ok := container.VerifyBlock(mount.toc, block.index, raw); !ok {
		block.signature = &SignatureError{
			ContainerName: mount.name,
			BlockIndex:    block.index,
			Expected:      expected,
			Actual:        actual,
		}
		d.reportSignatureError(*block.signature)
	}

	if mount.toc.Flags.Has(container.FlagEncrypted) {
		if err := container.DecryptBlock(mount.keyBytes(), uint32(block.index), raw); err != nil {
			block.fail(fmt.Errorf("%w: %w", ErrInvalidEncryptionKey, err))
			return
		}
	}

	// raw holds compressedSize bytes; only an uncompressed block can be
	// scattered from it directly.
	var decoded []byte
	if block.method == container.CompressionNone {
		decoded = raw[:block.uncompressedSize]
	} else {
		block.scratch = d.getScratch(int(block.uncompressedSize))
		decoded = (*block.scratch)[:block.uncompressedSize]
		if err := container.Decompress(block.method, decoded, raw[:block.compressedSize]); err != nil {
			block.fail(fmt.Errorf("%w: %w", ErrDecompressionFailed, err))
			d.logger.Warn("block decompression failed",
				"container", mount.name,
				"block", block.index,
				"method", string(block.method),
				"error", err,
			)
			return
		}
	}

	for _, scatter := range block.scatter {
		if scatter.size == 0 {
			continue
		}
		copy(scatter.request.buffer[scatter.dstOffset:scatter.dstOffset+scatter.size],
			decoded[scatter.srcOffset:scatter.srcOffset+scatter.size])
	}
}

func (d *Dispatcher) getScratch(size int) *[]byte {
	if scratch, ok := d.scratch.Get().(*[]byte); ok && cap(*scratch) >= size {
		return scratch
	}
	buffer := make([]byte, size)
	return &buffer
}

// finalize releases a decoded, failed or cancelled block and completes
// every request it was the last outstanding block of.
func (d *Dispatcher) finalize(block *encodedBlock) {
	d.metrics.decodesCompleted.Inc()
	if len(block.rawBlocks) > 1 {
		block.staging = nil
	} else {
		d.tracker.releaseRawBuffer(block.rawBlocks[0])
	}
	if block.scratch != nil {
		d.scratch.Put(block.scratch)
		block.scratch = nil
	}
	if block.hasSlot {
		block.hasSlot = false
		d.slots.Release(1)
	}

	for _, scatter := range block.scatter {
		r := scatter.request
		if r.cancelled {
			continue
		}
		if block.failed {
			if r.err == nil {
				r.err = &BlockError{Container: block.container.name, BlockIndex: block.index, Err: block.cause}
			}
		} else if !block.cancelled {
			d.metrics.bytesScattered.Add(float64(scatter.size))
		}
		if block.signature != nil && r.signatureErr == nil {
			r.signatureErr = *block.signature
		}
		r.unfinished--
		if r.unfinished == 0 {
			d.tracker.release(r)
			d.complete(r)
		}
	}
	block.scatter = nil
}

// complete finishes a request whose blocks have all been finalized.
func (d *Dispatcher) complete(r *resolvedRequest) {
	request := r.request
	switch {
	case r.err != nil:
		d.failUnresolved(request, r.err, causeBlock)
	case r.partial:
		d.failUnresolved(request, ErrCancelled, causeCancelled)
	case r.signatureErr != nil:
		// The data is delivered along with the error.
		d.failWithResult(request, r.buffer, r.signatureErr, causeSignature)
	default:
		d.succeed(request, r.buffer)
	}
}
