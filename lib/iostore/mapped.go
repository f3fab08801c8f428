// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/iostore/lib/container"
)

// MappedRegion is a read-only memory mapping of part of a chunk.
// The mapping stays valid after the container is unmounted, until
// Close.
type MappedRegion struct {
	mapping []byte
	data    []byte
	once    sync.Once
}

// Bytes returns the mapped chunk bytes. The slice must not be used
// after Close.
func (r *MappedRegion) Bytes() []byte { return r.data }

// Close unmaps the region. It is idempotent.
func (r *MappedRegion) Close() error {
	var err error
	r.once.Do(func() {
		if r.mapping != nil {
			err = unix.Munmap(r.mapping)
		}
		r.mapping, r.data = nil, nil
	})
	if err != nil {
		return fmt.Errorf("unmapping region: %w", err)
	}
	return nil
}

// OpenMapped maps size bytes of a chunk starting at offset, bypassing
// the read queue. Size zero maps to the end of the chunk. Only chunks
// stored uncompressed and unencrypted in a single run of one partition
// can be mapped; others fail with ErrNotMappable. Signatures are not
// checked.
func (d *Dispatcher) OpenMapped(id container.ChunkID, offset, size uint64) (*MappedRegion, error) {
	d.readersMu.RLock()
	defer d.readersMu.RUnlock()

	mount, location, ok := d.resolveLocked(id)
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if offset > location.Length {
		return nil, fmt.Errorf("chunk %s: offset %d past length %d: %w", id, offset, location.Length, ErrInvalidRange)
	}
	if size == 0 || size > location.Length-offset {
		size = location.Length - offset
	}
	if size == 0 {
		return &MappedRegion{data: []byte{}}, nil
	}

	toc := mount.toc
	if toc.Flags.Has(container.FlagEncrypted) {
		return nil, fmt.Errorf("chunk %s in %s: container is encrypted: %w", id, mount.name, ErrNotMappable)
	}
	first, last := toc.BlockRange(location.Offset+offset, size)
	for index := first; index <= last; index++ {
		block := toc.Blocks[index]
		if toc.Method(block) != container.CompressionNone {
			return nil, fmt.Errorf("chunk %s in %s: block %d is compressed: %w", id, mount.name, index, ErrNotMappable)
		}
		if index > first {
			previous := toc.Blocks[index-1]
			previousPartition, _ := toc.BlockLocation(previous)
			blockPartition, _ := toc.BlockLocation(block)
			if block.Offset != previous.Offset+uint64(previous.CompressedSize) || blockPartition != previousPartition {
				return nil, fmt.Errorf("chunk %s in %s: block %d is not contiguous: %w", id, mount.name, index, ErrNotMappable)
			}
		}
	}

	blockSize := uint64(toc.CompressionBlockSize)
	partition, start := toc.BlockLocation(toc.Blocks[first])
	start += (location.Offset + offset) % blockSize
	mapping, data, err := mount.partitions[partition].mapRange(start, size)
	if err != nil {
		return nil, err
	}
	d.metrics.mappedRegions.Inc()
	return &MappedRegion{mapping: mapping, data: data}, nil
}
