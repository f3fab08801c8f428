// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// partitionFile is one open partition of a mounted container.
type partitionFile struct {
	// index is the dispatcher-wide file index used in raw block keys.
	// Indices are never reused, so a stale cache entry can never
	// match a newly mounted file.
	index uint32
	path  string
	size  uint64

	// mu guards fd against reopen and close while a read is in
	// flight.
	mu sync.RWMutex
	fd int

	// started counts popped reads that have not finished. Guarded by
	// the read queue's lock.
	started int
}

func openPartition(path string, index uint32) (*partitionFile, error) {
	fd, size, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &partitionFile{index: index, path: path, size: size, fd: fd}, nil
}

func openReadOnly(path string) (int, uint64, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("opening partition %s: %w", path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("stat partition %s: %w", path, err)
	}
	return fd, uint64(stat.Size), nil
}

// ReadAt implements io.ReaderAt with pread.
func (p *partitionFile) ReadAt(buffer []byte, offset int64) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fd < 0 {
		return 0, fmt.Errorf("reading %s: %w", p.path, ErrUnmounted)
	}
	total := 0
	for total < len(buffer) {
		n, err := unix.Pread(p.fd, buffer[total:], offset+int64(total))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return total, fmt.Errorf("reading %s at %d: %w", p.path, offset+int64(total), err)
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

// reopen replaces the file descriptor with a fresh one for the same
// path.
func (p *partitionFile) reopen() error {
	fd, size, err := openReadOnly(p.path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd >= 0 {
		unix.Close(p.fd)
	}
	p.fd = fd
	if size != p.size {
		return fmt.Errorf("partition %s changed size from %d to %d", p.path, p.size, size)
	}
	return nil
}

func (p *partitionFile) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	if err != nil {
		return fmt.Errorf("closing partition %s: %w", p.path, err)
	}
	return nil
}

// mapRange maps length bytes at offset read-only. The mapping starts
// at the enclosing page boundary; the returned data is the requested
// range within it.
func (p *partitionFile) mapRange(offset, length uint64) (mapping, data []byte, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fd < 0 {
		return nil, nil, fmt.Errorf("mapping %s: %w", p.path, ErrUnmounted)
	}
	pageSize := uint64(unix.Getpagesize())
	start := offset - offset%pageSize
	mapping, err = unix.Mmap(p.fd, int64(start), int(offset-start+length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mapping %s at %d: %w", p.path, offset, err)
	}
	return mapping, mapping[offset-start:][:length:length], nil
}
