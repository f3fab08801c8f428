// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/secret"
)

// mountedContainer is a container open for reading.
type mountedContainer struct {
	name       string
	path       string
	toc        *container.TOC
	index      container.ChunkIndex
	partitions []*partitionFile
	header     *container.Header

	order    int32
	instance uint32

	blockKey *secret.Buffer

	// users counts live encoded blocks of this container. The block
	// key is closed once the container is unmounted and unused.
	users     atomic.Int32
	unmounted atomic.Bool
	closeOnce sync.Once
}

func (c *mountedContainer) retain() { c.users.Add(1) }

func (c *mountedContainer) release() {
	if c.users.Add(-1) == 0 && c.unmounted.Load() {
		c.closeKey()
	}
}

func (c *mountedContainer) markUnmounted() {
	c.unmounted.Store(true)
	if c.users.Load() == 0 {
		c.closeKey()
	}
}

func (c *mountedContainer) closeKey() {
	c.closeOnce.Do(func() {
		if c.blockKey != nil {
			c.blockKey.Close()
		}
	})
}

func (c *mountedContainer) keyBytes() []byte {
	if c.blockKey == nil {
		return nil
	}
	return c.blockKey.Bytes()
}

func (c *mountedContainer) closePartitions() error {
	var errs []error
	for _, partition := range c.partitions {
		if err := partition.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *mountedContainer) readerAts() []io.ReaderAt {
	readers := make([]io.ReaderAt, len(c.partitions))
	for i, partition := range c.partitions {
		readers[i] = partition
	}
	return readers
}

// lookup returns the location of a chunk in this container.
func (c *mountedContainer) lookup(id container.ChunkID) (container.OffsetAndLength, bool) {
	slot, ok := c.index.Lookup(id)
	if !ok {
		return container.OffsetAndLength{}, false
	}
	return c.toc.ChunkOffsetLengths[slot], true
}

// RegisterKey makes a master key available to Mount under keyID. The
// dispatcher takes ownership of key and closes it on Close or when
// another key is registered under the same id.
func (d *Dispatcher) RegisterKey(keyID string, key *secret.Buffer) error {
	if key.Len() != container.KeySize {
		return fmt.Errorf("key %q: must be %d bytes, got %d", keyID, container.KeySize, key.Len())
	}
	d.keysMu.Lock()
	defer d.keysMu.Unlock()
	if previous, ok := d.keys[keyID]; ok {
		previous.Close()
	}
	d.keys[keyID] = key
	return nil
}

// Mount opens the container whose table of contents is at tocPath and
// adds it to chunk lookup. Containers with a higher order take
// precedence; among equal orders, the latest mount wins. keyID names
// a key registered with RegisterKey and is required for encrypted
// containers.
//
// Mount either fully mounts the container or leaves nothing behind.
func (d *Dispatcher) Mount(tocPath string, order int32, keyID string) (*container.Header, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	tocPath = filepath.Clean(tocPath)

	d.readersMu.RLock()
	mounted := slices.ContainsFunc(d.containers, func(c *mountedContainer) bool { return c.path == tocPath })
	d.readersMu.RUnlock()
	if mounted {
		return nil, fmt.Errorf("mounting %s: already mounted", tocPath)
	}

	mount, err := d.openContainer(tocPath, order, keyID)
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", tocPath, err)
	}

	d.readersMu.Lock()
	if slices.ContainsFunc(d.containers, func(c *mountedContainer) bool { return c.path == tocPath }) {
		d.readersMu.Unlock()
		mount.closePartitions()
		mount.markUnmounted()
		return nil, fmt.Errorf("mounting %s: already mounted", tocPath)
	}
	position, _ := slices.BinarySearchFunc(d.containers, mount, compareMountPrecedence)
	d.containers = slices.Insert(d.containers, position, mount)
	d.readersMu.Unlock()

	d.metrics.mountedContainers.Inc()
	d.metrics.mountedChunks.Add(float64(len(mount.toc.ChunkIDs)))
	d.logger.Info("mounted container",
		"path", tocPath,
		"name", mount.name,
		"order", order,
		"chunks", len(mount.toc.ChunkIDs),
		"partitions", len(mount.partitions),
		"flags", mount.toc.Flags.String(),
	)
	return mount.header, nil
}

// compareMountPrecedence orders containers by order descending, then
// by mount instance descending.
func compareMountPrecedence(a, b *mountedContainer) int {
	if c := cmp.Compare(b.order, a.order); c != 0 {
		return c
	}
	return cmp.Compare(b.instance, a.instance)
}

func (d *Dispatcher) openContainer(tocPath string, order int32, keyID string) (*mountedContainer, error) {
	toc, err := container.ReadTOC(tocPath)
	if err != nil {
		return nil, err
	}
	mount := &mountedContainer{
		name:  toc.Name,
		path:  tocPath,
		toc:   toc,
		index: toc.Index(),
		order: order,
	}
	if mount.name == "" {
		mount.name = filepath.Base(container.BasePath(tocPath))
	}

	if toc.Flags.Has(container.FlagEncrypted) {
		if keyID != toc.EncryptionKeyID {
			return nil, fmt.Errorf("%w: container needs key %q, got %q",
				ErrInvalidEncryptionKey, toc.EncryptionKeyID, keyID)
		}
		d.keysMu.Lock()
		masterKey, ok := d.keys[keyID]
		var blockKey *secret.Buffer
		if ok {
			blockKey, err = container.DeriveBlockKey(masterKey.Bytes(), toc.KeySalt)
		}
		d.keysMu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: key %q is not registered", ErrInvalidEncryptionKey, keyID)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidEncryptionKey, err)
		}
		mount.blockKey = blockKey
	}

	fail := func(err error) (*mountedContainer, error) {
		mount.closePartitions()
		mount.markUnmounted()
		return nil, err
	}

	basePath := container.BasePath(tocPath)
	for i := range int(toc.PartitionCount) {
		partition, err := openPartition(container.PartitionPath(basePath, i), d.nextFile.Add(1))
		if err != nil {
			return fail(err)
		}
		mount.partitions = append(mount.partitions, partition)
	}
	for blockIndex, block := range toc.Blocks {
		partition, offset := toc.BlockLocation(block)
		if offset+block.RawSize() > mount.partitions[partition].size {
			return fail(fmt.Errorf("%w: block %d ends past the end of %s",
				container.ErrCorruptTOC, blockIndex, mount.partitions[partition].path))
		}
	}

	header, err := d.readHeader(mount)
	if err != nil {
		if toc.Flags.Has(container.FlagEncrypted) {
			err = fmt.Errorf("%w: %w", ErrInvalidEncryptionKey, err)
		}
		return fail(err)
	}
	mount.header = header
	mount.instance = d.nextInstance.Add(1)
	return mount, nil
}

// readHeader reads the container header chunk directly from the
// partitions. A container without a header chunk gets one built from
// its table of contents.
func (d *Dispatcher) readHeader(mount *mountedContainer) (*container.Header, error) {
	toc := mount.toc
	location, ok := mount.lookup(container.HeaderChunkID(toc.ContainerID))
	if !ok {
		return &container.Header{ContainerID: toc.ContainerID, Name: mount.name}, nil
	}
	onMismatch := func(blockIndex int, expected, actual container.Hash) error {
		d.reportSignatureError(SignatureError{
			ContainerName: mount.name,
			BlockIndex:    blockIndex,
			Expected:      expected,
			Actual:        actual,
		})
		return nil
	}
	data, err := container.ReadChunk(toc, mount.readerAts(), mount.keyBytes(), location, onMismatch)
	if err != nil {
		return nil, fmt.Errorf("reading container header: %w", err)
	}
	return container.DecodeHeader(data)
}

// Unmount removes the container at tocPath from lookup. Queued reads
// against it fail with ErrUnmounted; Unmount waits for reads already
// in progress before closing its files. It reports whether the
// container was mounted.
func (d *Dispatcher) Unmount(tocPath string) bool {
	tocPath = filepath.Clean(tocPath)
	d.readersMu.Lock()
	i := slices.IndexFunc(d.containers, func(c *mountedContainer) bool { return c.path == tocPath })
	if i < 0 {
		d.readersMu.Unlock()
		return false
	}
	mount := d.containers[i]
	d.containers = slices.Delete(d.containers, i, i+1)
	d.readersMu.Unlock()

	d.unmount(mount)
	return true
}

func (d *Dispatcher) unmount(mount *mountedContainer) {
	if failed := d.queue.FailPartitions(mount.partitions); failed > 0 {
		d.logger.Warn("failing queued reads of unmounted container",
			"path", mount.path, "reads", failed)
		d.notifyService()
	}
	d.waitForStartedReads(mount)
	if err := mount.closePartitions(); err != nil {
		d.logger.Error("closing partitions", "path", mount.path, "error", err)
	}
	mount.markUnmounted()

	d.metrics.mountedContainers.Dec()
	d.metrics.mountedChunks.Sub(float64(len(mount.toc.ChunkIDs)))
	d.logger.Info("unmounted container", "path", mount.path, "name", mount.name)
}

// unmountWarnInterval is how often Unmount logs while it waits on
// started reads.
const unmountWarnInterval = time.Second

func (d *Dispatcher) waitForStartedReads(mount *mountedContainer) {
	warn := d.clock.NewTicker(unmountWarnInterval)
	defer warn.Stop()
	for {
		started, changed := d.queue.startedReads(mount.partitions)
		if started == 0 {
			return
		}
		select {
		case <-changed:
		case <-warn.C:
			d.logger.Warn("unmount waiting for reads in progress",
				"path", mount.path, "reads", started)
		}
	}
}

// ReopenFileHandles closes and reopens every partition of every
// mounted container and clears the block cache. Use it after the
// files were replaced on disk.
func (d *Dispatcher) ReopenFileHandles() error {
	if live := d.liveRaw.Load(); live > 0 {
		d.logger.Warn("reopening partitions with reads in flight", "raw_blocks", live)
	}
	d.readersMu.Lock()
	var errs []error
	for _, mount := range d.containers {
		for _, partition := range mount.partitions {
			if err := partition.reopen(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	d.readersMu.Unlock()
	d.cache.Clear()
	return errors.Join(errs...)
}

// resolve finds the highest-precedence mounted container holding id.
// The caller holds readersMu.
func (d *Dispatcher) resolveLocked(id container.ChunkID) (*mountedContainer, container.OffsetAndLength, bool) {
	for _, mount := range d.containers {
		if location, ok := mount.lookup(id); ok {
			return mount, location, true
		}
	}
	return nil, container.OffsetAndLength{}, false
}

// DoesChunkExist reports whether any mounted container holds id.
func (d *Dispatcher) DoesChunkExist(id container.ChunkID) bool {
	d.readersMu.RLock()
	defer d.readersMu.RUnlock()
	_, _, ok := d.resolveLocked(id)
	return ok
}

// SizeForChunk returns the uncompressed size of a chunk.
func (d *Dispatcher) SizeForChunk(id container.ChunkID) (uint64, error) {
	d.readersMu.RLock()
	defer d.readersMu.RUnlock()
	_, location, ok := d.resolveLocked(id)
	if !ok {
		return 0, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return location.Length, nil
}

// ChunkIDs returns every chunk visible through lookup, each once, in
// precedence order.
func (d *Dispatcher) ChunkIDs() []container.ChunkID {
	d.readersMu.RLock()
	defer d.readersMu.RUnlock()
	seen := make(map[container.ChunkID]struct{})
	var ids []container.ChunkID
	for _, mount := range d.containers {
		for _, id := range mount.toc.ChunkIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
