// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/iostore"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Dispatcher serves every read. Containers mounted on it appear
	// and disappear from the view as they are mounted and unmounted.
	Dispatcher *iostore.Dispatcher

	// Priority is the read priority of requests made on behalf of
	// the kernel.
	Priority int32

	// AllowOther permits other users (including root) to access
	// the mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, errors are logged
	// to stderr.
	Logger *slog.Logger
}

// Mount mounts a read-only view of the dispatcher's chunks at the
// configured mountpoint. Each chunk is a regular file named by its hex
// chunk id. The caller must call Unmount on the returned Server when
// done. The mountpoint directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{options: &options}

	// Containers can be mounted and unmounted at any time, so cached
	// entries are kept short.
	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "bureau-iostore",
			Name:       "bureau",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("iostore FUSE filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// rootNode lists every chunk visible through the dispatcher.
type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	id, err := container.ParseChunkID(name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	size, err := r.options.Dispatcher.SizeForChunk(id)
	if err != nil {
		return nil, syscall.ENOENT
	}

	node := &chunkNode{options: r.options, id: id}
	child := r.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: inodeNumber(id)})
	fillAttr(&out.Attr, size)
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	ids := r.options.Dispatcher.ChunkIDs()
	slices.SortFunc(ids, func(a, b container.ChunkID) int {
		return slices.Compare(a[:], b[:])
	})

	entries := make([]fuse.DirEntry, len(ids))
	for i, id := range ids {
		entries[i] = fuse.DirEntry{
			Name: id.String(),
			Mode: syscall.S_IFREG,
			Ino:  inodeNumber(id),
		}
	}
	return gofuse.NewListDirStream(entries), 0
}

// chunkNode is one chunk as a read-only file. The size is looked up
// on every Getattr because a higher-order mount can replace the chunk.
type chunkNode struct {
	gofuse.Inode
	options *Options
	id      container.ChunkID
}

var _ gofuse.InodeEmbedder = (*chunkNode)(nil)
var _ gofuse.NodeGetattrer = (*chunkNode)(nil)
var _ gofuse.NodeOpener = (*chunkNode)(nil)
var _ gofuse.NodeReader = (*chunkNode)(nil)

func (c *chunkNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	size, err := c.options.Dispatcher.SizeForChunk(c.id)
	if err != nil {
		return syscall.ENOENT
	}
	fillAttr(&out.Attr, size)
	return 0
}

func (c *chunkNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	if !c.options.Dispatcher.DoesChunkExist(c.id) {
		return nil, 0, syscall.ENOENT
	}
	// No FOPEN_KEEP_CACHE: the chunk behind this name changes when a
	// higher-order container is mounted.
	return nil, 0, 0
}

func (c *chunkNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := readRange(ctx, c.options.Dispatcher, c.id, c.options.Priority, len(dest), off)
	if errno := errnoFor(err); errno != 0 {
		if errno == syscall.EIO {
			c.options.Logger.Error("read failed",
				"chunk", c.id,
				"offset", off,
				"error", err,
			)
		}
		return nil, errno
	}
	return fuse.ReadResultData(data), 0
}

// readRange reads up to length bytes of a chunk at off. Reading at or
// past the end returns no data.
func readRange(ctx context.Context, dispatcher *iostore.Dispatcher, id container.ChunkID, priority int32, length int, off int64) ([]byte, error) {
	if off < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", iostore.ErrInvalidRange, off)
	}
	size, err := dispatcher.SizeForChunk(id)
	if err != nil {
		return nil, err
	}
	if uint64(off) >= size || length == 0 {
		return nil, nil
	}
	want := min(uint64(length), size-uint64(off))

	// The dispatcher allocates the result: a cancelled read that has
	// already started still writes into its destination.
	return dispatcher.ReadAndWait(ctx, iostore.ReadRequest{
		ChunkID:  id,
		Offset:   uint64(off),
		Size:     want,
		Priority: priority,
	})
}

// errnoFor maps a read error to the errno returned to the kernel.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, iostore.ErrCancelled):
		return syscall.EINTR
	case errors.Is(err, iostore.ErrNotFound), errors.Is(err, iostore.ErrUnmounted):
		return syscall.ENOENT
	case errors.Is(err, iostore.ErrInvalidRange):
		return syscall.EINVAL
	default:
		// Includes signature mismatches: the data is not trusted.
		return syscall.EIO
	}
}

func fillAttr(attr *fuse.Attr, size uint64) {
	attr.Mode = syscall.S_IFREG | 0o444
	attr.Size = size
	attr.Blocks = (size + 511) / 512
	attr.Blksize = 65536
}

// inodeNumber gives a chunk the same inode number in every listing.
func inodeNumber(id container.ChunkID) uint64 {
	ino := xxhash.Sum64(id[:])
	// Inode 1 is the root.
	if ino <= 1 {
		ino += 2
	}
	return ino
}
