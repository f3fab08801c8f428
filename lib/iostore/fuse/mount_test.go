// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/iostore"
	"github.com/bureau-foundation/iostore/lib/testutil"
)

// fuseAvailable checks whether /dev/fuse is accessible and a
// fusermount helper is on PATH. Tests that need a real FUSE mount call
// this and skip when either is missing.
func fuseAvailable(t *testing.T) {
	t.Helper()
	_, err := os.Stat("/dev/fuse")
	if err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
	if _, err := exec.LookPath("fusermount3"); err == nil {
		return
	}
	if _, err := exec.LookPath("fusermount"); err != nil {
		t.Skip("skipping: fusermount not found in PATH")
	}
}

func testChunkID(index uint16) container.ChunkID {
	return container.NewChunkID(0xfeed, index, container.ChunkTypeData)
}

// testDispatcher returns a dispatcher with one container mounted
// holding three chunks, and the chunk contents by id.
func testDispatcher(t *testing.T) (*iostore.Dispatcher, map[container.ChunkID][]byte) {
	t.Helper()

	contents := map[container.ChunkID][]byte{
		testChunkID(0): testutil.TextData(100_000),
		testChunkID(1): testutil.RandomData(1, 5000),
		testChunkID(2): []byte("small chunk"),
	}
	var chunks []testutil.Chunk
	for id, data := range contents {
		chunks = append(chunks, testutil.Chunk{ID: id, Data: data})
	}
	tocPath, _ := testutil.WriteContainer(t, "view", container.WriterOptions{
		CompressionBlockSize: 16 * 1024,
		Compression:          container.CompressionZstd,
		Sign:                 true,
	}, chunks...)

	config := iostore.DefaultConfig()
	config.TaskWorkers = 2
	dispatcher, err := iostore.New(iostore.Options{
		Config: config,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("iostore.New: %v", err)
	}
	t.Cleanup(func() { dispatcher.Close() })

	if _, err := dispatcher.Mount(tocPath, 0, ""); err != nil {
		t.Fatalf("Mount(%s): %v", tocPath, err)
	}
	return dispatcher, contents
}

// testMount mounts the FUSE view of a test dispatcher and returns the
// mountpoint. The mount is automatically unmounted when the test ends.
func testMount(t *testing.T) (string, *iostore.Dispatcher, map[container.ChunkID][]byte) {
	t.Helper()
	fuseAvailable(t)

	dispatcher, contents := testDispatcher(t)
	mountpoint := filepath.Join(t.TempDir(), "mount")

	server, err := Mount(Options{
		Mountpoint: mountpoint,
		Dispatcher: dispatcher,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})
	return mountpoint, dispatcher, contents
}

// ---- Read path tests (no kernel mount) ----

func TestReadRange(t *testing.T) {
	dispatcher, contents := testDispatcher(t)
	ctx := context.Background()
	data := contents[testChunkID(0)]

	tests := []struct {
		name   string
		length int
		offset int64
		want   []byte
	}{
		{"whole", len(data), 0, data},
		{"middle across blocks", 40_000, 10_000, data[10_000:50_000]},
		{"clipped at end", 4096, int64(len(data) - 100), data[len(data)-100:]},
		{"at end", 4096, int64(len(data)), nil},
		{"past end", 4096, int64(len(data) + 1), nil},
		{"zero length", 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readRange(ctx, dispatcher, testChunkID(0), 0, tt.length, tt.offset)
			if err != nil {
				t.Fatalf("readRange failed: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("readRange returned %d bytes, want %d", len(got), len(tt.want))
			}
		})
	}
}

func TestReadRangeErrors(t *testing.T) {
	dispatcher, _ := testDispatcher(t)
	ctx := context.Background()

	_, err := readRange(ctx, dispatcher, testChunkID(99), 0, 10, 0)
	if errno := errnoFor(err); errno != syscall.ENOENT {
		t.Errorf("missing chunk errno = %v, want ENOENT (err %v)", errno, err)
	}

	_, err = readRange(ctx, dispatcher, testChunkID(0), 0, 10, -1)
	if errno := errnoFor(err); errno != syscall.EINVAL {
		t.Errorf("negative offset errno = %v, want EINVAL (err %v)", errno, err)
	}
}

func TestErrnoFor(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{context.Canceled, syscall.EINTR},
		{iostore.ErrCancelled, syscall.EINTR},
		{fmt.Errorf("wrapped: %w", iostore.ErrNotFound), syscall.ENOENT},
		{iostore.ErrUnmounted, syscall.ENOENT},
		{iostore.ErrInvalidRange, syscall.EINVAL},
		{iostore.ErrReadFailed, syscall.EIO},
		{iostore.ErrSignatureMismatch, syscall.EIO},
		{errors.New("anything else"), syscall.EIO},
	}
	for _, tt := range tests {
		if got := errnoFor(tt.err); got != tt.want {
			t.Errorf("errnoFor(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestInodeNumberStable(t *testing.T) {
	first := inodeNumber(testChunkID(7))
	if first <= 1 {
		t.Errorf("inodeNumber = %d, want > 1", first)
	}
	if again := inodeNumber(testChunkID(7)); again != first {
		t.Errorf("inodeNumber not stable: %d then %d", first, again)
	}
	if other := inodeNumber(testChunkID(8)); other == first {
		t.Errorf("distinct chunks share inode %d", first)
	}
}

func TestMountRequiresDispatcher(t *testing.T) {
	if _, err := Mount(Options{Mountpoint: t.TempDir()}); err == nil {
		t.Error("Mount without a dispatcher succeeded, want error")
	}
	if _, err := Mount(Options{}); err == nil {
		t.Error("Mount without a mountpoint succeeded, want error")
	}
}

// ---- Kernel mount tests ----

func TestMountListsChunks(t *testing.T) {
	mountpoint, _, contents := testMount(t)

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	names := make(map[string]bool)
	for _, entry := range entries {
		names[entry.Name()] = true
	}
	for id := range contents {
		if !names[id.String()] {
			t.Errorf("missing entry for chunk %s", id)
		}
	}
}

func TestMountReadChunks(t *testing.T) {
	mountpoint, _, contents := testMount(t)

	for id, want := range contents {
		path := filepath.Join(mountpoint, id.String())

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat(%s): %v", id, err)
		}
		if info.Size() != int64(len(want)) {
			t.Errorf("Stat(%s).Size() = %d, want %d", id, info.Size(), len(want))
		}

		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", id, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadFile(%s) returned %d bytes that differ from the %d written", id, len(got), len(want))
		}
	}
}

func TestMountReadAt(t *testing.T) {
	mountpoint, _, contents := testMount(t)
	want := contents[testChunkID(0)]

	file, err := os.Open(filepath.Join(mountpoint, testChunkID(0).String()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer file.Close()

	got := make([]byte, 3000)
	if _, err := file.ReadAt(got, 70_000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want[70_000:73_000]) {
		t.Error("ReadAt returned the wrong bytes")
	}
}

func TestMountUnknownChunk(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	for _, name := range []string{testChunkID(99).String(), "not-a-chunk-id"} {
		_, err := os.Stat(filepath.Join(mountpoint, name))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Stat(%s) error = %v, want ErrNotExist", name, err)
		}
	}
}

func TestMountIsReadOnly(t *testing.T) {
	mountpoint, _, _ := testMount(t)

	_, err := os.OpenFile(filepath.Join(mountpoint, testChunkID(2).String()), os.O_WRONLY, 0)
	if err == nil {
		t.Fatal("opening a chunk for writing succeeded, want EROFS")
	}
	if !errors.Is(err, syscall.EROFS) {
		t.Errorf("open for writing error = %v, want EROFS", err)
	}
}

func TestMountFollowsUnmount(t *testing.T) {
	mountpoint, dispatcher, _ := testMount(t)

	// A second container shadows chunk 2 until it is unmounted.
	replacement := []byte("replacement contents, longer than the original")
	patchPath, _ := testutil.WriteContainer(t, "patch", container.WriterOptions{},
		testutil.Chunk{ID: testChunkID(2), Data: replacement})
	if _, err := dispatcher.Mount(patchPath, 10, ""); err != nil {
		t.Fatalf("Mount(patch): %v", err)
	}

	got, err := os.ReadFile(filepath.Join(mountpoint, testChunkID(2).String()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, replacement) {
		t.Errorf("ReadFile = %q, want the patched contents %q", got, replacement)
	}

	if !dispatcher.Unmount(patchPath) {
		t.Fatal("Unmount(patch) = false")
	}
	if !dispatcher.DoesChunkExist(testChunkID(2)) {
		t.Fatal("chunk 2 disappeared with the patch")
	}
}
