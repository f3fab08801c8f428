// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bureau-foundation/iostore/lib/container"
	"github.com/bureau-foundation/iostore/lib/testutil"
)

func TestOpenMappedUncompressedChunk(t *testing.T) {
	source := testutil.RandomData(40, 3000)
	tocPath, _ := testutil.WriteContainer(t, "mapped", container.WriterOptions{
		CompressionBlockSize: 1024,
		Compression:          container.CompressionNone,
	}, testutil.Chunk{ID: chunkID(1), Data: source})

	d := newTestDispatcher(t, testConfig())
	mount(t, d, tocPath, 0, "")

	whole, err := d.OpenMapped(chunkID(1), 0, 0)
	if err != nil {
		t.Fatalf("OpenMapped failed: %v", err)
	}
	if !bytes.Equal(whole.Bytes(), source) {
		t.Errorf("mapped chunk differs from the source (%d bytes, want %d)", len(whole.Bytes()), len(source))
	}

	part, err := d.OpenMapped(chunkID(1), 1500, 700)
	if err != nil {
		t.Fatalf("OpenMapped(1500, 700) failed: %v", err)
	}
	if !bytes.Equal(part.Bytes(), source[1500:2200]) {
		t.Error("mapped range differs from the source")
	}

	// Mappings outlive the mount.
	if !d.Unmount(tocPath) {
		t.Fatal("Unmount returned false")
	}
	if !bytes.Equal(part.Bytes(), source[1500:2200]) {
		t.Error("mapped range changed after unmount")
	}

	for _, region := range []*MappedRegion{whole, part} {
		if err := region.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if err := region.Close(); err != nil {
			t.Errorf("second Close failed: %v", err)
		}
	}
	if got := d.Stats().MappedRegions; got != 2 {
		t.Errorf("MappedRegions = %d, want 2", got)
	}
}

func TestOpenMappedErrors(t *testing.T) {
	plainPath, _ := testutil.WriteContainer(t, "plain", container.WriterOptions{
		CompressionBlockSize: 1024,
		Compression:          container.CompressionNone,
	}, testutil.Chunk{ID: chunkID(1), Data: testutil.RandomData(41, 2000)})
	compressedPath, _ := testutil.WriteContainer(t, "compressed", container.WriterOptions{
		CompressionBlockSize: 1024,
		Compression:          container.CompressionZstd,
	}, testutil.Chunk{ID: chunkID(2), Data: testutil.TextData(2000)})
	key := testKey(t, 3)
	encryptedPath, _ := testutil.WriteContainer(t, "encrypted", container.WriterOptions{
		CompressionBlockSize: 1024,
		Compression:          container.CompressionNone,
		EncryptionKeyID:      "mapped-key",
		EncryptionKey:        key,
	}, testutil.Chunk{ID: chunkID(3), Data: testutil.RandomData(42, 2000)})

	d := newTestDispatcher(t, testConfig())
	registerKey(t, d, "mapped-key", key)
	mount(t, d, plainPath, 0, "")
	mount(t, d, compressedPath, 0, "")
	mount(t, d, encryptedPath, 0, "mapped-key")

	tests := []struct {
		name   string
		id     container.ChunkID
		offset uint64
		want   error
	}{
		{"missing chunk", chunkID(9), 0, ErrNotFound},
		{"offset past end", chunkID(1), 2001, ErrInvalidRange},
		{"compressed", chunkID(2), 0, ErrNotMappable},
		{"encrypted", chunkID(3), 0, ErrNotMappable},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			region, err := d.OpenMapped(test.id, test.offset, 0)
			if !errors.Is(err, test.want) {
				t.Errorf("OpenMapped error = %v, want %v", err, test.want)
			}
			if region != nil {
				region.Close()
			}
		})
	}

	empty, err := d.OpenMapped(chunkID(1), 2000, 0)
	if err != nil {
		t.Fatalf("OpenMapped at the end failed: %v", err)
	}
	if len(empty.Bytes()) != 0 {
		t.Errorf("mapping at the end has %d bytes, want 0", len(empty.Bytes()))
	}
	empty.Close()
}
