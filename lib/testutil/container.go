// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/iostore/lib/container"
)

// Chunk is one chunk of a test container.
type Chunk struct {
	ID   container.ChunkID
	Data []byte
}

// WriteContainer writes chunks into a container named name in a fresh
// temporary directory and returns the table of contents path and the
// table of contents.
func WriteContainer(t testing.TB, name string, options container.WriterOptions, chunks ...Chunk) (string, *container.TOC) {
	t.Helper()
	tocPath := filepath.Join(t.TempDir(), name+container.TOCExtension)
	if options.Name == "" {
		options.Name = name
	}
	writer, err := container.NewWriter(tocPath, options)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for _, chunk := range chunks {
		if err := writer.Append(chunk.ID, chunk.Data); err != nil {
			t.Fatalf("Append(%s) failed: %v", chunk.ID, err)
		}
	}
	toc, err := writer.Close()
	if err != nil {
		t.Fatalf("writing container %s failed: %v", name, err)
	}
	return tocPath, toc
}

// RandomData returns size pseudo-random bytes determined by seed. The
// data does not compress, so every block is stored as written.
func RandomData(seed uint64, size int) []byte {
	source := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(source.Uint32())
	}
	return data
}

// TextData returns size bytes of repetitive text that every supported
// compression method shrinks.
func TextData(size int) []byte {
	line := []byte("the quick brown fox jumps over the lazy dog 0123456789\n")
	return bytes.Repeat(line, size/len(line)+1)[:size]
}
