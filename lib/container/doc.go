// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package container defines the on-disk format of an iostore container
// and the primitives needed to read and write one.
//
// A container is a table of contents (the ".iotoc" file) and one or
// more partition files (".iocas", "_s1.iocas", ...). Chunks are the
// unit of addressing: each chunk has a 12-byte [ChunkID] and occupies a
// contiguous range of the container's uncompressed address space. That
// address space is cut into fixed-size compression blocks. Every block
// is compressed independently, padded to [BlockAlignment], optionally
// encrypted and signed, and stored at a known offset in one of the
// partitions. A block never straddles two partitions.
//
// The table of contents maps a chunk id to its uncompressed offset and
// length through a [ChunkIndex]. Containers written by [Writer] carry a
// perfect hash table (see [BuildPerfectHash]) so lookups touch at most
// two slots; chunks the builder could not place go into a small
// fallback list resolved through a map.
//
// Everything needed to turn raw partition bytes back into chunk bytes
// lives here as stateless functions: [VerifyBlock], [DecryptBlock] and
// [Decompress]. Scheduling those reads is the job of lib/iostore.
package container
