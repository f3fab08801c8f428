// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package iostore is the chunk I/O dispatcher: it turns "read this
// chunk" requests into scheduled, deduplicated, cached, verified,
// decrypted and decompressed reads against mounted containers (see
// lib/container for the on-disk format).
//
// A logical read resolves to a byte range in one container's
// uncompressed address space. The range is covered by one or more
// encoded blocks (the unit of compression, encryption and
// signatures), and each encoded block by one or more raw blocks (the
// unit of disk reads, ReadBufferSize bytes of one partition file).
// Both kinds of block are shared between every in-flight request that
// needs them, so overlapping reads cost one disk read and one decode.
//
// Goroutines:
//
//   - The dispatcher loop owns the request tracker. It resolves
//     submitted batches, processes finished disk reads and decodes,
//     and completes requests.
//   - The read service pops raw blocks from the read queue and reads
//     them into pooled buffers with pread. It stops popping while the
//     buffer pool is empty.
//   - Decode work runs on a [Scheduler] (by default a [TaskPool]) or
//     inline on the dispatcher loop.
//
// With Config.Multithreaded false no goroutines are started and the
// caller drives all work with [Dispatcher.Tick].
//
// Lock order: mounted containers, then the read queue. The buffer
// pool and block cache have their own locks and are leaves. No lock
// is held across a disk read or a decode.
package iostore
