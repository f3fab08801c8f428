// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse implements a read-only FUSE filesystem over an
// [iostore.Dispatcher].
//
// The mount root is a flat directory with one regular file per visible
// chunk, named by the chunk id in hex. When two mounted containers hold
// the same chunk id, the file shows the one with the higher mount
// order, exactly as [iostore.Dispatcher.Read] would resolve it.
//
// # Read Path
//
// Every kernel read becomes one ranged [iostore.ReadRequest] at the
// configured priority, so FUSE readers share the dispatcher's queue,
// cache and decode pipeline with in-process readers. An interrupted
// read cancels its request. Failed reads, including blocks whose
// signature did not verify, return EIO.
//
// The kernel page cache is not kept across opens, because mounting a
// higher-order container can change what a name refers to.
package fuse
