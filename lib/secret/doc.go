// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds container encryption keys in memory that the
// Go runtime never sees.
//
// A [Buffer] is an anonymous mmap region, locked against swap and
// excluded from core dumps. Master keys registered with the dispatcher
// and the per-container block keys derived from them both live in
// Buffers; Close zeroes and unmaps the region.
//
// [ReadKeyFile] loads a master key from disk, accepting either the raw
// key bytes or their hex encoding.
package secret
