// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/iostore/lib/container"
)

var (
	// ErrNotFound is returned when no mounted container holds a chunk.
	ErrNotFound = errors.New("chunk not found")

	// ErrReadFailed is the cause of a block whose disk read failed
	// after every retry.
	ErrReadFailed = errors.New("read failed")

	// ErrCancelled is returned by a request that was cancelled.
	ErrCancelled = errors.New("request cancelled")

	// ErrSignatureMismatch is the cause of a block whose signature did
	// not verify. The block's data is still delivered.
	ErrSignatureMismatch = container.ErrSignatureMismatch

	// ErrDecompressionFailed is the cause of a block that did not
	// decode.
	ErrDecompressionFailed = errors.New("decompression failed")

	// ErrInvalidEncryptionKey is returned by Mount when the container
	// is encrypted and the named key is missing or wrong.
	ErrInvalidEncryptionKey = errors.New("invalid encryption key")

	// ErrInvalidRange is returned when a read starts past the end of
	// its chunk or its destination is too small.
	ErrInvalidRange = errors.New("invalid range")

	// ErrUnmounted is the cause of a queued block whose container was
	// unmounted before it was read.
	ErrUnmounted = errors.New("container unmounted")

	// ErrNotMappable is returned by OpenMapped for a chunk whose bytes
	// are not stored verbatim and contiguously in one partition.
	ErrNotMappable = errors.New("chunk is not mappable")

	// ErrClosed is returned by requests submitted to, or still in
	// flight in, a closed dispatcher.
	ErrClosed = errors.New("dispatcher closed")
)

// BlockError reports the first encoded block that failed for a
// request.
type BlockError struct {
	Container  string
	BlockIndex int
	Err        error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("container %s: block %d: %v", e.Container, e.BlockIndex, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// SignatureError describes a block whose hash did not match the
// signature in its container's table of contents.
type SignatureError struct {
	ContainerName string
	BlockIndex    int
	Expected      container.Hash
	Actual        container.Hash
}

func (e SignatureError) Error() string {
	return fmt.Sprintf("container %s: block %d: signature mismatch (expected %s, got %s)",
		e.ContainerName, e.BlockIndex, e.Expected, e.Actual)
}

func (e SignatureError) Unwrap() error { return ErrSignatureMismatch }
