// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package iostore

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/iostore/lib/container"
)

// BlockKey identifies a block. For raw blocks File is the partition's
// file index and Block the read-buffer-sized slot in that file; for
// encoded blocks File is the container's mount instance and Block the
// index into its table of contents.
type BlockKey struct {
	File  uint32
	Block uint32
}

func (k BlockKey) String() string { return fmt.Sprintf("%d:%d", k.File, k.Block) }

type readStatus uint8

const (
	statusNotQueued readStatus = iota
	statusQueued
	statusStarted
	statusCompleted
)

// rawBlock is one disk read of up to ReadBufferSize bytes.
//
// Fields up to status are set by the dispatcher loop before the block
// is queued. The queue lock guards status, priority, cancelled, failed
// and err while the block is queued; once popped, the read service
// owns buffer, failed and err until it hands the block back.
type rawBlock struct {
	key       BlockKey
	partition *partitionFile
	offset    uint64
	size      uint64

	// bytesUsed is the number of bytes encoded blocks need from this
	// read.
	bytesUsed uint64

	priority int32
	sequence uint64
	queuedAt time.Time
	status   readStatus

	cancelled bool
	failed    bool
	err       error

	buffer BufferHandle

	// bufferRefs counts encoded blocks that still need buffer.
	bufferRefs    int
	encodedBlocks []*encodedBlock

	// refs counts resolved requests linked to this block.
	refs int

	// Queue positions: heapIndex in the sequence or cancelled heap,
	// ageIndex in the bucket's age heap.
	heapIndex int
	ageIndex  int
	bucket    *priorityBucket
	parked    bool // in the cancelled heap
}

func (b *rawBlock) needsRead() bool { return !b.cancelled && !b.failed }

// blockScatter is one request's share of an encoded block. A share
// whose request was cancelled keeps its slot with size zero.
type blockScatter struct {
	request   *resolvedRequest
	dstOffset uint64
	srcOffset uint64
	size      uint64
}

// encodedBlock is one compressed, optionally encrypted and signed
// block of a container.
type encodedBlock struct {
	key       BlockKey
	container *mountedContainer
	index     int

	rawOffset        uint64
	rawSize          uint64
	compressedSize   uint32
	uncompressedSize uint32
	method           container.CompressionMethod

	rawBlocks     []*rawBlock
	unfinishedRaw int
	refs          int
	scatter       []blockScatter

	// staging holds the raw bytes of a block that spans more than one
	// raw block.
	staging []byte
	scratch *[]byte
	hasSlot bool

	failed    bool
	cause     error
	cancelled bool

	// signature is set when the block failed verification.
	signature *SignatureError
}

func (b *encodedBlock) fail(cause error) {
	if !b.failed {
		b.failed = true
		b.cause = cause
	}
}

// needsTransform reports whether decoding does more than copy bytes.
func (b *encodedBlock) needsTransform() bool {
	flags := b.container.toc.Flags
	return b.method != container.CompressionNone ||
		flags.Has(container.FlagEncrypted) ||
		flags.Has(container.FlagSigned)
}

// resolvedRequest is the tracker's view of one Request.
type resolvedRequest struct {
	request   *Request
	container *mountedContainer
	offset    uint64
	size      uint64
	priority  int32

	// links holds every raw block of every encoded block the request
	// reads, one entry per (encoded block, raw block) pair.
	links      []*rawBlock
	unfinished int

	// buffer is the destination, allocated before the first scatter.
	buffer []byte

	err          error
	signatureErr error

	// cancelled is set when Cancel completed the request before its
	// blocks finished. partial is set when Cancel removed some of the
	// request's scatter but in-flight reads still owe it completion.
	cancelled bool
	partial   bool
}
