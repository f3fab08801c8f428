// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/bureau-foundation/iostore/lib/secret"
)

// ErrSignatureMismatch is returned when a block's hash does not match
// the signature recorded in the table of contents.
var ErrSignatureMismatch = errors.New("block signature mismatch")

// MismatchFunc is called by ReadChunk when a block fails signature
// verification. Returning nil continues with the (suspect) block.
type MismatchFunc func(blockIndex int, expected, actual Hash) error

// VerifyBlock checks raw against the signature of block blockIndex.
// Containers without FlagSigned always verify.
func VerifyBlock(toc *TOC, blockIndex int, raw []byte) (expected, actual Hash, ok bool) {
	if !toc.Flags.Has(FlagSigned) {
		return Hash{}, Hash{}, true
	}
	expected = toc.BlockSignatures[blockIndex]
	actual = HashBlock(raw)
	return expected, actual, expected == actual
}

// ReadChunk reads and decodes length bytes of a chunk located at
// location, starting offset bytes into the chunk, by reading every
// covering block from partitions. blockKey is required for encrypted
// containers. onMismatch may be nil, in which case a signature
// mismatch fails the read.
//
// ReadChunk performs one read per block and no caching; it serves
// mount-time header reads and offline verification.
func ReadChunk(toc *TOC, partitions []io.ReaderAt, blockKey []byte, location OffsetAndLength, onMismatch MismatchFunc) ([]byte, error) {
	result := make([]byte, location.Length)
	if location.Length == 0 {
		return result, nil
	}
	if toc.Flags.Has(FlagEncrypted) && blockKey == nil {
		return nil, errors.New("container is encrypted and no key was supplied")
	}

	blockSize := uint64(toc.CompressionBlockSize)
	first, last := toc.BlockRange(location.Offset, location.Length)
	for blockIndex := first; blockIndex <= last; blockIndex++ {
		block := toc.Blocks[blockIndex]
		partition, offset := toc.BlockLocation(block)
		if partition >= len(partitions) {
			return nil, fmt.Errorf("block %d: partition %d not open", blockIndex, partition)
		}
		raw := make([]byte, block.RawSize())
		if _, err := partitions[partition].ReadAt(raw, int64(offset)); err != nil {
			return nil, fmt.Errorf("block %d: reading partition %d: %w", blockIndex, partition, err)
		}

		if expected, actual, ok := VerifyBlock(toc, blockIndex, raw); !ok {
			err := fmt.Errorf("block %d: %w", blockIndex, ErrSignatureMismatch)
			if onMismatch != nil {
				err = onMismatch(blockIndex, expected, actual)
			}
			if err != nil {
				return nil, err
			}
		}
		if toc.Flags.Has(FlagEncrypted) {
			if err := DecryptBlock(blockKey, uint32(blockIndex), raw); err != nil {
				return nil, err
			}
		}
		decoded := make([]byte, block.UncompressedSize)
		if err := Decompress(toc.Method(block), decoded, raw[:block.CompressedSize]); err != nil {
			return nil, fmt.Errorf("block %d: %w", blockIndex, err)
		}

		blockStart := uint64(blockIndex) * blockSize
		copyStart := max(location.Offset, blockStart)
		copyEnd := min(location.End(), blockStart+uint64(block.UncompressedSize))
		copy(result[copyStart-location.Offset:], decoded[copyStart-blockStart:copyEnd-blockStart])
	}
	return result, nil
}

// Archive reads whole chunks from a container without any scheduling.
// It is the reference reader used to verify containers; the dispatcher
// in lib/iostore is the production read path.
type Archive struct {
	TOC *TOC

	index    ChunkIndex
	files    []*os.File
	readers  []io.ReaderAt
	blockKey *secret.Buffer
}

// OpenArchive opens a container. masterKey is required when the
// container is encrypted and ignored otherwise.
func OpenArchive(tocPath string, masterKey []byte) (*Archive, error) {
	toc, err := ReadTOC(tocPath)
	if err != nil {
		return nil, err
	}
	archive := &Archive{TOC: toc, index: toc.Index()}
	if toc.Flags.Has(FlagEncrypted) {
		if masterKey == nil {
			return nil, fmt.Errorf("container %q is encrypted with key %q", toc.Name, toc.EncryptionKeyID)
		}
		archive.blockKey, err = DeriveBlockKey(masterKey, toc.KeySalt)
		if err != nil {
			return nil, err
		}
	}
	basePath := BasePath(tocPath)
	for index := range int(toc.PartitionCount) {
		file, err := os.Open(PartitionPath(basePath, index))
		if err != nil {
			archive.Close()
			return nil, fmt.Errorf("opening partition %d: %w", index, err)
		}
		archive.files = append(archive.files, file)
		archive.readers = append(archive.readers, file)
	}
	return archive, nil
}

// Lookup returns the location of a chunk.
func (a *Archive) Lookup(id ChunkID) (OffsetAndLength, bool) {
	slot, ok := a.index.Lookup(id)
	if !ok {
		return OffsetAndLength{}, false
	}
	return a.TOC.ChunkOffsetLengths[slot], true
}

// ReadChunk reads a whole chunk. Signature mismatches are errors.
func (a *Archive) ReadChunk(id ChunkID) ([]byte, error) {
	location, ok := a.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("chunk %s not found", id)
	}
	var blockKey []byte
	if a.blockKey != nil {
		blockKey = a.blockKey.Bytes()
	}
	return ReadChunk(a.TOC, a.readers, blockKey, location, nil)
}

// Header reads the container header chunk.
func (a *Archive) Header() (*Header, error) {
	data, err := a.ReadChunk(HeaderChunkID(a.TOC.ContainerID))
	if err != nil {
		return nil, err
	}
	return DecodeHeader(data)
}

// Close closes the partition files and releases the block key.
func (a *Archive) Close() error {
	var errs []error
	for _, file := range a.files {
		errs = append(errs, file.Close())
	}
	if a.blockKey != nil {
		errs = append(errs, a.blockKey.Close())
	}
	return errors.Join(errs...)
}
