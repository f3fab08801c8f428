// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/iostore/lib/codec"
)

const (
	// TOCExtension is the file extension of a table of contents.
	TOCExtension = ".iotoc"

	// PartitionExtension is the file extension of a partition file.
	PartitionExtension = ".iocas"

	// TOCVersion is the only table of contents version this package
	// reads and writes.
	TOCVersion = 1

	// BlockAlignment is the alignment of every block's raw size in a
	// partition file. Padding bytes are zero before encryption.
	BlockAlignment = 16

	// DefaultCompressionBlockSize is the compression block size used
	// by [Writer] when none is configured.
	DefaultCompressionBlockSize = 64 << 10

	// DefaultPartitionSize is the partition size used by [Writer] when
	// none is configured.
	DefaultPartitionSize = 2 << 30
)

// TOCMagicSize is the size of the magic that opens every table of
// contents file. The CBOR payload follows it.
const TOCMagicSize = 8

var tocMagic = [TOCMagicSize]byte{'B', 'U', 'R', 'E', 'A', 'U', 'I', 'O'}

// ErrCorruptTOC is returned (wrapped) when a table of contents fails
// validation.
var ErrCorruptTOC = errors.New("corrupt table of contents")

// Flags are container-level properties.
type Flags uint8

const (
	// FlagCompressed is set when at least one block uses a method
	// other than CompressionNone.
	FlagCompressed Flags = 1 << iota

	// FlagEncrypted is set when every block is encrypted with the
	// container's block key.
	FlagEncrypted

	// FlagSigned is set when the table of contents carries one
	// signature hash per block.
	FlagSigned

	// FlagIndexed is set when the table of contents carries a perfect
	// hash seed table.
	FlagIndexed
)

// Has reports whether every bit of flag is set.
func (f Flags) Has(flag Flags) bool { return f&flag == flag }

// String lists the set flags, for logs and the CLI.
func (f Flags) String() string {
	var names []string
	for _, entry := range []struct {
		flag Flags
		name string
	}{
		{FlagCompressed, "compressed"},
		{FlagEncrypted, "encrypted"},
		{FlagSigned, "signed"},
		{FlagIndexed, "indexed"},
	} {
		if f.Has(entry.flag) {
			names = append(names, entry.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// BlockEntry describes one compression block.
type BlockEntry struct {
	_ struct{} `cbor:",toarray"`

	// Offset is the block's position in the concatenated partition
	// address space: partition index times partition size, plus the
	// offset within that partition.
	Offset uint64

	// CompressedSize is the size of the compressed payload, before
	// alignment padding.
	CompressedSize uint32

	// UncompressedSize is the number of chunk bytes the block decodes
	// to. Only the last block of a chunk may be smaller than the
	// compression block size.
	UncompressedSize uint32

	// Method indexes TOC.CompressionMethods.
	Method uint8
}

// RawSize is the number of bytes the block occupies in its partition.
func (b BlockEntry) RawSize() uint64 {
	return AlignUp(uint64(b.CompressedSize), BlockAlignment)
}

// AlignUp rounds value up to a multiple of alignment, which must be a
// power of two.
func AlignUp(value, alignment uint64) uint64 {
	return (value + alignment - 1) &^ (alignment - 1)
}

// TOC is the table of contents of a container.
type TOC struct {
	Version     uint8  `cbor:"1,keyasint"`
	ContainerID uint64 `cbor:"2,keyasint"`
	Name        string `cbor:"3,keyasint,omitempty"`
	Flags       Flags  `cbor:"4,keyasint"`

	// EncryptionKeyID names the master key the container was
	// encrypted with. KeySalt feeds [DeriveBlockKey].
	EncryptionKeyID string `cbor:"5,keyasint,omitempty"`
	KeySalt         []byte `cbor:"6,keyasint,omitempty"`

	CompressionBlockSize uint32 `cbor:"7,keyasint"`
	PartitionCount       uint32 `cbor:"8,keyasint"`
	PartitionSize        uint64 `cbor:"9,keyasint"`

	// ChunkIDs and ChunkOffsetLengths are parallel arrays in slot
	// order. When the container is indexed, a chunk's slot is given
	// by the perfect hash.
	ChunkIDs           []ChunkID         `cbor:"10,keyasint"`
	ChunkOffsetLengths []OffsetAndLength `cbor:"11,keyasint"`

	// PerfectHashSeeds has one entry per seed bucket. See
	// [PerfectHashIndex] for the encoding.
	PerfectHashSeeds []int32 `cbor:"12,keyasint,omitempty"`

	// ChunksWithoutPerfectHash lists the slots of chunks that the
	// perfect hash could not place.
	ChunksWithoutPerfectHash []int32 `cbor:"13,keyasint,omitempty"`

	Blocks             []BlockEntry        `cbor:"14,keyasint"`
	CompressionMethods []CompressionMethod `cbor:"15,keyasint"`

	// BlockSignatures has one hash per block when FlagSigned is set.
	BlockSignatures []Hash `cbor:"16,keyasint,omitempty"`
}

// ReadTOC reads and validates a table of contents file.
func ReadTOC(path string) (*TOC, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading table of contents: %w", err)
	}
	return ParseTOC(data)
}

// ParseTOC decodes and validates table of contents bytes.
func ParseTOC(data []byte) (*TOC, error) {
	if len(data) < len(tocMagic) || !bytes.Equal(data[:len(tocMagic)], tocMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptTOC)
	}
	var toc TOC
	if err := codec.Unmarshal(data[len(tocMagic):], &toc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptTOC, err)
	}
	if err := toc.Validate(); err != nil {
		return nil, err
	}
	return &toc, nil
}

// Marshal encodes the table of contents, magic included.
func (t *TOC) Marshal() ([]byte, error) {
	payload, err := codec.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding table of contents: %w", err)
	}
	encoded := make([]byte, 0, len(tocMagic)+len(payload))
	encoded = append(encoded, tocMagic[:]...)
	return append(encoded, payload...), nil
}

// WriteTOC writes the table of contents to path. The file is written
// to a temporary name and renamed, so a reader never sees a partial
// table of contents.
func WriteTOC(path string, toc *TOC) error {
	data, err := toc.Marshal()
	if err != nil {
		return err
	}
	temporary, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating table of contents: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return fmt.Errorf("writing table of contents: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("closing table of contents: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("renaming table of contents: %w", err)
	}
	return nil
}

// Validate checks the internal consistency of the table of contents.
// Every error wraps [ErrCorruptTOC].
func (t *TOC) Validate() error {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrCorruptTOC, fmt.Sprintf(format, args...))
	}

	if t.Version != TOCVersion {
		return corrupt("unsupported version %d", t.Version)
	}
	if t.CompressionBlockSize == 0 {
		return corrupt("compression block size is zero")
	}
	if t.PartitionCount == 0 || t.PartitionSize == 0 {
		return corrupt("no partitions")
	}
	if len(t.ChunkOffsetLengths) != len(t.ChunkIDs) {
		return corrupt("%d chunk ids but %d offsets", len(t.ChunkIDs), len(t.ChunkOffsetLengths))
	}
	if len(t.CompressionMethods) == 0 || t.CompressionMethods[0] != CompressionNone {
		return corrupt("compression method 0 must be %q", CompressionNone)
	}
	for _, method := range t.CompressionMethods {
		if _, err := ParseCompressionMethod(string(method)); err != nil {
			return corrupt("%v", err)
		}
	}
	if t.Flags.Has(FlagSigned) && len(t.BlockSignatures) != len(t.Blocks) {
		return corrupt("%d blocks but %d signatures", len(t.Blocks), len(t.BlockSignatures))
	}
	if t.Flags.Has(FlagEncrypted) && (t.EncryptionKeyID == "" || len(t.KeySalt) != KeySaltSize) {
		return corrupt("encrypted container without key id or salt")
	}
	if len(t.PerfectHashSeeds) > 0 && len(t.ChunkIDs) == 0 {
		return corrupt("perfect hash seeds without chunks")
	}
	for _, slot := range t.ChunksWithoutPerfectHash {
		if slot < 0 || int(slot) >= len(t.ChunkIDs) {
			return corrupt("fallback slot %d out of range", slot)
		}
	}

	for index, block := range t.Blocks {
		if int(block.Method) >= len(t.CompressionMethods) {
			return corrupt("block %d: method index %d out of range", index, block.Method)
		}
		if block.UncompressedSize > t.CompressionBlockSize {
			return corrupt("block %d: uncompressed size %d exceeds block size %d",
				index, block.UncompressedSize, t.CompressionBlockSize)
		}
		if t.CompressionMethods[block.Method] == CompressionNone && block.CompressedSize != block.UncompressedSize {
			return corrupt("block %d: stored size %d differs from uncompressed size %d",
				index, block.CompressedSize, block.UncompressedSize)
		}
		partition, offset := t.BlockLocation(block)
		if partition >= int(t.PartitionCount) {
			return corrupt("block %d: partition %d out of range", index, partition)
		}
		if offset+block.RawSize() > t.PartitionSize {
			return corrupt("block %d: crosses partition boundary", index)
		}
	}

	blockSize := uint64(t.CompressionBlockSize)
	for slot, location := range t.ChunkOffsetLengths {
		if location.Offset%blockSize != 0 {
			return corrupt("chunk %s: offset %d not block aligned", t.ChunkIDs[slot], location.Offset)
		}
		if location.Length == 0 {
			continue
		}
		lastBlock := (location.End() - 1) / blockSize
		if lastBlock >= uint64(len(t.Blocks)) {
			return corrupt("chunk %s: extends past the last block", t.ChunkIDs[slot])
		}
		// Every block but the last is full; the last holds the tail.
		for index := location.Offset / blockSize; index < lastBlock; index++ {
			if t.Blocks[index].UncompressedSize != t.CompressionBlockSize {
				return corrupt("chunk %s: block %d holds %d bytes, want %d",
					t.ChunkIDs[slot], index, t.Blocks[index].UncompressedSize, t.CompressionBlockSize)
			}
		}
		tail := location.End() - lastBlock*blockSize
		if uint64(t.Blocks[lastBlock].UncompressedSize) < tail {
			return corrupt("chunk %s: last block %d holds %d bytes, chunk needs %d",
				t.ChunkIDs[slot], lastBlock, t.Blocks[lastBlock].UncompressedSize, tail)
		}
	}
	return nil
}

// BlockLocation returns the partition index and the offset within that
// partition of a block.
func (t *TOC) BlockLocation(block BlockEntry) (partition int, offset uint64) {
	return int(block.Offset / t.PartitionSize), block.Offset % t.PartitionSize
}

// BlockRange returns the indices of the first and last compression
// blocks covering length bytes at offset in the uncompressed address
// space. length must be positive.
func (t *TOC) BlockRange(offset, length uint64) (first, last int) {
	blockSize := uint64(t.CompressionBlockSize)
	return int(offset / blockSize), int((offset + length - 1) / blockSize)
}

// Method returns the compression method of a block.
func (t *TOC) Method(block BlockEntry) CompressionMethod {
	return t.CompressionMethods[block.Method]
}

// Index builds the chunk lookup for this table of contents: a
// [PerfectHashIndex] when the container is indexed, a [MapIndex]
// otherwise.
func (t *TOC) Index() ChunkIndex {
	if len(t.PerfectHashSeeds) > 0 {
		return NewPerfectHashIndex(t.ChunkIDs, t.PerfectHashSeeds, t.ChunksWithoutPerfectHash)
	}
	return NewMapIndex(t.ChunkIDs)
}

// BasePath strips the table of contents extension from path.
func BasePath(tocPath string) string {
	return strings.TrimSuffix(tocPath, TOCExtension)
}

// PartitionPath returns the path of partition index of the container
// at basePath: "<base>.iocas" for the first partition,
// "<base>_s<N>.iocas" for the rest.
func PartitionPath(basePath string, index int) string {
	if index == 0 {
		return basePath + PartitionExtension
	}
	return fmt.Sprintf("%s_s%d%s", basePath, index, PartitionExtension)
}
