// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// WriterOptions configures a [Writer]. Zero values select defaults.
type WriterOptions struct {
	// ContainerID identifies the container. Zero picks a random id.
	ContainerID uint64

	// Name is a human-readable name stored in the table of contents
	// and the container header.
	Name string

	// CompressionBlockSize is the uncompressed size of every block
	// except the last block of each chunk. Must be a multiple of
	// BlockAlignment.
	CompressionBlockSize uint32

	// PartitionSize is the maximum size of one partition file.
	PartitionSize uint64

	// Compression is the method tried for every block. Blocks that do
	// not shrink are stored with CompressionNone.
	Compression CompressionMethod

	// EncryptionKeyID and EncryptionKey enable block encryption. The
	// key is the master key; the writer derives a per-container block
	// key from it and a random salt.
	EncryptionKeyID string
	EncryptionKey   []byte

	// Sign stores a signature hash for every block.
	Sign bool

	// DisablePerfectHash writes a table of contents without a seed
	// table, so readers fall back to a map lookup.
	DisablePerfectHash bool

	// Labels are stored in the container header.
	Labels map[string]string
}

// Writer builds a container. Chunks are buffered in memory by Append
// and laid out by Close.
type Writer struct {
	tocPath string
	options WriterOptions
	chunks  []pendingChunk
	seen    map[ChunkID]struct{}
	closed  bool
}

type pendingChunk struct {
	id   ChunkID
	data []byte
}

// encodedBlock is one block after compression, before layout.
type encodedBlock struct {
	payload          []byte
	uncompressedSize uint32
	method           CompressionMethod
}

// NewWriter creates a writer for the container whose table of contents
// will be written to tocPath. The path must end in TOCExtension.
func NewWriter(tocPath string, options WriterOptions) (*Writer, error) {
	if !strings.HasSuffix(tocPath, TOCExtension) {
		return nil, fmt.Errorf("table of contents path %q must end in %s", tocPath, TOCExtension)
	}
	if options.CompressionBlockSize == 0 {
		options.CompressionBlockSize = DefaultCompressionBlockSize
	}
	if options.CompressionBlockSize%BlockAlignment != 0 {
		return nil, fmt.Errorf("compression block size %d is not a multiple of %d",
			options.CompressionBlockSize, BlockAlignment)
	}
	if options.PartitionSize == 0 {
		options.PartitionSize = DefaultPartitionSize
	}
	if options.PartitionSize < AlignUp(uint64(options.CompressionBlockSize), BlockAlignment) {
		return nil, fmt.Errorf("partition size %d is smaller than one block", options.PartitionSize)
	}
	if options.Compression == "" {
		options.Compression = CompressionNone
	}
	if _, err := ParseCompressionMethod(string(options.Compression)); err != nil {
		return nil, err
	}
	if (options.EncryptionKeyID == "") != (options.EncryptionKey == nil) {
		return nil, errors.New("encryption key id and key must be set together")
	}
	if options.EncryptionKey != nil && len(options.EncryptionKey) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(options.EncryptionKey))
	}
	if options.ContainerID == 0 {
		var random [8]byte
		if _, err := rand.Read(random[:]); err != nil {
			return nil, fmt.Errorf("generating container id: %w", err)
		}
		options.ContainerID = binary.LittleEndian.Uint64(random[:]) | 1
	}
	return &Writer{
		tocPath: tocPath,
		options: options,
		seen:    make(map[ChunkID]struct{}),
	}, nil
}

// ContainerID returns the id the container will be written with.
func (w *Writer) ContainerID() uint64 { return w.options.ContainerID }

// Append adds a chunk. The writer keeps a reference to data until
// Close returns; the caller must not modify it.
func (w *Writer) Append(id ChunkID, data []byte) error {
	if w.closed {
		return errors.New("writer is closed")
	}
	if id.Type() == ChunkTypeContainerHeader {
		return fmt.Errorf("chunk %s: container header chunks are written by Close", id)
	}
	if _, duplicate := w.seen[id]; duplicate {
		return fmt.Errorf("%w: %s", ErrDuplicateChunk, id)
	}
	w.seen[id] = struct{}{}
	w.chunks = append(w.chunks, pendingChunk{id: id, data: data})
	return nil
}

// Close lays out every appended chunk, writes the partition files and
// the table of contents, and returns the table of contents.
func (w *Writer) Close() (*TOC, error) {
	if w.closed {
		return nil, errors.New("writer is closed")
	}
	w.closed = true

	header := &Header{
		ContainerID: w.options.ContainerID,
		Name:        w.options.Name,
		Labels:      w.options.Labels,
	}
	for _, chunk := range w.chunks {
		header.Chunks = append(header.Chunks, chunk.id)
	}
	headerData, err := EncodeHeader(header)
	if err != nil {
		return nil, err
	}
	chunks := append(w.chunks, pendingChunk{id: HeaderChunkID(w.options.ContainerID), data: headerData})

	toc := &TOC{
		Version:              TOCVersion,
		ContainerID:          w.options.ContainerID,
		Name:                 w.options.Name,
		CompressionBlockSize: w.options.CompressionBlockSize,
		PartitionSize:        w.options.PartitionSize,
		CompressionMethods:   []CompressionMethod{CompressionNone},
	}
	if w.options.Compression != CompressionNone {
		toc.CompressionMethods = append(toc.CompressionMethods, w.options.Compression)
	}

	// Split every chunk into blocks, in uncompressed address order.
	blockSize := uint64(w.options.CompressionBlockSize)
	var sources [][]byte
	for _, chunk := range chunks {
		toc.ChunkIDs = append(toc.ChunkIDs, chunk.id)
		toc.ChunkOffsetLengths = append(toc.ChunkOffsetLengths, OffsetAndLength{
			Offset: uint64(len(sources)) * blockSize,
			Length: uint64(len(chunk.data)),
		})
		for start := uint64(0); start < uint64(len(chunk.data)); start += blockSize {
			end := min(start+blockSize, uint64(len(chunk.data)))
			sources = append(sources, chunk.data[start:end])
		}
	}

	blocks, err := w.compressBlocks(sources)
	if err != nil {
		return nil, err
	}
	for _, block := range blocks {
		if block.method != CompressionNone {
			toc.Flags |= FlagCompressed
		}
	}

	var blockKey []byte
	if w.options.EncryptionKey != nil {
		toc.Flags |= FlagEncrypted
		toc.EncryptionKeyID = w.options.EncryptionKeyID
		toc.KeySalt = make([]byte, KeySaltSize)
		if _, err := rand.Read(toc.KeySalt); err != nil {
			return nil, fmt.Errorf("generating key salt: %w", err)
		}
		derived, err := DeriveBlockKey(w.options.EncryptionKey, toc.KeySalt)
		if err != nil {
			return nil, err
		}
		defer derived.Close()
		blockKey = derived.Bytes()
	}
	if w.options.Sign {
		toc.Flags |= FlagSigned
	}

	if err := w.writePartitions(toc, blocks, blockKey); err != nil {
		return nil, err
	}

	if !w.options.DisablePerfectHash {
		if err := applyPerfectHash(toc); err != nil {
			return nil, err
		}
	}

	if err := toc.Validate(); err != nil {
		return nil, fmt.Errorf("writer produced an invalid table of contents: %w", err)
	}
	if err := WriteTOC(w.tocPath, toc); err != nil {
		return nil, err
	}
	return toc, nil
}

// compressBlocks compresses every block concurrently.
func (w *Writer) compressBlocks(sources [][]byte) ([]encodedBlock, error) {
	blocks := make([]encodedBlock, len(sources))
	var group errgroup.Group
	group.SetLimit(runtime.GOMAXPROCS(0))
	for index, source := range sources {
		group.Go(func() error {
			block := encodedBlock{
				payload:          source,
				uncompressedSize: uint32(len(source)),
				method:           CompressionNone,
			}
			compressed, err := Compress(w.options.Compression, source)
			switch {
			case errors.Is(err, errIncompressible):
			case err != nil:
				return fmt.Errorf("block %d: %w", index, err)
			default:
				block.payload = compressed
				block.method = w.options.Compression
			}
			blocks[index] = block
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

// writePartitions pads, encrypts, signs and writes every block,
// starting a new partition whenever the next block would not fit.
func (w *Writer) writePartitions(toc *TOC, blocks []encodedBlock, blockKey []byte) error {
	basePath := BasePath(w.tocPath)
	partitionIndex := 0
	var partitionOffset uint64

	file, writer, err := createPartition(basePath, partitionIndex)
	if err != nil {
		return err
	}
	finish := func() error {
		if err := writer.Flush(); err != nil {
			file.Close()
			return fmt.Errorf("writing partition %d: %w", partitionIndex, err)
		}
		if err := file.Close(); err != nil {
			return fmt.Errorf("closing partition %d: %w", partitionIndex, err)
		}
		return nil
	}

	for index, block := range blocks {
		rawSize := AlignUp(uint64(len(block.payload)), BlockAlignment)
		if partitionOffset+rawSize > w.options.PartitionSize {
			if err := finish(); err != nil {
				return err
			}
			partitionIndex++
			partitionOffset = 0
			file, writer, err = createPartition(basePath, partitionIndex)
			if err != nil {
				return err
			}
		}

		raw := make([]byte, rawSize)
		copy(raw, block.payload)
		if blockKey != nil {
			if err := EncryptBlock(blockKey, uint32(index), raw); err != nil {
				file.Close()
				return err
			}
		}
		if w.options.Sign {
			toc.BlockSignatures = append(toc.BlockSignatures, HashBlock(raw))
		}
		if _, err := writer.Write(raw); err != nil {
			file.Close()
			return fmt.Errorf("writing partition %d: %w", partitionIndex, err)
		}

		methodIndex := 0
		for position, method := range toc.CompressionMethods {
			if method == block.method {
				methodIndex = position
			}
		}
		toc.Blocks = append(toc.Blocks, BlockEntry{
			Offset:           uint64(partitionIndex)*w.options.PartitionSize + partitionOffset,
			CompressedSize:   uint32(len(block.payload)),
			UncompressedSize: block.uncompressedSize,
			Method:           uint8(methodIndex),
		})
		partitionOffset += rawSize
	}
	if err := finish(); err != nil {
		return err
	}
	toc.PartitionCount = uint32(partitionIndex + 1)
	return nil
}

func createPartition(basePath string, index int) (*os.File, *bufio.Writer, error) {
	file, err := os.Create(PartitionPath(basePath, index))
	if err != nil {
		return nil, nil, fmt.Errorf("creating partition %d: %w", index, err)
	}
	return file, bufio.NewWriterSize(file, 1<<20), nil
}

// applyPerfectHash builds the seed table and permutes the chunk arrays
// into slot order.
func applyPerfectHash(toc *TOC) error {
	perfect, err := BuildPerfectHash(toc.ChunkIDs)
	if err != nil {
		return err
	}
	ids := make([]ChunkID, len(perfect.Order))
	locations := make([]OffsetAndLength, len(perfect.Order))
	for slot, original := range perfect.Order {
		ids[slot] = toc.ChunkIDs[original]
		locations[slot] = toc.ChunkOffsetLengths[original]
	}
	toc.ChunkIDs = ids
	toc.ChunkOffsetLengths = locations
	toc.PerfectHashSeeds = perfect.Seeds
	toc.ChunksWithoutPerfectHash = perfect.Fallback
	toc.Flags |= FlagIndexed
	return nil
}
