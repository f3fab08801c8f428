// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// CompressionMethod names a block compression algorithm. The table of
// contents stores method names, and each block refers to its method by
// index into that table. Index 0 is always [CompressionNone].
type CompressionMethod string

const (
	CompressionNone   CompressionMethod = "none"
	CompressionLZ4    CompressionMethod = "lz4"
	CompressionZstd   CompressionMethod = "zstd"
	CompressionSnappy CompressionMethod = "snappy"
	CompressionLZMA   CompressionMethod = "lzma"
)

// ErrUnknownCompressionMethod is returned for a method name this
// package cannot decode.
var ErrUnknownCompressionMethod = errors.New("unknown compression method")

// errIncompressible is returned by Compress when the compressed form
// would not be smaller than the input. The writer stores such blocks
// with CompressionNone.
var errIncompressible = errors.New("data is incompressible")

// ParseCompressionMethod validates a method name.
func ParseCompressionMethod(name string) (CompressionMethod, error) {
	switch method := CompressionMethod(name); method {
	case CompressionNone, CompressionLZ4, CompressionZstd, CompressionSnappy, CompressionLZMA:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCompressionMethod, name)
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("container: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("container: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress compresses one block. It returns errIncompressible when the
// result would not be smaller than data.
func Compress(method CompressionMethod, data []byte) ([]byte, error) {
	var compressed []byte
	switch method {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 {
			return nil, errIncompressible
		}
		compressed = destination[:written]

	case CompressionZstd:
		compressed = zstdEncoder.EncodeAll(data, nil)

	case CompressionSnappy:
		compressed = snappy.Encode(nil, data)

	case CompressionLZMA:
		var buffer bytes.Buffer
		writer, err := lzma.NewWriter(&buffer)
		if err != nil {
			return nil, fmt.Errorf("lzma compress: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("lzma compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("lzma compress: %w", err)
		}
		compressed = buffer.Bytes()

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompressionMethod, method)
	}

	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

// Decompress decodes src into dst, which must be exactly the block's
// uncompressed size. A short or oversized result is an error.
func Decompress(method CompressionMethod, dst, src []byte) error {
	switch method {
	case CompressionNone:
		if len(src) < len(dst) {
			return fmt.Errorf("stored block: %d bytes, expected %d", len(src), len(dst))
		}
		copy(dst, src)
		return nil

	case CompressionLZ4:
		read, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		return checkDecodedSize("lz4", read, len(dst))

	case CompressionZstd:
		// The capacity limit makes DecodeAll reallocate rather than
		// write past dst when the frame is larger than expected.
		decoded, err := zstdDecoder.DecodeAll(src, dst[:0:len(dst)])
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		return checkDecodedSize("zstd", len(decoded), len(dst))

	case CompressionSnappy:
		decodedLength, err := snappy.DecodedLen(src)
		if err != nil {
			return fmt.Errorf("snappy decompress: %w", err)
		}
		if err := checkDecodedSize("snappy", decodedLength, len(dst)); err != nil {
			return err
		}
		if _, err := snappy.Decode(dst, src); err != nil {
			return fmt.Errorf("snappy decompress: %w", err)
		}
		return nil

	case CompressionLZMA:
		reader, err := lzma.NewReader(bytes.NewReader(src))
		if err != nil {
			return fmt.Errorf("lzma decompress: %w", err)
		}
		if _, err := io.ReadFull(reader, dst); err != nil {
			return fmt.Errorf("lzma decompress: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCompressionMethod, method)
	}
}

func checkDecodedSize(method string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s decompress: got %d bytes, expected %d", method, got, want)
	}
	return nil
}
