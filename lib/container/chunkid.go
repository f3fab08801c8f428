// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ChunkIDSize is the size of a chunk identifier in bytes.
const ChunkIDSize = 12

// ChunkID identifies one chunk of content. The layout is an 8-byte
// little-endian owner id, a 2-byte little-endian index, one reserved
// byte and a 1-byte [ChunkType]. Callers may also treat it as an
// opaque value; only the container header lookup depends on the
// layout.
type ChunkID [ChunkIDSize]byte

// ChunkType classifies the content of a chunk.
type ChunkType uint8

const (
	ChunkTypeInvalid ChunkType = iota
	ChunkTypeData
	ChunkTypeBulkData
	ChunkTypeShaderCode
	ChunkTypeContainerHeader
)

// String returns the name of the chunk type.
func (t ChunkType) String() string {
	switch t {
	case ChunkTypeInvalid:
		return "invalid"
	case ChunkTypeData:
		return "data"
	case ChunkTypeBulkData:
		return "bulk"
	case ChunkTypeShaderCode:
		return "shader"
	case ChunkTypeContainerHeader:
		return "container-header"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// NewChunkID builds a chunk id from its parts.
func NewChunkID(owner uint64, index uint16, chunkType ChunkType) ChunkID {
	var id ChunkID
	binary.LittleEndian.PutUint64(id[0:8], owner)
	binary.LittleEndian.PutUint16(id[8:10], index)
	id[11] = byte(chunkType)
	return id
}

// HeaderChunkID returns the id of the container header chunk for the
// given container.
func HeaderChunkID(containerID uint64) ChunkID {
	return NewChunkID(containerID, 0, ChunkTypeContainerHeader)
}

// Owner returns the owner id encoded in the chunk id.
func (id ChunkID) Owner() uint64 { return binary.LittleEndian.Uint64(id[0:8]) }

// Index returns the per-owner index encoded in the chunk id.
func (id ChunkID) Index() uint16 { return binary.LittleEndian.Uint16(id[8:10]) }

// Type returns the chunk type encoded in the chunk id.
func (id ChunkID) Type() ChunkType { return ChunkType(id[11]) }

// IsZero reports whether every byte of the id is zero.
func (id ChunkID) IsZero() bool { return id == ChunkID{} }

// String returns the lowercase hex form of the id (24 characters).
func (id ChunkID) String() string { return hex.EncodeToString(id[:]) }

// ParseChunkID parses the hex form produced by [ChunkID.String].
func ParseChunkID(s string) (ChunkID, error) {
	var id ChunkID
	if len(s) != ChunkIDSize*2 {
		return id, fmt.Errorf("chunk id %q: expected %d hex characters, got %d", s, ChunkIDSize*2, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("chunk id %q: %w", s, err)
	}
	return id, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ChunkID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ChunkID) UnmarshalText(text []byte) error {
	parsed, err := ParseChunkID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// OffsetAndLength locates a chunk in the container's uncompressed
// address space.
type OffsetAndLength struct {
	_      struct{} `cbor:",toarray"`
	Offset uint64
	Length uint64
}

// End returns the first byte past the chunk.
func (o OffsetAndLength) End() uint64 { return o.Offset + o.Length }
