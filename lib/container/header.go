// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"fmt"

	"github.com/bureau-foundation/iostore/lib/codec"
)

// Header is the content of a container's header chunk (see
// [HeaderChunkID]). It is returned to the caller of a mount.
type Header struct {
	ContainerID uint64            `cbor:"1,keyasint"`
	Name        string            `cbor:"2,keyasint,omitempty"`
	Chunks      []ChunkID         `cbor:"3,keyasint,omitempty"`
	Labels      map[string]string `cbor:"4,keyasint,omitempty"`
}

// EncodeHeader encodes a header chunk.
func EncodeHeader(header *Header) ([]byte, error) {
	data, err := codec.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encoding container header: %w", err)
	}
	return data, nil
}

// DecodeHeader decodes a header chunk.
func DecodeHeader(data []byte) (*Header, error) {
	var header Header
	if err := codec.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decoding container header: %w", err)
	}
	return &header, nil
}
