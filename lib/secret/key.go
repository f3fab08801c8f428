// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
)

// ReadKeyFile reads a key of exactly size bytes from path. The file
// holds either the raw key or its hex encoding; surrounding whitespace
// around a hex key is ignored. The file contents are zeroed after use.
func ReadKeyFile(path string, size int) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	defer Zero(data)
	return ParseKey(data, size)
}

// ParseKey interprets data as a raw or hex-encoded key of size bytes
// and moves it into a Buffer. data is not modified.
func ParseKey(data []byte, size int) (*Buffer, error) {
	if len(data) == size {
		return NewFromBytes(bytes.Clone(data))
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) != hex.EncodedLen(size) {
		return nil, fmt.Errorf("key must be %d raw bytes or %d hex characters, got %d bytes",
			size, hex.EncodedLen(size), len(data))
	}
	decoded := make([]byte, size)
	if _, err := hex.Decode(decoded, trimmed); err != nil {
		Zero(decoded)
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	return NewFromBytes(decoded)
}
