// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Block signatures and the table of
// contents digest are this size.
type Hash [32]byte

// String returns the lowercase hex form of the hash.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ParseHash parses a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 64 {
		return h, fmt.Errorf("hash %q: expected 64 hex characters, got %d", s, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	return h, nil
}

// blockDomainKey keys the BLAKE3 hash used for block signatures. The
// bytes are the ASCII domain name, zero-padded to 32 bytes. Changing
// it invalidates every signed container.
var blockDomainKey = [32]byte{
	'b', 'u', 'r', 'e', 'a', 'u', '.', 'i', 'o', 's', 't', 'o', 'r', 'e', '.',
	'b', 'l', 'o', 'c', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashBlock computes the signature hash of a block's raw bytes, exactly
// as stored in the partition (after compression, padding and
// encryption).
func HashBlock(raw []byte) Hash {
	hasher, err := blake3.NewKeyed(blockDomainKey[:])
	if err != nil {
		// NewKeyed only fails when the key is not 32 bytes, and
		// blockDomainKey is a fixed-size array.
		panic("container: blake3.NewKeyed failed with 32-byte key: " + err.Error())
	}
	hasher.Write(raw)
	var result Hash
	hasher.Sum(result[:0])
	return result
}

// HashChunkID hashes a chunk id with a perfect-hash seed. Seed zero is
// used to pick the seed bucket; non-zero seeds pick the slot within the
// chunk table.
func HashChunkID(seed uint32, id ChunkID) uint64 {
	digest := xxhash.NewWithSeed(uint64(seed))
	digest.Write(id[:])
	return digest.Sum64()
}
