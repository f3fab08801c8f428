// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/iostore/lib/secret"
)

// KeySize is the size of a master encryption key and of the derived
// per-container block key.
const KeySize = chacha20.KeySize

// KeySaltSize is the size of the random salt stored in an encrypted
// container's table of contents.
const KeySaltSize = 16

// blockKeyInfo is the HKDF info parameter for block key derivation.
var blockKeyInfo = []byte("bureau.iostore.block-key.v1")

// DeriveBlockKey derives the key used to encrypt the blocks of one
// container from a master key and the container's key salt. Every
// container gets its own key, so block indices can be used as nonces
// without reuse across containers that share a master key.
//
// The returned buffer is mmap-backed and must be closed by the caller.
func DeriveBlockKey(masterKey []byte, salt []byte) (*secret.Buffer, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	reader := hkdf.New(sha256.New, masterKey, salt, blockKeyInfo)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// DecryptBlock decrypts a block's raw bytes in place. blockKey is the
// output of [DeriveBlockKey]. The cipher is a ChaCha20 stream with the
// block index as nonce; the padded raw size is encrypted, so the
// padding bytes are covered by the signature like the rest.
func DecryptBlock(blockKey []byte, blockIndex uint32, data []byte) error {
	return xorBlock(blockKey, blockIndex, data)
}

// EncryptBlock encrypts a block's raw bytes in place. It is the inverse
// of [DecryptBlock].
func EncryptBlock(blockKey []byte, blockIndex uint32, data []byte) error {
	return xorBlock(blockKey, blockIndex, data)
}

func xorBlock(blockKey []byte, blockIndex uint32, data []byte) error {
	var nonce [chacha20.NonceSize]byte
	binary.LittleEndian.PutUint32(nonce[:4], blockIndex)
	cipher, err := chacha20.NewUnauthenticatedCipher(blockKey, nonce[:])
	if err != nil {
		return fmt.Errorf("block %d: creating cipher: %w", blockIndex, err)
	}
	cipher.XORKeyStream(data, data)
	return nil
}
