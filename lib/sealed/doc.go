// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed seals container master keys with age so encrypted
// containers can ship alongside their keys. It wraps filippo.io/age for
// the operations bureau-iostore needs: generate x25519 keypairs, seal a
// key to one or more recipients, and unseal it with an identity file.
//
// Sealed keys are ASCII-armored age files. [ReadKeyFile] accepts either
// a sealed file or a plain raw/hex key, so the same --key-file flag
// works for both. Private keys and unsealed master keys are returned as
// [secret.Buffer] values backed by mmap memory outside the Go heap
// (locked against swap, excluded from core dumps, zeroed on Close).
//
// Key exports:
//
//   - [GenerateKeypair] / [WriteIdentityFile] -- new age x25519 identity
//   - [SealKey] -- encrypt a master key to age recipients
//   - [UnsealKey] / [ReadKeyFile] -- recover a master key
//   - [IsSealed] -- distinguish sealed files from plain keys
//
// Depends on lib/secret for secure memory allocation.
package sealed
