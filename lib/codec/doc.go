// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used by bureau-iostore's
// on-disk formats: container tables of contents and container headers.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical data always produces identical bytes. The decoder raises
// the array and map limits to fit large tables of contents and rejects
// duplicate map keys.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types in the container format use integer keys (`cbor:"N,keyasint"`)
// to keep tables of contents compact. [Diagnose] renders encoded data
// in diagnostic notation for the CLI's inspect command.
package codec
