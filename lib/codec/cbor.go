// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"math"

	"github.com/fxamacker/cbor/v2"
)

// maxElements bounds arrays and maps on decode. A table of contents
// holds one array element per block and per chunk, so the library
// defaults (131072) are too small for multi-terabyte containers.
const maxElements = math.MaxInt32

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
	// smallest integer encoding, no indefinite-length items. Writing
	// the same container twice produces identical tables of contents.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: maxElements,
		MaxMapPairs:      maxElements,
		// Duplicate keys in a table of contents mean corruption, not
		// a newer writer.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
		// Unknown fields are ignored so older readers accept tables
		// of contents from newer writers.
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Trailing bytes after the first
// data item are an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for the
// entire contents of data.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
