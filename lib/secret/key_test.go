// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestReadKeyFile(t *testing.T) {
	key := bytes.Repeat([]byte{0xa5}, 32)
	directory := t.TempDir()

	tests := []struct {
		name    string
		content []byte
	}{
		{"raw", key},
		{"hex", []byte(hex.EncodeToString(key))},
		{"hex with newline", []byte(hex.EncodeToString(key) + "\n")},
		{"hex with padding", []byte("  " + hex.EncodeToString(key) + " \n")},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(directory, test.name)
			if err := os.WriteFile(path, test.content, 0o600); err != nil {
				t.Fatalf("WriteFile failed: %v", err)
			}
			buffer, err := ReadKeyFile(path, 32)
			if err != nil {
				t.Fatalf("ReadKeyFile failed: %v", err)
			}
			defer buffer.Close()
			if !buffer.Equal(key) {
				t.Errorf("key = %x, want %x", buffer.Bytes(), key)
			}
		})
	}
}

func TestReadKeyFileErrors(t *testing.T) {
	directory := t.TempDir()
	if _, err := ReadKeyFile(filepath.Join(directory, "missing"), 32); err == nil {
		t.Error("ReadKeyFile(missing) succeeded, want error")
	}

	for name, content := range map[string]string{
		"short":   "abcd",
		"not hex": string(bytes.Repeat([]byte("zz"), 32)),
		"empty":   "",
	} {
		path := filepath.Join(directory, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := ReadKeyFile(path, 32); err == nil {
			t.Errorf("ReadKeyFile(%s) succeeded, want error", name)
		}
	}
}

func TestParseKeyLeavesInputIntact(t *testing.T) {
	input := bytes.Repeat([]byte{7}, 16)
	buffer, err := ParseKey(input, 16)
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	defer buffer.Close()
	if !bytes.Equal(input, bytes.Repeat([]byte{7}, 16)) {
		t.Error("ParseKey modified its input")
	}
}
