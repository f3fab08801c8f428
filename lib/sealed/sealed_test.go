// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
)

const testKeySize = 32

func testMasterKey() []byte {
	key := make([]byte, testKeySize)
	for i := range key {
		key[i] = byte(i*7 + 3)
	}
	return key
}

func generateKeypair(t *testing.T) *Keypair {
	t.Helper()
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })
	return keypair
}

func identitiesOf(t *testing.T, keypair *Keypair) []age.Identity {
	t.Helper()
	identities, err := ParseIdentities(keypair.PrivateKey.Bytes())
	if err != nil {
		t.Fatalf("ParseIdentities() error: %v", err)
	}
	return identities
}

func TestGenerateKeypair(t *testing.T) {
	keypair := generateKeypair(t)

	if !bytes.HasPrefix(keypair.PrivateKey.Bytes(), []byte("AGE-SECRET-KEY-1")) {
		t.Error("PrivateKey does not start with AGE-SECRET-KEY-1")
	}
	if !strings.HasPrefix(keypair.PublicKey, "age1") {
		t.Errorf("PublicKey = %q, want prefix age1", keypair.PublicKey)
	}

	other := generateKeypair(t)
	if keypair.PublicKey == other.PublicKey {
		t.Error("two generated keypairs have identical public keys")
	}
	if keypair.PrivateKey.Equal(other.PrivateKey.Bytes()) {
		t.Error("two generated keypairs have identical private keys")
	}
}

func TestSealUnseal(t *testing.T) {
	keypair := generateKeypair(t)
	masterKey := testMasterKey()

	sealedKey, err := SealKey(masterKey, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("SealKey() error: %v", err)
	}
	if !IsSealed(sealedKey) {
		t.Error("IsSealed(SealKey output) = false, want true")
	}
	if bytes.Contains(sealedKey, masterKey) {
		t.Error("sealed key contains the plaintext key")
	}

	unsealed, err := UnsealKey(sealedKey, identitiesOf(t, keypair), testKeySize)
	if err != nil {
		t.Fatalf("UnsealKey() error: %v", err)
	}
	defer unsealed.Close()
	if !unsealed.Equal(masterKey) {
		t.Error("UnsealKey() did not recover the master key")
	}
}

func TestSealMultipleRecipients(t *testing.T) {
	// An operator escrow key alongside the machine key.
	machine := generateKeypair(t)
	operator := generateKeypair(t)
	masterKey := testMasterKey()

	sealedKey, err := SealKey(masterKey, []string{machine.PublicKey, operator.PublicKey})
	if err != nil {
		t.Fatalf("SealKey() error: %v", err)
	}

	for name, keypair := range map[string]*Keypair{"machine": machine, "operator": operator} {
		unsealed, err := UnsealKey(sealedKey, identitiesOf(t, keypair), testKeySize)
		if err != nil {
			t.Fatalf("UnsealKey(%s) error: %v", name, err)
		}
		if !unsealed.Equal(masterKey) {
			t.Errorf("UnsealKey(%s) did not recover the master key", name)
		}
		unsealed.Close()
	}
}

func TestUnsealWrongIdentity(t *testing.T) {
	keypair := generateKeypair(t)
	wrong := generateKeypair(t)

	sealedKey, err := SealKey(testMasterKey(), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("SealKey() error: %v", err)
	}

	if _, err := UnsealKey(sealedKey, identitiesOf(t, wrong), testKeySize); err == nil {
		t.Error("UnsealKey() with wrong identity should return error")
	}
}

func TestUnsealWrongSize(t *testing.T) {
	keypair := generateKeypair(t)
	identities := identitiesOf(t, keypair)

	for _, size := range []int{testKeySize - 1, testKeySize + 1} {
		sealedKey, err := SealKey(make([]byte, size), []string{keypair.PublicKey})
		if err != nil {
			t.Fatalf("SealKey() error: %v", err)
		}
		_, err = UnsealKey(sealedKey, identities, testKeySize)
		if err == nil {
			t.Errorf("UnsealKey() of a %d-byte key succeeded, want size error", size)
		}
	}
}

func TestSealKeyErrors(t *testing.T) {
	_, err := SealKey(testMasterKey(), nil)
	if err == nil || !strings.Contains(err.Error(), "at least one recipient") {
		t.Errorf("SealKey() with no recipients error = %v, want 'at least one recipient'", err)
	}

	_, err = SealKey(testMasterKey(), []string{"not-a-valid-key"})
	if err == nil || !strings.Contains(err.Error(), "parsing recipient key") {
		t.Errorf("SealKey() with invalid recipient error = %v, want 'parsing recipient key'", err)
	}
}

func TestIsSealed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"armored", []byte("-----BEGIN AGE ENCRYPTED FILE-----\nYWdl\n"), true},
		{"armored with leading newline", []byte("\n-----BEGIN AGE ENCRYPTED FILE-----\n"), true},
		{"binary", []byte("age-encryption.org/v1\n-> X25519 abc\n"), true},
		{"hex key", []byte(hex.EncodeToString(testMasterKey()) + "\n"), false},
		{"raw key", testMasterKey(), false},
	}
	for _, tt := range tests {
		if got := IsSealed(tt.data); got != tt.want {
			t.Errorf("IsSealed(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReadKeyFile(t *testing.T) {
	directory := t.TempDir()
	keypair := generateKeypair(t)
	masterKey := testMasterKey()

	identityPath := filepath.Join(directory, "identity.txt")
	if err := WriteIdentityFile(identityPath, keypair); err != nil {
		t.Fatalf("WriteIdentityFile() error: %v", err)
	}
	info, err := os.Stat(identityPath)
	if err != nil {
		t.Fatalf("Stat(identity) error: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("identity file mode = %v, want 0600", info.Mode().Perm())
	}

	sealedKey, err := SealKey(masterKey, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("SealKey() error: %v", err)
	}

	files := map[string][]byte{
		"raw.key":    masterKey,
		"hex.key":    []byte(hex.EncodeToString(masterKey) + "\n"),
		"sealed.key": sealedKey,
	}
	for name, content := range files {
		path := filepath.Join(directory, name)
		if err := os.WriteFile(path, content, 0600); err != nil {
			t.Fatalf("WriteFile(%s) error: %v", name, err)
		}
		key, err := ReadKeyFile(path, identityPath, testKeySize)
		if err != nil {
			t.Fatalf("ReadKeyFile(%s) error: %v", name, err)
		}
		if !key.Equal(masterKey) {
			t.Errorf("ReadKeyFile(%s) returned the wrong key", name)
		}
		key.Close()
	}

	_, err = ReadKeyFile(filepath.Join(directory, "sealed.key"), "", testKeySize)
	if !errors.Is(err, ErrNoIdentity) {
		t.Errorf("ReadKeyFile(sealed) without identity error = %v, want ErrNoIdentity", err)
	}

	if err := WriteIdentityFile(identityPath, keypair); err == nil {
		t.Error("WriteIdentityFile() over an existing file succeeded, want error")
	}
}

func TestParseIdentitiesIgnoresComments(t *testing.T) {
	keypair := generateKeypair(t)

	var data bytes.Buffer
	data.WriteString("# created for tests\n\n")
	data.Write(keypair.PrivateKey.Bytes())
	data.WriteString("\n")

	identities, err := ParseIdentities(data.Bytes())
	if err != nil {
		t.Fatalf("ParseIdentities() error: %v", err)
	}
	if len(identities) != 1 {
		t.Fatalf("len(identities) = %d, want 1", len(identities))
	}

	if _, err := ParseIdentities([]byte("not-a-valid-key\n")); err == nil {
		t.Error("ParseIdentities(invalid) should return error")
	}
}
