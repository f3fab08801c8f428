// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/iostore/lib/secret"
)

// ErrNoIdentity is returned when a sealed key is loaded without an
// identity to unseal it.
var ErrNoIdentity = errors.New("key is sealed but no identity was given")

// binaryHeader starts every unarmored age file.
const binaryHeader = "age-encryption.org/v1\n"

// Keypair holds an age x25519 keypair. The private key is stored in a
// secret.Buffer; the public key is safe to publish.
//
// The caller must call Close when the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the secret key in AGE-SECRET-KEY-1... format.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding recipient in age1... format.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}

	// identity.String() leaves a heap copy behind; the buffer is the
	// durable one.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// SealKey encrypts a container master key to one or more age
// recipients (age1... public keys). The result is ASCII-armored so it
// can be stored next to the container or in a config repository.
func SealKey(key []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, recipientKey := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(recipientKey)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", recipientKey, err)
		}
		recipients = append(recipients, recipient)
	}

	var output bytes.Buffer
	armored := armor.NewWriter(&output)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(key); err != nil {
		return nil, fmt.Errorf("writing key to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return output.Bytes(), nil
}

// IsSealed reports whether data is an age file, armored or binary.
func IsSealed(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return bytes.HasPrefix(trimmed, []byte(armor.Header)) || bytes.HasPrefix(data, []byte(binaryHeader))
}

// UnsealKey decrypts a sealed key with the given identities and
// checks that it is exactly size bytes. The plaintext is returned in a
// secret.Buffer; intermediate heap copies are zeroed.
func UnsealKey(sealed []byte, identities []age.Identity, size int) (*secret.Buffer, error) {
	var source io.Reader = bytes.NewReader(sealed)
	if !bytes.HasPrefix(sealed, []byte(binaryHeader)) {
		source = armor.NewReader(bytes.NewReader(bytes.TrimLeft(sealed, " \t\r\n")))
	}

	reader, err := age.Decrypt(source, identities...)
	if err != nil {
		return nil, fmt.Errorf("unsealing key: %w", err)
	}

	// Read one byte past size so an oversized key is detected without
	// reading an unbounded amount.
	plaintext := make([]byte, size+1)
	n, err := io.ReadFull(reader, plaintext)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading unsealed key: %w", err)
	}
	if n != size {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("unsealed key is %d bytes, want %d", n, size)
	}
	return secret.NewFromBytes(plaintext[:size])
}

// ParseIdentities reads age identities from an identity file's
// contents. Blank lines and # comments are ignored, as in age's own
// identity files.
func ParseIdentities(data []byte) ([]age.Identity, error) {
	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing identities: %w", err)
	}
	return identities, nil
}

// ReadIdentityFile reads and parses an age identity file. The file
// contents are zeroed after parsing.
func ReadIdentityFile(path string) ([]age.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	defer secret.Zero(data)
	return ParseIdentities(data)
}

// ReadKeyFile loads a key of size bytes from path. A sealed file is
// unsealed with the identities in identityPath; any other file is read
// as a raw or hex key by secret.ParseKey.
func ReadKeyFile(path, identityPath string, size int) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	defer secret.Zero(data)

	if !IsSealed(data) {
		return secret.ParseKey(data, size)
	}
	if identityPath == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrNoIdentity)
	}
	identities, err := ReadIdentityFile(identityPath)
	if err != nil {
		return nil, err
	}
	key, err := UnsealKey(data, identities, size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// WriteIdentityFile writes a keypair's private key in age's identity
// file format, with the public key as a comment, readable only by the
// owner.
func WriteIdentityFile(path string, keypair *Keypair) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating identity file: %w", err)
	}
	writer := bufio.NewWriter(file)
	fmt.Fprintf(writer, "# public key: %s\n", keypair.PublicKey)
	writer.Write(keypair.PrivateKey.Bytes())
	writer.WriteString("\n")
	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("writing identity file: %w", err)
	}
	return file.Close()
}

// FormatRecipients formats recipient public keys one per line for
// display.
func FormatRecipients(recipientKeys []string) string {
	return strings.Join(recipientKeys, "\n")
}
