// Package secrets derives per-provider AEAD ciphers from a process-global
// master secret and seals provider credentials with them.
//
// Keys are derived with HKDF-SHA256 using the provider artifact's SHA-256
// hash as the info string, so credentials sealed for one artifact cannot be
// opened once the artifact changes. The master secret itself is loaded once
// at startup and never persisted or logged.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrIntegrity is returned when an envelope fails authentication: the
// artifact hash changed, the ciphertext was tampered with, or the master
// secret differs from the one that sealed it.
var ErrIntegrity = errors.New("secrets: envelope integrity check failed")

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard
)

// Context holds the master secret. Read-only after construction; a single
// Context is shared by every component that seals or opens envelopes.
type Context struct {
	master []byte
}

// NewContext wraps master key material. The caller must have trimmed and
// validated it (see Load).
func NewContext(master []byte) (*Context, error) {
	if len(master) == 0 {
		return nil, errors.New("secrets: master secret is empty")
	}
	c := &Context{master: make([]byte, len(master))}
	copy(c.master, master)
	return c, nil
}

// Derive returns an AES-256-GCM cipher whose key is
// HKDF-SHA256(master, info=info). Deterministic for a given info string.
func (c *Context) Derive(info string) (cipher.AEAD, error) {
	key := c.DeriveKey(info)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// DeriveKey returns 32 bytes of key material bound to info. Used directly
// for non-AEAD purposes such as signing inter-service tokens.
func (c *Context) DeriveKey(info string) []byte {
	r := hkdf.New(sha256.New, c.master, nil, []byte(info))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails when asked for more output than SHA-256 allows;
		// 32 bytes is far below that bound.
		panic(fmt.Sprintf("secrets: hkdf expansion failed: %v", err))
	}
	return key
}

// Encrypt seals plaintext under the key derived from hash. The nonce is
// 96 bits of fresh randomness; the ciphertext carries the GCM tag. No
// associated data is used.
func (c *Context) Encrypt(hash string, plaintext []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := c.Derive(hash)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens an envelope sealed by Encrypt under the same hash. Any
// authentication failure surfaces as ErrIntegrity.
func (c *Context) Decrypt(hash string, nonce, ciphertext []byte) ([]byte, error) {
	gcm, err := c.Derive(hash)
	if err != nil {
		return nil, err
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes, want %d", ErrIntegrity, len(nonce), nonceSize)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}
