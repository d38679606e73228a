// ABOUTME: Authenticated encryption for credential payloads at rest
// ABOUTME: XChaCha20-Poly1305 keyed by a fixed, externally supplied 32-byte secret

package sealer

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrIntegrity is returned when a ciphertext fails authentication.
// This covers tampering, truncation, a wrong key and mismatched associated data.
var ErrIntegrity = errors.New("ciphertext failed integrity check")

// ErrKeySize is returned when the key is not chacha20poly1305.KeySize bytes.
var ErrKeySize = errors.New("invalid key size")

// version prefixes every sealed blob so the format can change without ambiguity.
const version byte = 1

// Sealer encrypts and authenticates byte payloads.
// The associated data binds a ciphertext to its owner (for example user and tool)
// so a blob copied onto another record will not open.
type Sealer interface {
	Seal(plaintext, associatedData []byte) ([]byte, error)
	Open(ciphertext, associatedData []byte) ([]byte, error)
}

// AEAD implements Sealer with XChaCha20-Poly1305 and random 24-byte nonces.
type AEAD struct {
	aead cipher.AEAD
}

// New creates an AEAD sealer from a 32-byte key.
func New(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrKeySize, chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

// Seal encrypts plaintext. Output layout: version || nonce || ciphertext+tag.
func (a *AEAD) Seal(plaintext, associatedData []byte) ([]byte, error) {
	nonceSize := a.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+a.aead.Overhead())
	out[0] = version
	if _, err := rand.Read(out[1 : 1+nonceSize]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return a.aead.Seal(out, out[1:1+nonceSize], plaintext, associatedData), nil
}

// Open authenticates and decrypts a blob produced by Seal.
// Any failure is reported as ErrIntegrity; no partial plaintext is returned.
func (a *AEAD) Open(ciphertext, associatedData []byte) ([]byte, error) {
	nonceSize := a.aead.NonceSize()
	if len(ciphertext) < 1+nonceSize+a.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}
	if ciphertext[0] != version {
		return nil, fmt.Errorf("%w: unknown version %d", ErrIntegrity, ciphertext[0])
	}
	nonce := ciphertext[1 : 1+nonceSize]
	plaintext, err := a.aead.Open(nil, nonce, ciphertext[1+nonceSize:], associatedData)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

var _ Sealer = (*AEAD)(nil)
