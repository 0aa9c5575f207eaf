package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	CipherAES    = "aes-256-gcm"
	CipherChaCha = "chacha20-poly1305"

	// NonceLen is shared by both suites and matches the envelope nonce.
	NonceLen = 12
)

var (
	ErrUnknownCipher = errors.New("unknown cipher")
	ErrOpen          = errors.New("payload authentication failed")
)

// NewAEAD returns the AEAD for suite keyed with key.
func NewAEAD(suite string, key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), KeyLen)
	}
	switch suite {
	case CipherAES:
		return newAESGCM(key)
	case CipherChaCha:
		return newChaCha(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCipher, suite)
	}
}

// NewNonce returns a random nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// Seal encrypts plaintext under key with the given nonce and associated data.
func Seal(suite string, key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := NewAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts and authenticates ciphertext. Authentication failures
// match ErrOpen.
func Open(suite string, key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := NewAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrOpen, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plaintext, nil
}
