// Package crypto derives payload keys from session secrets, seals payloads
// with an AEAD, and hashes operator secrets.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	KeyLen       = 32
	saltLen      = 32
)

// payloadInfo is the HKDF info prefix for payload keys.
const payloadInfo = "kairo/payload/v1"

// DeriveSessionKey expands an X25519 shared secret into a payload key for
// suite. The sender's ephemeral public key is the salt, so every session
// key pair yields its own payload key.
func DeriveSessionKey(secret []byte, ephemeralKey []byte, suite string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, ephemeralKey, []byte(payloadInfo+"/"+suite))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// DeriveSecretKey stretches an operator secret with Argon2id.
func DeriveSecretKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// GenerateSalt returns a random salt.
func GenerateSalt() []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return salt
}

// HashSecret returns salt||argon2id(secret).
func HashSecret(secret string) []byte {
	salt := GenerateSalt()
	hash := DeriveSecretKey(secret, salt)
	result := make([]byte, saltLen+KeyLen)
	copy(result[:saltLen], salt)
	copy(result[saltLen:], hash)
	return result
}

// VerifySecret checks secret against a HashSecret result in constant time.
func VerifySecret(secret string, stored []byte) bool {
	if len(stored) != saltLen+KeyLen {
		return false
	}
	computed := DeriveSecretKey(secret, stored[:saltLen])
	return hmac.Equal(stored[saltLen:], computed)
}
