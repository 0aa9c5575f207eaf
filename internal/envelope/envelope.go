// Package envelope defines the mesh packet envelope and its binary framing.
//
// On the wire an envelope is a canonical CBOR array of exactly six items:
//
//	[version, ephemeral_key, nonce, encrypted_sequence_id, encrypted_payload, signature]
//
// The version is an unsigned integer and every other item is a definite-length
// byte string.
package envelope

import (
	"errors"
	"fmt"
)

// Version is the only envelope version this package produces and accepts.
const Version = 1

// Field sizes.
const (
	EphemeralKeySize = 32
	NonceSize        = 12
	SequenceIDSize   = 8
	SignatureSize    = 64
	MaxPayloadSize   = 1 << 20

	// framingOverhead bounds the CBOR headers and fixed fields.
	framingOverhead = 1 + 2 + (2 + EphemeralKeySize) + (1 + NonceSize) + (1 + SequenceIDSize) + 5 + (2 + SignatureSize)

	// MaxEncodedSize is the largest buffer Decode will look at.
	MaxEncodedSize = MaxPayloadSize + framingOverhead
)

var (
	ErrMalformed          = errors.New("malformed envelope")
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrMalformed)
)

// Envelope is a single mesh packet. It is transient: built by a sender,
// encoded, decoded by a receiver and dropped once validated.
type Envelope struct {
	_ struct{} `cbor:",toarray"`

	Version             uint8
	EphemeralKey        []byte
	Nonce               []byte
	EncryptedSequenceID []byte
	EncryptedPayload    []byte
	Signature           []byte
}

// checkBounds verifies every fixed-size field and the payload limit.
func (e *Envelope) checkBounds() error {
	if e.Version != Version {
		return fmt.Errorf("%w %d", ErrUnsupportedVersion, e.Version)
	}
	if len(e.EphemeralKey) != EphemeralKeySize {
		return fmt.Errorf("%w: ephemeral key is %d bytes, want %d", ErrMalformed, len(e.EphemeralKey), EphemeralKeySize)
	}
	if len(e.Nonce) != NonceSize {
		return fmt.Errorf("%w: nonce is %d bytes, want %d", ErrMalformed, len(e.Nonce), NonceSize)
	}
	if len(e.EncryptedSequenceID) != SequenceIDSize {
		return fmt.Errorf("%w: sequence id is %d bytes, want %d", ErrMalformed, len(e.EncryptedSequenceID), SequenceIDSize)
	}
	if len(e.EncryptedPayload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload is %d bytes, limit %d", ErrMalformed, len(e.EncryptedPayload), MaxPayloadSize)
	}
	if len(e.Signature) != SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes, want %d", ErrMalformed, len(e.Signature), SignatureSize)
	}
	return nil
}
