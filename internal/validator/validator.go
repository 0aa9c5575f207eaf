// Package validator verifies envelope signatures and enforces strictly
// in-order per-sender sequence numbers.
package validator

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/envelope"
	"github.com/ssd-technologies/kairo/internal/metrics"
)

var (
	ErrBadSequenceLength  = errors.New("sequence id must be 8 bytes")
	ErrSequenceMismatch   = errors.New("sequence mismatch")
	ErrBadSignatureLength = errors.New("signature must be 64 bytes")
	ErrEmptyPayload       = errors.New("empty payload")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrSequenceExhausted  = errors.New("sender sequence space exhausted")
)

// SequenceMismatchError reports the sequence a sender should have used.
type SequenceMismatchError struct {
	Expected uint64
	Got      uint64
}

func (e *SequenceMismatchError) Error() string {
	return fmt.Sprintf("sequence mismatch: expected %d, got %d", e.Expected, e.Got)
}

// Is makes errors.Is(err, ErrSequenceMismatch) match.
func (e *SequenceMismatchError) Is(target error) bool {
	return target == ErrSequenceMismatch
}

// Validate checks env against the sender key and the expected sequence.
// It has no side effects. The checks run in a fixed order and stop at the
// first failure; the signature is verified last.
func Validate(env *envelope.Envelope, senderKey ed25519.PublicKey, expected uint64) error {
	if len(env.EncryptedSequenceID) != envelope.SequenceIDSize {
		return ErrBadSequenceLength
	}
	if got := binary.LittleEndian.Uint64(env.EncryptedSequenceID); got != expected {
		return &SequenceMismatchError{Expected: expected, Got: got}
	}
	if len(env.Signature) != ed25519.SignatureSize {
		return ErrBadSignatureLength
	}
	if len(env.EncryptedPayload) == 0 {
		return ErrEmptyPayload
	}
	if len(senderKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed public key", ErrSignatureInvalid)
	}
	if !ed25519.Verify(senderKey, env.EncryptedPayload, env.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// Validator applies Validate against a SequenceTable.
type Validator struct {
	seqs    *SequenceTable
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// New returns a Validator with an empty sequence table.
func New(logger *zap.Logger, m *metrics.Recorder) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{seqs: NewSequenceTable(), logger: logger, metrics: m}
}

// Sequences exposes the validator's sequence table.
func (v *Validator) Sequences() *SequenceTable { return v.seqs }

// Accept validates env from sender and, on success, advances the sender's
// last accepted sequence. The signature is verified without holding the
// table lock; if another packet from the same sender was accepted in the
// meantime the advance fails and a SequenceMismatchError is returned.
// An advanced sequence is never rolled back.
func (v *Validator) Accept(sender string, env *envelope.Envelope, senderKey ed25519.PublicKey) (uint64, error) {
	last := v.seqs.Last(sender)
	if last == ^uint64(0) {
		v.reject(sender, ErrSequenceExhausted)
		return 0, ErrSequenceExhausted
	}
	expected := last + 1

	if err := Validate(env, senderKey, expected); err != nil {
		v.reject(sender, err)
		return 0, err
	}
	if current, ok := v.seqs.advance(sender, last, expected); !ok {
		err := &SequenceMismatchError{Expected: current + 1, Got: expected}
		v.reject(sender, err)
		return 0, err
	}

	v.metrics.PacketAccepted()
	v.logger.Debug("packet accepted", zap.String("agent_id", sender), zap.Uint64("seq", expected))
	return expected, nil
}

func (v *Validator) reject(sender string, err error) {
	v.metrics.PacketRejected(Reason(err))
	v.logger.Debug("packet rejected", zap.String("agent_id", sender), zap.Error(err))
}

// Reason returns a short label for a validation error.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, envelope.ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, envelope.ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrBadSequenceLength):
		return "bad_sequence_length"
	case errors.Is(err, ErrSequenceMismatch):
		return "sequence_mismatch"
	case errors.Is(err, ErrBadSignatureLength):
		return "bad_signature_length"
	case errors.Is(err, ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrSequenceExhausted):
		return "sequence_exhausted"
	default:
		return "error"
	}
}
