package validator

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/ssd-technologies/kairo/internal/envelope"
)

// EncodeSequence returns the little-endian wire form of seq.
func EncodeSequence(seq uint64) []byte {
	b := make([]byte, envelope.SequenceIDSize)
	binary.LittleEndian.PutUint64(b, seq)
	return b
}

// Sign stamps env with seq and signs its payload with priv. The payload must
// already be final.
func Sign(priv ed25519.PrivateKey, seq uint64, env *envelope.Envelope) {
	env.EncryptedSequenceID = EncodeSequence(seq)
	env.Signature = ed25519.Sign(priv, env.EncryptedPayload)
}
