// Package governance verifies quorum-signed override packages and applies
// emergency key reissuance.
package governance

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// payloadDomain separates reissue signatures from any other signed bytes.
const payloadDomain = "kairo/reissue/v1"

var ErrInvalidRequest = errors.New("invalid override request")

// Role is the capacity in which a signatory signs.
type Role uint8

const (
	RoleSeedNode Role = iota + 1
	RolePeerAI
	RoleHumanAuditor
)

var roleNames = map[Role]string{
	RoleSeedNode:     "SeedNode",
	RolePeerAI:       "PeerAI",
	RoleHumanAuditor: "HumanAuditor",
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	n, ok := roleNames[r]
	if !ok {
		return nil, fmt.Errorf("invalid role %d", uint8(r))
	}
	return []byte(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseRole parses SeedNode, PeerAI or HumanAuditor.
func ParseRole(s string) (Role, error) {
	for r, n := range roleNames {
		if n == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown signatory role %q", s)
}

// ReissueRequest asks for an agent's address to be bound to a new key.
type ReissueRequest struct {
	OldAgentID   string `json:"old_agent_id"`
	NewPublicKey string `json:"new_public_key"` // hex
	Reason       string `json:"reason"`
	Timestamp    int64  `json:"timestamp"` // unix seconds
}

// Signature is one signatory's approval of a ReissueRequest.
type Signature struct {
	SignatoryID string `json:"signatory_id"`
	Role        Role   `json:"signatory_role"`
	Signature   string `json:"signature"` // hex
}

// OverridePackage is a ReissueRequest together with its signatures.
type OverridePackage struct {
	Payload    ReissueRequest `json:"payload"`
	Signatures []Signature    `json:"signatures"`
}

var payloadMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("governance: cbor encoder: %v", err))
	}
	payloadMode = em
}

// CanonicalPayload returns the bytes every signatory signs: the canonical
// CBOR array [domain, old_agent_id, new_public_key, reason, timestamp].
func CanonicalPayload(req ReissueRequest) ([]byte, error) {
	data, err := payloadMode.Marshal([]any{
		payloadDomain,
		req.OldAgentID,
		req.NewPublicKey,
		req.Reason,
		req.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("encode reissue payload: %w", err)
	}
	return data, nil
}

// Sign produces signatoryID's signature over req.
func Sign(priv ed25519.PrivateKey, signatoryID string, role Role, req ReissueRequest) (Signature, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Signature{}, fmt.Errorf("invalid signer private key length: %d", len(priv))
	}
	msg, err := CanonicalPayload(req)
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		SignatoryID: signatoryID,
		Role:        role,
		Signature:   hex.EncodeToString(ed25519.Sign(priv, msg)),
	}, nil
}

// VerifyOverride reports whether at least threshold distinct signatories in
// quorumKeys (signatory ID to hex public key) produced a valid signature
// over pkg's payload. Unknown signatories and malformed keys or signatures
// are skipped. A threshold below 1 never passes.
func VerifyOverride(pkg *OverridePackage, quorumKeys map[string]string, threshold int) bool {
	if pkg == nil || threshold < 1 {
		return false
	}
	msg, err := CanonicalPayload(pkg.Payload)
	if err != nil {
		return false
	}
	valid := 0
	seen := make(map[string]bool)
	for _, s := range pkg.Signatures {
		if seen[s.SignatoryID] {
			continue
		}
		pubHex, ok := quorumKeys[s.SignatoryID]
		if !ok {
			continue
		}
		if !verifyHex(pubHex, s.Signature, msg) {
			continue
		}
		seen[s.SignatoryID] = true
		valid++
	}
	return valid >= threshold
}

func verifyHex(pubHex, sigHex string, msg []byte) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
