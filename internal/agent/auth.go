// Package agent provides agent identity helpers for the kairo mesh: short
// agent IDs derived from Ed25519 public keys, key files, and signed HTTP
// requests towards a seed node.
package agent

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// TimestampWindow is the maximum clock drift accepted on a signed request.
const TimestampWindow = 5 * time.Minute

// Header names carried by signed requests.
const (
	HeaderAgentID   = "X-Kairo-Agent"
	HeaderTimestamp = "X-Kairo-Timestamp"
	HeaderSignature = "X-Kairo-Signature"
)

// ErrInvalidPublicKey is returned when a key is not a 32-byte Ed25519 public key.
var ErrInvalidPublicKey = errors.New("invalid ed25519 public key")

// AgentIDFromPublicKey returns the first 8 bytes of a public key encoded as
// 16-character lowercase hexadecimal. This is the agent's registry ID.
func AgentIDFromPublicKey(pub ed25519.PublicKey) string {
	if len(pub) < 8 {
		return hex.EncodeToString(pub)
	}
	return hex.EncodeToString(pub[:8])
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// requestMessage is the byte string covered by a request signature:
//
//	method + path + timestamp + body
func requestMessage(method, path, ts string, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(ts)+len(body))
	msg = append(msg, method...)
	msg = append(msg, path...)
	msg = append(msg, ts...)
	return append(msg, body...)
}

// SignRequest sets the agent, timestamp and signature headers on req.
func SignRequest(req *http.Request, agentID string, privKey ed25519.PrivateKey, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req.Header.Set(HeaderAgentID, agentID)
	req.Header.Set(HeaderTimestamp, ts)

	sig := ed25519.Sign(privKey, requestMessage(req.Method, req.URL.Path, ts, body))
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}

// VerifyRequest checks that:
//  1. The timestamp is within TimestampWindow of the current time.
//  2. The Ed25519 signature is valid for the reconstructed message.
func VerifyRequest(req *http.Request, pubKey ed25519.PublicKey, body []byte) error {
	tsStr := req.Header.Get(HeaderTimestamp)
	sigHex := req.Header.Get(HeaderSignature)

	if tsStr == "" {
		return fmt.Errorf("missing %s header", HeaderTimestamp)
	}
	if sigHex == "" {
		return fmt.Errorf("missing %s header", HeaderSignature)
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	diff := math.Abs(float64(time.Now().Unix() - ts))
	if diff > TimestampWindow.Seconds() {
		return fmt.Errorf("timestamp expired: %.0fs drift exceeds %v window", diff, TimestampWindow)
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}

	if !ed25519.Verify(pubKey, requestMessage(req.Method, req.URL.Path, tsStr, body), sig) {
		return fmt.Errorf("ed25519 signature verification failed")
	}
	return nil
}
