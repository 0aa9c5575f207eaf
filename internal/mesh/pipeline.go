// Package mesh ties sessions, envelope framing, sealing and validation into
// the send and receive paths, and delivers envelopes over WebSocket.
package mesh

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/address"
	"github.com/ssd-technologies/kairo/internal/crypto"
	"github.com/ssd-technologies/kairo/internal/envelope"
	"github.com/ssd-technologies/kairo/internal/session"
	"github.com/ssd-technologies/kairo/internal/validator"
)

var (
	ErrUnknownSender  = errors.New("unknown sender")
	ErrSenderInactive = errors.New("sender is not active")
	ErrUndecryptable  = errors.New("payload could not be opened")
)

// associatedData binds the ciphertext to the envelope version, ephemeral
// key and sequence number.
func associatedData(ephemeral []byte, seq uint64) []byte {
	aad := make([]byte, 0, 1+len(ephemeral)+envelope.SequenceIDSize)
	aad = append(aad, envelope.Version)
	aad = append(aad, ephemeral...)
	return append(aad, validator.EncodeSequence(seq)...)
}

// Sender seals payloads for peers. Each peer has its own outbound sequence.
type Sender struct {
	priv        ed25519.PrivateKey
	sessions    *session.Manager
	suite       string
	compression Compression

	mu   sync.Mutex
	seqs map[string]uint64
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithCompression compresses payloads of at least MinCompressSize bytes
// before sealing.
func WithCompression(c Compression) SenderOption {
	return func(s *Sender) { s.compression = c }
}

// NewSender returns a sender signing with priv.
func NewSender(priv ed25519.PrivateKey, sessions *session.Manager, suite string, opts ...SenderOption) *Sender {
	if suite == "" {
		suite = crypto.CipherChaCha
	}
	s := &Sender{priv: priv, sessions: sessions, suite: suite, seqs: make(map[string]uint64)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seal encrypts payload for peer and returns the framed envelope. A
// sequence number is consumed even if a later step fails.
func (s *Sender) Seal(peer string, peerSessionKey, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, validator.ErrEmptyPayload
	}
	pt, err := packPayload(s.compression, payload)
	if err != nil {
		return nil, err
	}
	ours, secret, err := s.sessions.Exchange(peer, peerSessionKey)
	if err != nil {
		return nil, err
	}
	seq := s.nextSequence(peer)

	key, err := crypto.DeriveSessionKey(secret[:], ours[:], s.suite)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	ct, err := crypto.Seal(s.suite, key, nonce, pt, associatedData(ours[:], seq))
	if err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		Version:          envelope.Version,
		EphemeralKey:     ours[:],
		Nonce:            nonce,
		EncryptedPayload: ct,
	}
	validator.Sign(s.priv, seq, env)
	return envelope.Encode(env)
}

func (s *Sender) nextSequence(peer string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[peer]++
	return s.seqs[peer]
}

// Resync sets the next sequence Seal will use for peer. Clients call it
// with the value a peer reports after rejecting a frame it never accepted.
func (s *Sender) Resync(peer string, next uint64) {
	if next == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[peer] = next - 1
}

// Sequence returns the last sequence used for peer.
func (s *Sender) Sequence(peer string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqs[peer]
}

// AgentLookup resolves a sender ID to its registry record.
type AgentLookup interface {
	Get(id string) (address.Agent, error)
}

// Delivery is an accepted, decrypted payload.
type Delivery struct {
	ID          string      `json:"id"`
	From        string      `json:"from"`
	Address     netip.Addr  `json:"p_address"`
	Sequence    uint64      `json:"seq"`
	Compression Compression `json:"compression"`
	Payload     []byte      `json:"payload"`
	ReceivedAt  time.Time   `json:"received_at"`
}

// Receiver validates and opens inbound envelopes.
type Receiver struct {
	agents    AgentLookup
	validator *validator.Validator
	sessions  *session.Manager
	suite     string
	now       func() time.Time
	logger    *zap.Logger
}

// NewReceiver returns a receiver. Senders are looked up in agents and must
// be Active.
func NewReceiver(agents AgentLookup, v *validator.Validator, sessions *session.Manager, suite string, logger *zap.Logger) *Receiver {
	if suite == "" {
		suite = crypto.CipherChaCha
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		agents:    agents,
		validator: v,
		sessions:  sessions,
		suite:     suite,
		now:       time.Now,
		logger:    logger,
	}
}

// Open decodes raw, validates it against senderID's key and sequence, and
// decrypts the payload. Once validation passes the sequence stays advanced
// even if decryption fails.
func (r *Receiver) Open(senderID string, raw []byte) (*Delivery, error) {
	env, err := envelope.Decode(raw)
	if err != nil {
		return nil, err
	}

	ag, err := r.agents.Get(senderID)
	if err != nil {
		if errors.Is(err, address.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSender, senderID)
		}
		return nil, err
	}
	if !ag.Active() {
		return nil, fmt.Errorf("%w: %s", ErrSenderInactive, senderID)
	}

	seq, err := r.validator.Accept(senderID, env, ag.PublicKey)
	if err != nil {
		return nil, err
	}

	_, secret, err := r.sessions.Exchange(senderID, env.EphemeralKey)
	if err != nil {
		r.logger.Warn("session exchange failed after acceptance",
			zap.String("agent_id", senderID), zap.Uint64("seq", seq), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	key, err := crypto.DeriveSessionKey(secret[:], env.EphemeralKey, r.suite)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	pt, err := crypto.Open(r.suite, key, env.Nonce, env.EncryptedPayload, associatedData(env.EphemeralKey, seq))
	if err != nil {
		r.logger.Warn("payload open failed after acceptance",
			zap.String("agent_id", senderID), zap.Uint64("seq", seq), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	payload, comp, err := unpackPayload(pt)
	if err != nil {
		r.logger.Warn("payload decompression failed after acceptance",
			zap.String("agent_id", senderID), zap.Uint64("seq", seq), zap.Error(err))
		return nil, err
	}

	return &Delivery{
		ID:          uuid.NewString(),
		From:        senderID,
		Address:     ag.Address,
		Sequence:    seq,
		Compression: comp,
		Payload:     payload,
		ReceivedAt:  r.now().UTC(),
	}, nil
}

// NextSequence returns the sequence the receiver expects next from sender.
func (r *Receiver) NextSequence(sender string) uint64 {
	return r.validator.Sequences().Last(sender) + 1
}

// Reason labels an Open error for acks and metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSender):
		return "unknown_sender"
	case errors.Is(err, ErrSenderInactive):
		return "sender_inactive"
	case errors.Is(err, ErrUndecryptable):
		return "undecryptable"
	case errors.Is(err, ErrBadCompression):
		return "bad_compression"
	default:
		return validator.Reason(err)
	}
}
