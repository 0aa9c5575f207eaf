// Package address allocates P-addresses to mesh agents and owns the agent
// registry: the durable map from Ed25519 public key to allocated address.
package address

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Registry errors. They are actionable and always surfaced to the caller.
var (
	ErrAlreadyExists  = errors.New("agent already exists")
	ErrConflict       = errors.New("registry conflict")
	ErrNotRevoked     = errors.New("agent is not revoked")
	ErrAlreadyRevoked = errors.New("agent already revoked")
	ErrKeyRevoked     = errors.New("public key belongs to a revoked agent")
	ErrPoolExhausted  = errors.New("address pool exhausted")
	ErrNotFound       = errors.New("agent not found")
	ErrInvariant      = errors.New("registry invariant violated")
)

// Status is the lifecycle state of a registered agent.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case StatusActive, StatusRevoked:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("invalid status %d", uint8(s))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStatus parses "active" or "revoked".
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "revoked":
		return StatusRevoked, nil
	}
	return 0, fmt.Errorf("unknown agent status %q", s)
}

// Agent is a registry record.
type Agent struct {
	ID           string            `json:"id"`
	PublicKey    ed25519.PublicKey `json:"public_key"`
	Address      netip.Addr        `json:"p_address"`
	Status       Status            `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	RevokedAt    time.Time         `json:"revoked_at,omitzero"`
	ReissuedFrom string            `json:"reissued_from,omitempty"`
	ReissuedTo   string            `json:"reissued_to,omitempty"`
}

// Active reports whether the agent is in the Active state.
func (a Agent) Active() bool { return a.Status == StatusActive }

// clone returns a deep copy so callers never share the registry's key slice.
func (a Agent) clone() Agent {
	a.PublicKey = append(ed25519.PublicKey(nil), a.PublicKey...)
	return a
}

// Store is the persistence collaborator. The registry calls Load once at
// construction and Save with a full snapshot after every mutation; it owns
// no file-format logic itself.
type Store interface {
	Load() ([]Agent, error)
	Save([]Agent) error
}

// MemoryStore is a Store that keeps the last saved snapshot in memory.
type MemoryStore struct {
	agents []Agent
	// Err, when set, is returned by Save.
	Err error
}

// Load returns the last saved snapshot.
func (m *MemoryStore) Load() ([]Agent, error) {
	out := make([]Agent, len(m.agents))
	for i, a := range m.agents {
		out[i] = a.clone()
	}
	return out, nil
}

// Save replaces the snapshot.
func (m *MemoryStore) Save(agents []Agent) error {
	if m.Err != nil {
		return m.Err
	}
	m.agents = make([]Agent, len(agents))
	for i, a := range agents {
		m.agents[i] = a.clone()
	}
	return nil
}
