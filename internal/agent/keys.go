package agent

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyFilePermissions is returned when a key file is readable by group or
// other.
var ErrKeyFilePermissions = errors.New("key file is accessible by other users")

// Identity is an agent's signing key and the ID derived from it.
type Identity struct {
	ID   string
	Pub  ed25519.PublicKey
	Priv ed25519.PrivateKey
}

// NewIdentity derives an Identity from an Ed25519 private key.
func NewIdentity(priv ed25519.PrivateKey) Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return Identity{ID: AgentIDFromPublicKey(pub), Pub: pub, Priv: priv}
}

// LoadOrCreateIdentity reads the identity stored at path, creating a new one
// when the file does not exist. The file holds the hex-encoded 32-byte seed
// and must be mode 0600 or stricter.
func LoadOrCreateIdentity(path string) (Identity, bool, error) {
	id, err := LoadIdentity(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, false, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, false, fmt.Errorf("generate keypair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return Identity{}, false, fmt.Errorf("create key dir: %w", err)
	}
	seed := []byte(hex.EncodeToString(priv.Seed()) + "\n")
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return Identity{}, false, fmt.Errorf("write key file: %w", err)
	}
	return NewIdentity(priv), true, nil
}

// LoadIdentity reads an existing identity file.
func LoadIdentity(path string) (Identity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Identity{}, err
	}
	if info.Mode().Perm()&0077 != 0 {
		return Identity{}, fmt.Errorf("%s (mode %v): %w", path, info.Mode().Perm(), ErrKeyFilePermissions)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("read key file: %w", err)
	}
	seed, err := hex.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return Identity{}, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return Identity{}, fmt.Errorf("invalid key file: expected %d byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	return NewIdentity(ed25519.NewKeyFromSeed(seed)), nil
}
