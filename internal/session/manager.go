// Package session manages ephemeral X25519 keypairs, one per peer context,
// rotated after a fixed lifetime.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"

	"github.com/ssd-technologies/kairo/internal/metrics"
)

// KeySize is the size of X25519 scalars, points and shared secrets.
const KeySize = curve25519.PointSize

const (
	DefaultTTL         = 5 * time.Minute
	DefaultMaxPeers    = 4096
	DefaultIdleTimeout = 30 * time.Minute
)

var ErrInvalidPeerKey = errors.New("invalid peer session key")

// Key is one ephemeral keypair.
type Key struct {
	Private   [KeySize]byte
	Public    [KeySize]byte
	CreatedAt time.Time
}

// Config controls key lifetime and table bounds.
type Config struct {
	TTL         time.Duration
	MaxPeers    int
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.IdleTimeout < c.TTL {
		c.IdleTimeout = c.TTL
	}
	return c
}

// Manager hands out the live key for each peer context. The table is an
// LRU bounded by MaxPeers. An entry expires IdleTimeout after it was
// stored, whether or not it was read since; an expired context simply gets
// a fresh key on next use.
type Manager struct {
	mu   sync.Mutex
	keys *expirable.LRU[string, *Key]
	ttl  time.Duration

	now     func() time.Time
	rand    io.Reader
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides time.Now for TTL decisions.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRand overrides the key source.
func WithRand(r io.Reader) Option { return func(m *Manager) { m.rand = r } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(r *metrics.Recorder) Option { return func(m *Manager) { m.metrics = r } }

// NewManager returns a Manager with an empty table.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		keys:   expirable.NewLRU[string, *Key](cfg.MaxPeers, nil, cfg.IdleTimeout),
		ttl:    cfg.TTL,
		now:    time.Now,
		rand:   rand.Reader,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the key lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// KeyPair returns the live keypair for peer, generating one if none exists
// or the current one is older than the TTL.
func (m *Manager) KeyPair(peer string) (public, private [KeySize]byte, err error) {
	k, err := m.current(peer)
	if err != nil {
		return public, private, err
	}
	return k.Public, k.Private, nil
}

// PublicKey returns the live public key for peer.
func (m *Manager) PublicKey(peer string) ([KeySize]byte, error) {
	k, err := m.current(peer)
	if err != nil {
		return [KeySize]byte{}, err
	}
	return k.Public, nil
}

// SharedSecret runs X25519 between the live key for peer and theirPublic.
// Low-order peer points are rejected with ErrInvalidPeerKey.
func (m *Manager) SharedSecret(peer string, theirPublic []byte) ([KeySize]byte, error) {
	_, secret, err := m.Exchange(peer, theirPublic)
	return secret, err
}

// Exchange is SharedSecret that also returns the public half of the key
// used, so callers never pair a secret with a key rotated in between.
func (m *Manager) Exchange(peer string, theirPublic []byte) (ours, secret [KeySize]byte, err error) {
	if len(theirPublic) != KeySize {
		return ours, secret, fmt.Errorf("%w: %d bytes", ErrInvalidPeerKey, len(theirPublic))
	}
	k, err := m.current(peer)
	if err != nil {
		return ours, secret, err
	}
	shared, err := curve25519.X25519(k.Private[:], theirPublic)
	if err != nil {
		return ours, secret, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	copy(secret[:], shared)
	return k.Public, secret, nil
}

// Peek returns the stored key for peer without rotating it.
func (m *Manager) Peek(peer string) (Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys.Peek(peer)
	if !ok {
		return Key{}, false
	}
	return *k, true
}

// Forget drops the key for peer.
func (m *Manager) Forget(peer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys.Remove(peer)
}

// Len returns the number of live peer contexts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys.Len()
}

func (m *Manager) current(peer string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if k, ok := m.keys.Get(peer); ok && now.Sub(k.CreatedAt) <= m.ttl {
		return k, nil
	}

	k, err := m.generate(now)
	if err != nil {
		return nil, err
	}
	m.keys.Add(peer, k)
	m.metrics.SessionRotated()
	m.logger.Debug("session key rotated", zap.String("peer", peer))
	return k, nil
}

func (m *Manager) generate(now time.Time) (*Key, error) {
	k := &Key{CreatedAt: now}
	if _, err := io.ReadFull(m.rand, k.Private[:]); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	pub, err := curve25519.X25519(k.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive session public key: %w", err)
	}
	copy(k.Public[:], pub)
	return k, nil
}
