package address

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/agent"
	"github.com/ssd-technologies/kairo/internal/metrics"
)

// Registry allocates addresses and tracks agent lifecycle. All state is
// guarded by a single lock; every mutation is checked against the standing
// invariants and persisted before it becomes visible, and rolled back if
// either step fails.
type Registry struct {
	mu    sync.RWMutex
	pool  *Pool
	store Store
	byID  map[string]*Agent
	byKey map[string]string // hex(public key) -> agent ID, active and revoked
	order []string          // insertion order, used for snapshots

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Stats summarises registry occupancy.
type Stats struct {
	Prefix   string `json:"prefix"`
	PoolSize uint64 `json:"pool_size"`
	PoolUsed uint64 `json:"pool_used"`
	Active   int    `json:"active"`
	Revoked  int    `json:"revoked"`
}

// NewRegistry loads the existing records from store and returns a registry
// allocating from pool. A nil store keeps records in memory only.
func NewRegistry(pool *Pool, store Store, opts ...Option) (*Registry, error) {
	if pool == nil {
		return nil, errors.New("address pool is required")
	}
	if store == nil {
		store = &MemoryStore{}
	}
	r := &Registry{
		pool:   pool,
		store:  store,
		byID:   make(map[string]*Agent),
		byKey:  make(map[string]string),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	agents, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	for _, a := range agents {
		if len(a.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("load registry: agent %s: %w", a.ID, agent.ErrInvalidPublicKey)
		}
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("load registry: duplicate agent id %s: %w", a.ID, ErrInvariant)
		}
		key := hex.EncodeToString(a.PublicKey)
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("load registry: duplicate public key for %s: %w", a.ID, ErrInvariant)
		}
		rec := a.clone()
		r.byID[a.ID] = &rec
		r.byKey[key] = a.ID
		r.order = append(r.order, a.ID)
		if pool.Contains(a.Address) {
			pool.Reserve(a.Address)
		} else {
			r.logger.Warn("loaded agent address outside pool",
				zap.String("agent_id", a.ID), zap.String("p_address", a.Address.String()))
		}
	}
	if err := r.checkInvariantsLocked(); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	r.logger.Info("registry loaded",
		zap.Int("agents", len(agents)), zap.String("prefix", pool.Prefix().String()))
	return r, nil
}

// Allocate returns the address for pub, allocating one if the key is new.
// A repeated request for an Active key returns the existing record.
func (r *Registry) Allocate(pub ed25519.PublicKey) (Agent, error) {
	a, _, err := r.Register(pub)
	return a, err
}

// Register is Allocate that also reports whether a new record was created.
func (r *Registry) Register(pub ed25519.PublicKey) (Agent, bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		r.metrics.RegistryOp("allocate", "invalid_key")
		return Agent{}, false, agent.ErrInvalidPublicKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := hex.EncodeToString(pub)
	if id, ok := r.byKey[key]; ok {
		existing := r.byID[id]
		if existing.Active() {
			r.metrics.RegistryOp("allocate", "existing")
			return existing.clone(), false, nil
		}
		r.metrics.RegistryOp("allocate", "key_revoked")
		return Agent{}, false, fmt.Errorf("allocate %s: %w", id, ErrKeyRevoked)
	}

	id := agent.AgentIDFromPublicKey(pub)
	if _, taken := r.byID[id]; taken {
		r.metrics.RegistryOp("allocate", "conflict")
		return Agent{}, false, fmt.Errorf("allocate: agent id %s held by another key: %w", id, ErrConflict)
	}

	next, done := r.pool.snapshot()
	addr, err := r.pool.Next()
	if err != nil {
		r.metrics.RegistryOp("allocate", "pool_exhausted")
		return Agent{}, false, err
	}

	rec := &Agent{
		ID:           id,
		PublicKey:    append(ed25519.PublicKey(nil), pub...),
		Address:      addr,
		Status:       StatusActive,
		RegisteredAt: r.now().UTC(),
	}
	r.insertLocked(rec)

	undo := func() {
		r.removeLastLocked(rec)
		r.pool.restore(next, done)
	}
	if err := r.commitLocked(undo); err != nil {
		r.metrics.RegistryOp("allocate", "error")
		return Agent{}, false, fmt.Errorf("allocate %s: %w", id, err)
	}

	r.metrics.RegistryOp("allocate", "ok")
	r.logger.Info("agent registered",
		zap.String("agent_id", id), zap.String("p_address", addr.String()))
	return rec.clone(), true, nil
}

// Revoke marks an agent Revoked. The record and its address are retained so
// the address cannot be reused by an unrelated key.
func (r *Registry) Revoke(id string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		r.metrics.RegistryOp("revoke", "not_found")
		return Agent{}, fmt.Errorf("revoke %s: %w", id, ErrNotFound)
	}
	if !rec.Active() {
		r.metrics.RegistryOp("revoke", "already_revoked")
		return Agent{}, fmt.Errorf("revoke %s: %w", id, ErrAlreadyRevoked)
	}

	prev := *rec
	rec.Status = StatusRevoked
	rec.RevokedAt = r.now().UTC()

	if err := r.commitLocked(func() { *rec = prev }); err != nil {
		r.metrics.RegistryOp("revoke", "error")
		return Agent{}, fmt.Errorf("revoke %s: %w", id, err)
	}

	r.metrics.RegistryOp("revoke", "ok")
	r.logger.Info("agent revoked", zap.String("agent_id", id))
	return rec.clone(), nil
}

// Reissue binds the address of a revoked agent to a new public key. The old
// record must be Revoked and not yet reissued, and the new key must not
// belong to any existing record.
func (r *Registry) Reissue(oldID string, newPub ed25519.PublicKey) (Agent, error) {
	return r.reissue("reissue", oldID, newPub, false)
}

// RevokeAndReissue is Reissue for an agent that may still be Active: the
// old record is revoked and its address reissued in one commit. If any
// check fails the registry is left unchanged.
func (r *Registry) RevokeAndReissue(oldID string, newPub ed25519.PublicKey) (Agent, error) {
	return r.reissue("revoke_reissue", oldID, newPub, true)
}

func (r *Registry) reissue(op, oldID string, newPub ed25519.PublicKey, revoke bool) (Agent, error) {
	if len(newPub) != ed25519.PublicKeySize {
		r.metrics.RegistryOp(op, "invalid_key")
		return Agent{}, agent.ErrInvalidPublicKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[oldID]
	if !ok {
		r.metrics.RegistryOp(op, "not_found")
		return Agent{}, fmt.Errorf("reissue %s: %w", oldID, ErrNotFound)
	}
	if old.Active() && !revoke {
		r.metrics.RegistryOp(op, "not_revoked")
		return Agent{}, fmt.Errorf("reissue %s: %w", oldID, ErrNotRevoked)
	}
	if old.ReissuedTo != "" {
		r.metrics.RegistryOp(op, "conflict")
		return Agent{}, fmt.Errorf("reissue %s: already reissued to %s: %w", oldID, old.ReissuedTo, ErrConflict)
	}

	key := hex.EncodeToString(newPub)
	if id, exists := r.byKey[key]; exists {
		r.metrics.RegistryOp(op, "conflict")
		if r.byID[id].Active() {
			return Agent{}, fmt.Errorf("reissue %s: new key is active as %s: %w", oldID, id, ErrConflict)
		}
		return Agent{}, fmt.Errorf("reissue %s: new key was revoked as %s: %w", oldID, id, ErrConflict)
	}
	newID := agent.AgentIDFromPublicKey(newPub)
	if _, taken := r.byID[newID]; taken {
		r.metrics.RegistryOp(op, "conflict")
		return Agent{}, fmt.Errorf("reissue %s: agent id %s held by another key: %w", oldID, newID, ErrConflict)
	}

	now := r.now().UTC()
	prev := *old
	if old.Active() {
		old.Status = StatusRevoked
		old.RevokedAt = now
	}
	rec := &Agent{
		ID:           newID,
		PublicKey:    append(ed25519.PublicKey(nil), newPub...),
		Address:      old.Address,
		Status:       StatusActive,
		RegisteredAt: now,
		ReissuedFrom: oldID,
	}
	r.insertLocked(rec)
	old.ReissuedTo = newID

	undo := func() {
		*old = prev
		r.removeLastLocked(rec)
	}
	if err := r.commitLocked(undo); err != nil {
		r.metrics.RegistryOp(op, "error")
		return Agent{}, fmt.Errorf("reissue %s: %w", oldID, err)
	}

	r.metrics.RegistryOp(op, "ok")
	r.logger.Info("agent reissued",
		zap.String("old_agent_id", oldID),
		zap.String("agent_id", newID),
		zap.String("p_address", rec.Address.String()),
		zap.Bool("revoked", prev.Active()))
	return rec.clone(), nil
}

// Get returns the agent with the given ID.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return Agent{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return rec.clone(), nil
}

// GetByPublicKey returns the agent registered with pub.
func (r *Registry) GetByPublicKey(pub ed25519.PublicKey) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[hex.EncodeToString(pub)]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return r.byID[id].clone(), nil
}

// GetByAddress returns the Active agent holding addr.
func (r *Registry) GetByAddress(addr netip.Addr) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		rec := r.byID[id]
		if rec.Active() && rec.Address == addr {
			return rec.clone(), nil
		}
	}
	return Agent{}, fmt.Errorf("get %s: %w", addr, ErrNotFound)
}

// List returns every record in registration order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Stats returns registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Prefix:   r.pool.Prefix().String(),
		PoolSize: r.pool.Size(),
		PoolUsed: r.pool.Used(),
	}
	for _, rec := range r.byID {
		if rec.Active() {
			s.Active++
		} else {
			s.Revoked++
		}
	}
	return s
}

func (r *Registry) insertLocked(rec *Agent) {
	r.byID[rec.ID] = rec
	r.byKey[hex.EncodeToString(rec.PublicKey)] = rec.ID
	r.order = append(r.order, rec.ID)
}

// removeLastLocked undoes the most recent insertLocked.
func (r *Registry) removeLastLocked(rec *Agent) {
	delete(r.byID, rec.ID)
	delete(r.byKey, hex.EncodeToString(rec.PublicKey))
	r.order = r.order[:len(r.order)-1]
}

// commitLocked checks the invariants and persists the snapshot, calling
// undo if either fails.
func (r *Registry) commitLocked(undo func()) error {
	if err := r.checkInvariantsLocked(); err != nil {
		undo()
		r.logger.Error("registry invariant violated, mutation rolled back", zap.Error(err))
		return err
	}
	if err := r.store.Save(r.snapshotLocked()); err != nil {
		undo()
		r.logger.Error("registry save failed, mutation rolled back", zap.Error(err))
		return fmt.Errorf("save registry: %w", err)
	}
	return nil
}

// checkInvariantsLocked verifies that no two Active records share an
// address or a public key.
func (r *Registry) checkInvariantsLocked() error {
	addrs := make(map[netip.Addr]string)
	keys := make(map[string]string)
	for _, id := range r.order {
		rec := r.byID[id]
		if !rec.Active() {
			continue
		}
		if other, dup := addrs[rec.Address]; dup {
			return fmt.Errorf("%w: %s and %s share address %s", ErrInvariant, other, id, rec.Address)
		}
		addrs[rec.Address] = id
		k := hex.EncodeToString(rec.PublicKey)
		if other, dup := keys[k]; dup {
			return fmt.Errorf("%w: %s and %s share a public key", ErrInvariant, other, id)
		}
		keys[k] = id
	}
	return nil
}

func (r *Registry) snapshotLocked() []Agent {
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}
