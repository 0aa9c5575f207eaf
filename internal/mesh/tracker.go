package mesh

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// PeerInfo describes an agent connected to this node.
type PeerInfo struct {
	AgentID     string     `json:"agent_id"`
	Address     netip.Addr `json:"p_address"`
	RemoteAddr  string     `json:"remote_addr"`
	ConnectedAt time.Time  `json:"connected_at"`
	LastSeen    time.Time  `json:"last_seen"`
	Online      bool       `json:"online"`
	Accepted    uint64     `json:"accepted"`
	Rejected    uint64     `json:"rejected"`
}

// TrackerStats contains summary statistics for the tracker.
type TrackerStats struct {
	PeersOnline int    `json:"peers_online"`
	PeersTotal  int    `json:"peers_total"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
}

// Tracker is an in-memory table of connected agents.
type Tracker struct {
	mu    sync.RWMutex
	peers map[string]*PeerInfo
	now   func() time.Time
}

// NewTracker creates a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		peers: make(map[string]*PeerInfo),
		now:   time.Now,
	}
}

// Register adds a peer and marks it online. Counters of a reconnecting
// peer are kept.
func (t *Tracker) Register(agentID string, addr netip.Addr, remote string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	p, ok := t.peers[agentID]
	if !ok {
		p = &PeerInfo{AgentID: agentID}
		t.peers[agentID] = p
	}
	p.Address = addr
	p.RemoteAddr = remote
	p.ConnectedAt = now
	p.LastSeen = now
	p.Online = true
}

// Heartbeat updates the LastSeen timestamp for a peer.
func (t *Tracker) Heartbeat(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[agentID]; ok {
		p.LastSeen = t.now()
		p.Online = true
	}
}

// Record counts one accepted or rejected envelope from a peer and
// refreshes its LastSeen.
func (t *Tracker) Record(agentID string, accepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[agentID]
	if !ok {
		return
	}
	p.LastSeen = t.now()
	if accepted {
		p.Accepted++
	} else {
		p.Rejected++
	}
}

// Unregister removes a peer from the tracker entirely.
func (t *Tracker) Unregister(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, agentID)
}

// Get returns a copy of the peer's entry.
func (t *Tracker) Get(agentID string) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[agentID]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// Online returns copies of all online peers, sorted by agent ID.
func (t *Tracker) Online() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var result []PeerInfo
	for _, p := range t.peers {
		if p.Online {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// PruneOffline marks peers as offline if their LastSeen exceeds the timeout
// and returns how many were marked.
func (t *Tracker) PruneOffline(timeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-timeout)
	n := 0
	for _, p := range t.peers {
		if p.Online && p.LastSeen.Before(cutoff) {
			p.Online = false
			n++
		}
	}
	return n
}

// Stats returns summary statistics for the tracker.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats TrackerStats
	stats.PeersTotal = len(t.peers)
	for _, p := range t.peers {
		if p.Online {
			stats.PeersOnline++
		}
		stats.Accepted += p.Accepted
		stats.Rejected += p.Rejected
	}
	return stats
}
