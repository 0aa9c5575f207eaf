package mesh

import (
	"net/netip"
	"testing"
	"time"
)

var testAddr = netip.MustParseAddr("10.0.0.1")

func TestTracker_RegisterAndOnline(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("agent-1", testAddr, "127.0.0.1:5000")

	online := tracker.Online()
	if len(online) != 1 {
		t.Fatalf("expected 1 online peer, got %d", len(online))
	}
	if online[0].AgentID != "agent-1" {
		t.Fatalf("expected agent-1, got %s", online[0].AgentID)
	}
	if online[0].Address != testAddr {
		t.Fatalf("expected address %s, got %s", testAddr, online[0].Address)
	}
}

func TestTracker_Heartbeat(t *testing.T) {
	tracker := NewTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	tracker.Register("agent-1", testAddr, "")
	now = now.Add(time.Second)
	tracker.Heartbeat("agent-1")

	p, ok := tracker.Get("agent-1")
	if !ok {
		t.Fatal("expected peer to exist")
	}
	if !p.LastSeen.Equal(now) {
		t.Fatalf("LastSeen = %v, want %v", p.LastSeen, now)
	}
	if p.ConnectedAt.Equal(now) {
		t.Fatal("heartbeat moved ConnectedAt")
	}

	// Unknown peers are ignored.
	tracker.Heartbeat("ghost")
	if _, ok := tracker.Get("ghost"); ok {
		t.Fatal("heartbeat created an entry")
	}
}

func TestTracker_Unregister(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("agent-1", testAddr, "")
	tracker.Unregister("agent-1")

	if online := tracker.Online(); len(online) != 0 {
		t.Fatalf("expected 0 online peers after unregister, got %d", len(online))
	}
}

func TestTracker_PruneOffline(t *testing.T) {
	tracker := NewTracker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	tracker.Register("agent-1", testAddr, "")
	tracker.Register("agent-2", netip.MustParseAddr("10.0.0.2"), "")
	now = now.Add(2 * time.Minute)
	tracker.Heartbeat("agent-2")

	if n := tracker.PruneOffline(time.Minute); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	online := tracker.Online()
	if len(online) != 1 || online[0].AgentID != "agent-2" {
		t.Fatalf("online = %+v, want only agent-2", online)
	}

	p, ok := tracker.Get("agent-1")
	if !ok {
		t.Fatal("expected pruned peer to still exist")
	}
	if p.Online {
		t.Fatal("expected peer to be offline after prune")
	}
}

func TestTracker_RecordAndStats(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("agent-1", testAddr, "")
	tracker.Register("agent-2", netip.MustParseAddr("10.0.0.2"), "")

	tracker.Record("agent-1", true)
	tracker.Record("agent-1", true)
	tracker.Record("agent-1", false)
	tracker.Record("agent-2", false)
	tracker.Record("ghost", true)

	tracker.mu.Lock()
	tracker.peers["agent-2"].Online = false
	tracker.mu.Unlock()

	stats := tracker.Stats()
	if stats.PeersTotal != 2 {
		t.Fatalf("expected 2 total peers, got %d", stats.PeersTotal)
	}
	if stats.PeersOnline != 1 {
		t.Fatalf("expected 1 online peer, got %d", stats.PeersOnline)
	}
	if stats.Accepted != 2 || stats.Rejected != 2 {
		t.Fatalf("accepted/rejected = %d/%d, want 2/2", stats.Accepted, stats.Rejected)
	}
}

func TestTracker_ReconnectKeepsCounters(t *testing.T) {
	tracker := NewTracker()
	tracker.Register("agent-1", testAddr, "a")
	tracker.Record("agent-1", true)
	tracker.Register("agent-1", testAddr, "b")

	p, _ := tracker.Get("agent-1")
	if p.Accepted != 1 || p.RemoteAddr != "b" {
		t.Fatalf("peer = %+v", p)
	}
}
