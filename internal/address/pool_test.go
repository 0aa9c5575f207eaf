package address

import (
	"errors"
	"net/netip"
	"testing"
)

func TestNewPoolSkipsNetworkAndBroadcast(t *testing.T) {
	p, err := NewPool("10.0.0.0/24")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if p.Size() != 254 {
		t.Errorf("Size = %d, want 254", p.Size())
	}

	a, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if a != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("first address = %s, want 10.0.0.1", a)
	}
	if p.Contains(netip.MustParseAddr("10.0.0.0")) {
		t.Error("network address reported as allocatable")
	}
	if p.Contains(netip.MustParseAddr("10.0.0.255")) {
		t.Error("broadcast address reported as allocatable")
	}
}

func TestPoolExhaustion(t *testing.T) {
	p, err := NewPool("192.168.7.0/30")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	want := []string{"192.168.7.1", "192.168.7.2"}
	for _, w := range want {
		a, err := p.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if a.String() != w {
			t.Errorf("Next = %s, want %s", a, w)
		}
	}
	if _, err := p.Next(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if p.Used() != p.Size() {
		t.Errorf("Used = %d, want %d", p.Used(), p.Size())
	}
}

func TestPoolReserve(t *testing.T) {
	p, _ := NewPool("10.0.0.0/24")
	p.Reserve(netip.MustParseAddr("10.0.0.9"))

	a, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if a.String() != "10.0.0.10" {
		t.Errorf("Next after reserve = %s, want 10.0.0.10", a)
	}

	// Reserving below the cursor is a no-op.
	p.Reserve(netip.MustParseAddr("10.0.0.3"))
	if a, _ := p.Next(); a.String() != "10.0.0.11" {
		t.Errorf("Next = %s, want 10.0.0.11", a)
	}
}

func TestNewPoolRejectsBadPrefix(t *testing.T) {
	for _, prefix := range []string{"", "10.0.0.0", "not-a-prefix"} {
		if _, err := NewPool(prefix); err == nil {
			t.Errorf("NewPool(%q) succeeded, want error", prefix)
		}
	}
}

func TestPoolIPv6(t *testing.T) {
	p, err := NewPool("fd00:6b61::/120")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if p.Size() != 256 {
		t.Errorf("Size = %d, want 256", p.Size())
	}
	a, _ := p.Next()
	if a != netip.MustParseAddr("fd00:6b61::") {
		t.Errorf("first address = %s, want fd00:6b61::", a)
	}
}
