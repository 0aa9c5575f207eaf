package address

import (
	"fmt"
	"net/netip"
)

// DefaultPrefix is the private block P-addresses are drawn from.
const DefaultPrefix = "10.0.0.0/24"

// Pool hands out addresses from a prefix in increasing order. Addresses are
// never returned to the pool: a revoked agent keeps its address.
type Pool struct {
	prefix netip.Prefix
	first  netip.Addr
	last   netip.Addr
	next   netip.Addr
	done   bool
}

// NewPool creates a pool over prefix. The network address is skipped, and so
// is the broadcast address for IPv4 prefixes shorter than /31.
func NewPool(prefix string) (*Pool, error) {
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("parse pool prefix: %w", err)
	}
	p = p.Masked()

	first := p.Addr()
	last := lastAddr(p)
	if p.Addr().Is4() && p.Bits() < 31 {
		first = first.Next()
		last = last.Prev()
	}
	if !first.IsValid() || !last.IsValid() || last.Less(first) {
		return nil, fmt.Errorf("pool prefix %s has no usable addresses", p)
	}

	return &Pool{prefix: p, first: first, last: last, next: first}, nil
}

// lastAddr returns the highest address inside p.
func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Addr().AsSlice()
	hostBits := len(b)*8 - p.Bits()
	for i := len(b) - 1; i >= 0 && hostBits > 0; i-- {
		n := min(hostBits, 8)
		b[i] |= byte(0xff >> (8 - n))
		hostBits -= n
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}

// Prefix returns the pool's prefix.
func (p *Pool) Prefix() netip.Prefix { return p.prefix }

// Contains reports whether a is an allocatable address of this pool.
func (p *Pool) Contains(a netip.Addr) bool {
	return p.prefix.Contains(a) && !a.Less(p.first) && !p.last.Less(a)
}

// Next returns the next unused address, or ErrPoolExhausted.
func (p *Pool) Next() (netip.Addr, error) {
	if p.done {
		return netip.Addr{}, ErrPoolExhausted
	}
	a := p.next
	if a == p.last {
		p.done = true
	} else {
		p.next = a.Next()
	}
	return a, nil
}

// Reserve marks every address up to and including a as used. It is called
// when records are loaded from the persistence collaborator.
func (p *Pool) Reserve(a netip.Addr) {
	if !p.Contains(a) || p.done {
		return
	}
	if a.Less(p.next) {
		return
	}
	if a == p.last {
		p.done = true
		return
	}
	p.next = a.Next()
}

// Size returns the number of allocatable addresses.
func (p *Pool) Size() uint64 {
	return distance(p.first, p.last) + 1
}

// Used returns how many addresses have been handed out.
func (p *Pool) Used() uint64 {
	if p.done {
		return p.Size()
	}
	return distance(p.first, p.next)
}

// distance returns b-a for addresses in the same pool, saturating at the
// low 64 bits for very large IPv6 pools.
func distance(a, b netip.Addr) uint64 {
	as, bs := a.As16(), b.As16()
	var x, y uint64
	for i := 8; i < 16; i++ {
		x = x<<8 | uint64(as[i])
		y = y<<8 | uint64(bs[i])
	}
	return y - x
}

// snapshot and restore let the registry roll back a failed mutation.
func (p *Pool) snapshot() (netip.Addr, bool) { return p.next, p.done }

func (p *Pool) restore(next netip.Addr, done bool) {
	p.next = next
	p.done = done
}
