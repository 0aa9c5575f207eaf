// Package trust scores agents from self-assessment, peer reviews and gossip,
// flags behavioral anomalies, and moves agents between mesh scopes.
package trust

import (
	"fmt"
	"math"
)

// Scope is an agent's mesh reach. Scopes are ordered from Personal to World.
type Scope uint8

const (
	Personal Scope = iota
	Family
	Group
	Community
	World
)

var scopeNames = [...]string{"personal", "family", "group", "community", "world"}

// Scopes lists every scope in order.
var Scopes = []Scope{Personal, Family, Group, Community, World}

func (s Scope) String() string {
	if s.Valid() {
		return scopeNames[s]
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

// Valid reports whether s is a defined scope.
func (s Scope) Valid() bool { return s <= World }

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid scope %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(b []byte) error {
	v, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseScope parses a lowercase scope name.
func ParseScope(name string) (Scope, error) {
	for i, n := range scopeNames {
		if n == name {
			return Scope(i), nil
		}
	}
	return 0, fmt.Errorf("unknown scope %q", name)
}

// MinPeerReviews is the number of peer reviews below which a score in scope
// is halved.
func MinPeerReviews(s Scope) int {
	switch s {
	case Personal:
		return 1
	case Family:
		return 3
	default:
		return 5
	}
}

// NextScope applies one hysteretic transition. Promotion requires
// score >= threshold(next) + up margin, capped at 1 so a perfect score can
// always promote; demotion requires score < threshold(current) - down
// margin. At most one step is taken.
func NextScope(current Scope, score float64, t Thresholds) Scope {
	up, down := t.Hysteresis.UpMargin, t.Hysteresis.DownMargin
	if current < World && score >= math.Min(t.For(current+1)+up, 1) {
		return current + 1
	}
	if current > Personal && score < t.For(current)-down {
		return current - 1
	}
	return current
}
