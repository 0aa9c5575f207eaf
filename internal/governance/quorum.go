package governance

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/metrics"
)

// Member is a quorum signatory known to the directory.
type Member struct {
	ID        string `json:"signatory_id"`
	PublicKey string `json:"public_key"` // hex
	Role      Role   `json:"role"`
}

// Directory lists quorum members.
type Directory interface {
	Members() ([]Member, error)
}

// StaticDirectory is a fixed member list.
type StaticDirectory []Member

// Members returns a copy of the list.
func (d StaticDirectory) Members() ([]Member, error) {
	return append([]Member(nil), d...), nil
}

// Keys flattens members into the signatory ID to public key map used by
// VerifyOverride.
func Keys(members []Member) map[string]string {
	out := make(map[string]string, len(members))
	for _, m := range members {
		out[m.ID] = m.PublicKey
	}
	return out
}

// Tally is the set of signatories whose signatures verified.
type Tally struct {
	Valid []string     `json:"valid"`
	Roles map[Role]int `json:"roles"`
}

// Quorum decides whether an override package carries enough approvals.
type Quorum struct {
	Directory Directory
	Threshold int
	// RequiredRoles must each be covered by at least one valid signature.
	RequiredRoles []Role
	// MaxAge, when positive, bounds how far the payload timestamp may be
	// from now.
	MaxAge time.Duration

	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Tally counts valid, distinct signatures in pkg. A signature counts only
// if its signatory is a directory member, the declared role matches the
// member's role, and it verifies over the canonical payload.
func (q *Quorum) Tally(pkg *OverridePackage) (Tally, error) {
	t := Tally{Roles: make(map[Role]int)}
	if pkg == nil {
		return t, nil
	}
	members, err := q.Directory.Members()
	if err != nil {
		return t, fmt.Errorf("load quorum members: %w", err)
	}
	byID := make(map[string]Member, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	msg, err := CanonicalPayload(pkg.Payload)
	if err != nil {
		return t, nil
	}
	seen := make(map[string]bool)
	for _, s := range pkg.Signatures {
		if seen[s.SignatoryID] {
			continue
		}
		m, ok := byID[s.SignatoryID]
		if !ok || m.Role != s.Role {
			continue
		}
		if !verifyHex(m.PublicKey, s.Signature, msg) {
			continue
		}
		seen[s.SignatoryID] = true
		t.Valid = append(t.Valid, s.SignatoryID)
		t.Roles[m.Role]++
	}
	sort.Strings(t.Valid)
	return t, nil
}

// Verify reports whether pkg meets the threshold, covers every required
// role and, if MaxAge is set, is fresh. The error is non-nil only when the
// directory cannot be read.
func (q *Quorum) Verify(pkg *OverridePackage) (bool, error) {
	logger := q.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t, err := q.Tally(pkg)
	if err != nil {
		return false, err
	}

	ok := q.Threshold >= 1 && len(t.Valid) >= q.Threshold
	for _, r := range q.RequiredRoles {
		if t.Roles[r] == 0 {
			ok = false
		}
	}
	if ok && q.MaxAge > 0 {
		now := time.Now
		if q.Now != nil {
			now = q.Now
		}
		age := now().Sub(time.Unix(pkg.Payload.Timestamp, 0))
		if age > q.MaxAge || age < -q.MaxAge {
			logger.Warn("override package outside freshness window",
				zap.String("old_agent_id", pkg.Payload.OldAgentID), zap.Duration("age", age))
			ok = false
		}
	}

	q.Metrics.OverrideVerified(ok)
	logger.Info("override verification",
		zap.Bool("accepted", ok),
		zap.Int("valid_signatures", len(t.Valid)),
		zap.Int("threshold", q.Threshold))
	return ok, nil
}
