package governance

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/ssd-technologies/kairo/internal/address"
	"github.com/ssd-technologies/kairo/internal/agent"
)

var ErrQuorumNotMet = errors.New("override quorum not met")

// Registry is the part of the address registry emergency reissue needs.
type Registry interface {
	RevokeAndReissue(oldID string, newPub ed25519.PublicKey) (address.Agent, error)
}

// EmergencyReissue applies a verified override: the old agent is revoked if
// it is still active and its address is reissued to the new key, in one
// registry commit. Nothing changes unless q accepts pkg and the reissue
// succeeds.
func EmergencyReissue(reg Registry, q *Quorum, pkg *OverridePackage) (address.Agent, error) {
	if pkg == nil {
		return address.Agent{}, fmt.Errorf("%w: nil package", ErrInvalidRequest)
	}
	if pkg.Payload.OldAgentID == "" {
		return address.Agent{}, fmt.Errorf("%w: missing old agent id", ErrInvalidRequest)
	}
	newPub, err := agent.ParsePublicKey(pkg.Payload.NewPublicKey)
	if err != nil {
		return address.Agent{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	ok, err := q.Verify(pkg)
	if err != nil {
		return address.Agent{}, err
	}
	if !ok {
		return address.Agent{}, ErrQuorumNotMet
	}

	return reg.RevokeAndReissue(pkg.Payload.OldAgentID, newPub)
}
