package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/governance"
)

// handleVerifyOverride reports whether an override package would be
// accepted without applying it.
func (s *Server) handleVerifyOverride(w http.ResponseWriter, r *http.Request) {
	var pkg governance.OverridePackage
	if _, ok := decodeBody(w, r, &pkg); !ok {
		return
	}
	tally, err := s.quorum.Tally(&pkg)
	if err != nil {
		s.writeFailure(w, "tally", err)
		return
	}
	ok, err := s.quorum.Verify(&pkg)
	if err != nil {
		s.writeFailure(w, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":  ok,
		"valid":     tally.Valid,
		"roles":     tally.Roles,
		"threshold": s.quorum.Threshold,
	})
}

// handleEmergencyReissue applies a quorum-approved reissue. The quorum
// signatures are the authorization; no admin secret is needed.
func (s *Server) handleEmergencyReissue(w http.ResponseWriter, r *http.Request) {
	var pkg governance.OverridePackage
	if _, ok := decodeBody(w, r, &pkg); !ok {
		return
	}
	ag, err := governance.EmergencyReissue(s.registry, s.quorum, &pkg)
	if err != nil {
		s.logger.Warn("emergency reissue refused",
			zap.String("old_agent_id", pkg.Payload.OldAgentID), zap.Error(err))
		s.writeFailure(w, "emergency reissue", err)
		return
	}
	s.sessions.Forget(pkg.Payload.OldAgentID)
	s.rates.Remove(pkg.Payload.OldAgentID)
	writeJSON(w, http.StatusCreated, viewAgent(ag))
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.members.Members()
	if err != nil {
		s.writeFailure(w, "list members", err)
		return
	}
	if members == nil {
		members = []governance.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	var m governance.Member
	if _, ok := decodeBody(w, r, &m); !ok {
		return
	}
	if err := s.members.AddMember(m); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("quorum member added", zap.String("signatory_id", m.ID), zap.Stringer("role", m.Role))
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	id := r.PathValue("id")
	if err := s.members.RemoveMember(id); err != nil {
		s.writeFailure(w, "remove member", err)
		return
	}
	s.logger.Info("quorum member removed", zap.String("signatory_id", id))
	w.WriteHeader(http.StatusNoContent)
}
