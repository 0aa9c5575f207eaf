package server

import (
	"net/http"

	"github.com/ssd-technologies/kairo/internal/trust"
)

func (s *Server) handleEnrollTrust(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.registry.Get(id); err != nil {
		s.writeFailure(w, "enroll", err)
		return
	}
	var req struct {
		SelfTrust float64   `json:"self_trust"`
		Baseline  []float64 `json:"baseline_behavior_vector"`
	}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	rec, err := s.trust.Enroll(id, req.SelfTrust, req.Baseline)
	if err != nil {
		s.writeFailure(w, "enroll", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleSetBaseline(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	var req struct {
		Baseline []float64 `json:"baseline_behavior_vector"`
	}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	rec, err := s.trust.SetBaseline(r.PathValue("id"), req.Baseline)
	if err != nil {
		s.writeFailure(w, "set baseline", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleEvaluateTrust runs one evaluation round for the agent in the path.
func (s *Server) handleEvaluateTrust(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	var obs trust.Observation
	if _, ok := decodeBody(w, r, &obs); !ok {
		return
	}
	obs.AgentID = r.PathValue("id")
	ev, err := s.trust.Evaluate(obs)
	if err != nil {
		s.writeFailure(w, "evaluate", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	rec, err := s.trust.Get(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, "get trust", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListTrust(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"records": s.trust.Records()})
}
