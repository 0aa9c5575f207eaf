package server

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/address"
	"github.com/ssd-technologies/kairo/internal/agent"
	"github.com/ssd-technologies/kairo/internal/crypto"
)

// HeaderAdminSecret carries the operator secret on admin requests.
const HeaderAdminSecret = "X-Admin-Secret"

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// agentView is the JSON form of a registry record.
type agentView struct {
	ID           string         `json:"id"`
	PublicKey    string         `json:"public_key"`
	Address      string         `json:"p_address"`
	Status       address.Status `json:"status"`
	RegisteredAt time.Time      `json:"registered_at"`
	RevokedAt    *time.Time     `json:"revoked_at,omitempty"`
	ReissuedFrom string         `json:"reissued_from,omitempty"`
	ReissuedTo   string         `json:"reissued_to,omitempty"`
}

func viewAgent(a address.Agent) agentView {
	v := agentView{
		ID:           a.ID,
		PublicKey:    hex.EncodeToString(a.PublicKey),
		Address:      a.Address.String(),
		Status:       a.Status,
		RegisteredAt: a.RegisteredAt,
		ReissuedFrom: a.ReissuedFrom,
		ReissuedTo:   a.ReissuedTo,
	}
	if !a.RevokedAt.IsZero() {
		t := a.RevokedAt
		v.RevokedAt = &t
	}
	return v
}

// ---------------------------------------------------------------------------
// Auth helpers
// ---------------------------------------------------------------------------

// isAdmin reports whether the request carries the admin secret.
func (s *Server) isAdmin(r *http.Request) bool {
	secret := r.Header.Get(HeaderAdminSecret)
	return secret != "" && crypto.VerifySecret(secret, s.secret)
}

// adminAuth checks the X-Admin-Secret header against the server secret.
// Returns false (writing a 401) if the header is missing or incorrect.
func (s *Server) adminAuth(w http.ResponseWriter, r *http.Request) bool {
	if !s.isAdmin(r) {
		writeError(w, http.StatusUnauthorized, "invalid admin secret")
		return false
	}
	return true
}

// agentAuth verifies the Ed25519 signature on an incoming request against
// the registered key of the agent named in the request headers.
// On failure it writes the appropriate HTTP error and returns false.
func (s *Server) agentAuth(w http.ResponseWriter, r *http.Request, body []byte) (address.Agent, bool) {
	agentID := r.Header.Get(agent.HeaderAgentID)
	if agentID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+agent.HeaderAgentID+" header")
		return address.Agent{}, false
	}
	ag, err := s.registry.Get(agentID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown agent")
		return address.Agent{}, false
	}
	if err := agent.VerifyRequest(r, ag.PublicKey, body); err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed: "+err.Error())
		return address.Agent{}, false
	}
	return ag, true
}

// readBody reads the full request body. The body bytes are needed for
// signature verification before JSON decoding.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}

// decodeBody reads and decodes a JSON body, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) ([]byte, bool) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return nil, false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return nil, false
	}
	return body, true
}

// ---------------------------------------------------------------------------
// Registry handlers
// ---------------------------------------------------------------------------

// handleRegisterAgent allocates a P-address. The request must be signed by
// the key being registered.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"public_key"`
	}
	body, ok := decodeBody(w, r, &req)
	if !ok {
		return
	}
	pub, err := agent.ParsePublicKey(req.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.Header.Get(agent.HeaderAgentID) != agent.AgentIDFromPublicKey(pub) {
		writeError(w, http.StatusUnauthorized, "request must be signed by the registering key")
		return
	}
	if err := agent.VerifyRequest(r, pub, body); err != nil {
		writeError(w, http.StatusUnauthorized, "signature verification failed: "+err.Error())
		return
	}

	ag, created, err := s.registry.Register(pub)
	if err != nil {
		s.writeFailure(w, "register", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, viewAgent(ag))
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var filter address.Status
	if q := r.URL.Query().Get("status"); q != "" {
		st, err := address.ParseStatus(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = st
	}
	agents := s.registry.List()
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		if filter != 0 && a.Status != filter {
			continue
		}
		out = append(out, viewAgent(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ag, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, "get agent", err)
		return
	}
	writeJSON(w, http.StatusOK, viewAgent(ag))
}

// handleRevokeAgent revokes an agent. Either the admin secret or a request
// signed by the agent itself is accepted.
func (s *Server) handleRevokeAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	by := "admin"
	if !s.isAdmin(r) {
		ag, ok := s.agentAuth(w, r, body)
		if !ok {
			return
		}
		if ag.ID != id {
			writeError(w, http.StatusForbidden, "agents may only revoke themselves")
			return
		}
		by = "self"
	}

	ag, err := s.registry.Revoke(id)
	if err != nil {
		s.writeFailure(w, "revoke", err)
		return
	}
	s.sessions.Forget(id)
	s.rates.Remove(id)
	s.logger.Info("revocation requested", zap.String("agent_id", id), zap.String("by", by))
	writeJSON(w, http.StatusOK, viewAgent(ag))
}

func (s *Server) handleReissueAgent(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	var req struct {
		NewPublicKey string `json:"new_public_key"`
	}
	if _, ok := decodeBody(w, r, &req); !ok {
		return
	}
	pub, err := agent.ParsePublicKey(req.NewPublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ag, err := s.registry.Reissue(r.PathValue("id"), pub)
	if err != nil {
		s.writeFailure(w, "reissue", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewAgent(ag))
}

func (s *Server) handleRegistryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registry": s.registry.Stats(),
		"mesh":     s.tracker.Stats(),
		"sessions": s.sessions.Len(),
	})
}
