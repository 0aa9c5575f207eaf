package server

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/envelope"
	"github.com/ssd-technologies/kairo/internal/mesh"
	"github.com/ssd-technologies/kairo/internal/ratelimit"
)

// selfOrAdmin authorizes a request about subject: the admin secret, or a
// signature by the agent whose ID is subject.
func (s *Server) selfOrAdmin(w http.ResponseWriter, r *http.Request, subject string, body []byte) bool {
	if s.isAdmin(r) {
		return true
	}
	ag, ok := s.agentAuth(w, r, body)
	if !ok {
		return false
	}
	if ag.ID != subject {
		writeError(w, http.StatusForbidden, "request is not about the signing agent")
		return false
	}
	return true
}

// handleRateSample feeds one loss/RTT observation into the connection's
// rate controller. A positive increase is applied after the observation.
func (s *Server) handleRateSample(w http.ResponseWriter, r *http.Request) {
	conn := r.PathValue("conn")
	var req struct {
		Loss     float64 `json:"loss"`
		RTTMs    float64 `json:"rtt_ms"`
		Increase float64 `json:"increase,omitempty"`
	}
	body, ok := decodeBody(w, r, &req)
	if !ok {
		return
	}
	if !s.selfOrAdmin(w, r, conn, body) {
		return
	}

	rtt := time.Duration(req.RTTMs * float64(time.Millisecond))
	rate := s.rates.Observe(conn, req.Loss, rtt)
	if req.Increase > 0 {
		rate = s.rates.Get(conn).Apply(ratelimit.Additive(req.Increase))
		s.metrics.SetSendRate(conn, rate)
	}
	lo, hi := s.rates.Get(conn).Bounds()
	writeJSON(w, http.StatusOK, map[string]any{
		"conn": conn,
		"rate": rate,
		"min":  lo,
		"max":  hi,
	})
}

func (s *Server) handleListRates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rates": s.rates.Rates()})
}

// handleSessionKey returns this node's live session public key for a peer
// context, generating or rotating it as needed.
func (s *Server) handleSessionKey(w http.ResponseWriter, r *http.Request) {
	peer := r.PathValue("peer")
	if !s.selfOrAdmin(w, r, peer, nil) {
		return
	}
	pub, err := s.sessions.PublicKey(peer)
	if err != nil {
		s.writeFailure(w, "session key", err)
		return
	}
	resp := map[string]any{
		"peer":       peer,
		"public_key": hex.EncodeToString(pub[:]),
	}
	if k, ok := s.sessions.Peek(peer); ok && k.Public == pub {
		resp["created_at"] = k.CreatedAt
		resp["expires_at"] = k.CreatedAt.Add(s.sessions.TTL())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePostEnvelope accepts one encoded envelope over plain HTTP. The
// request is signed by the sending agent over the raw envelope bytes.
func (s *Server) handlePostEnvelope(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, envelope.MaxEncodedSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	ag, ok := s.agentAuth(w, r, body)
	if !ok {
		return
	}

	d, err := s.receiver.Open(ag.ID, body)
	s.tracker.Record(ag.ID, err == nil)
	if err != nil {
		resp := map[string]any{
			"error":    err.Error(),
			"reason":   mesh.Reason(err),
			"next_seq": s.receiver.NextSequence(ag.ID),
		}
		if errors.Is(err, mesh.ErrUndecryptable) {
			if pub, kerr := s.sessions.PublicKey(ag.ID); kerr == nil {
				resp["session_key"] = hex.EncodeToString(pub[:])
			}
		}
		s.logger.Debug("envelope rejected",
			zap.String("agent_id", ag.ID), zap.String("reason", mesh.Reason(err)))
		writeJSON(w, statusFor(err), resp)
		return
	}

	if s.deliver != nil {
		s.deliver(d)
	}
	writeJSON(w, http.StatusAccepted, mesh.AckPayload{ID: d.ID, Sequence: d.Sequence})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"peers": s.tracker.Online(),
		"stats": s.tracker.Stats(),
	})
}
