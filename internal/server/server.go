package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/address"
	"github.com/ssd-technologies/kairo/internal/crypto"
	"github.com/ssd-technologies/kairo/internal/governance"
	"github.com/ssd-technologies/kairo/internal/mesh"
	"github.com/ssd-technologies/kairo/internal/metrics"
	"github.com/ssd-technologies/kairo/internal/ratelimit"
	"github.com/ssd-technologies/kairo/internal/session"
	"github.com/ssd-technologies/kairo/internal/trust"
)

// MemberStore is a writable quorum directory.
type MemberStore interface {
	governance.Directory
	AddMember(m governance.Member) error
	RemoveMember(id string) error
}

// Config holds the collaborators of a seed node's HTTP surface.
type Config struct {
	Registry *address.Registry
	Quorum   *governance.Quorum
	// Members enables the quorum member admin routes when set.
	Members  MemberStore
	Trust    *trust.Engine
	Sessions *session.Manager
	Rates    *ratelimit.Table
	Tracker  *mesh.Tracker
	Receiver *mesh.Receiver
	Deliver  func(*mesh.Delivery)

	AdminSecret string
	// Limiter bounds requests per client IP. Nil disables it.
	Limiter *ratelimit.Limiter
	// WSLimiter bounds envelopes per agent on the mesh socket.
	WSLimiter *ratelimit.Limiter
	// Gatherer is served on /metrics when set.
	Gatherer *prometheus.Registry
	// Health reports storage reachability for /api/health.
	Health func() error

	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

// Server is the seed node HTTP API.
type Server struct {
	registry *address.Registry
	quorum   *governance.Quorum
	members  MemberStore
	trust    *trust.Engine
	sessions *session.Manager
	rates    *ratelimit.Table
	tracker  *mesh.Tracker
	receiver *mesh.Receiver
	deliver  func(*mesh.Delivery)

	secret    []byte
	limiter   *ratelimit.Limiter
	wsLimiter *ratelimit.Limiter
	gatherer  *prometheus.Registry
	health    func() error

	logger  *zap.Logger
	metrics *metrics.Recorder
	mux     *http.ServeMux
	handler http.Handler
}

// New creates a new Server with all routes registered.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errors.New("server: registry is required")
	case cfg.Quorum == nil:
		return nil, errors.New("server: quorum is required")
	case cfg.Trust == nil:
		return nil, errors.New("server: trust engine is required")
	case cfg.Sessions == nil:
		return nil, errors.New("server: session manager is required")
	case cfg.Rates == nil:
		return nil, errors.New("server: rate table is required")
	case cfg.Receiver == nil:
		return nil, errors.New("server: receiver is required")
	case cfg.AdminSecret == "":
		return nil, errors.New("server: admin secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = mesh.NewTracker()
	}

	s := &Server{
		registry:  cfg.Registry,
		quorum:    cfg.Quorum,
		members:   cfg.Members,
		trust:     cfg.Trust,
		sessions:  cfg.Sessions,
		rates:     cfg.Rates,
		tracker:   tracker,
		receiver:  cfg.Receiver,
		deliver:   cfg.Deliver,
		secret:    crypto.HashSecret(cfg.AdminSecret),
		limiter:   cfg.Limiter,
		wsLimiter: cfg.WSLimiter,
		gatherer:  cfg.Gatherer,
		health:    cfg.Health,
		logger:    logger,
		metrics:   cfg.Metrics,
		mux:       http.NewServeMux(),
	}
	s.routes()
	s.handler = s.logRequests(s.limit(s.mux))
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Tracker returns the connected-peer table.
func (s *Server) Tracker() *mesh.Tracker { return s.tracker }

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	// Registry
	s.mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("POST /api/agents/{id}/revoke", s.handleRevokeAgent)
	s.mux.HandleFunc("POST /api/agents/{id}/reissue", s.handleReissueAgent)
	s.mux.HandleFunc("GET /api/registry/stats", s.handleRegistryStats)

	// Governance
	s.mux.HandleFunc("POST /api/governance/verify", s.handleVerifyOverride)
	s.mux.HandleFunc("POST /api/governance/emergency-reissue", s.handleEmergencyReissue)
	if s.members != nil {
		s.mux.HandleFunc("GET /api/governance/members", s.handleListMembers)
		s.mux.HandleFunc("POST /api/governance/members", s.handleAddMember)
		s.mux.HandleFunc("DELETE /api/governance/members/{id}", s.handleRemoveMember)
	}

	// Trust
	s.mux.HandleFunc("GET /api/trust", s.handleListTrust)
	s.mux.HandleFunc("GET /api/trust/{id}", s.handleGetTrust)
	s.mux.HandleFunc("POST /api/trust/{id}/enroll", s.handleEnrollTrust)
	s.mux.HandleFunc("PUT /api/trust/{id}/baseline", s.handleSetBaseline)
	s.mux.HandleFunc("POST /api/trust/{id}/evaluate", s.handleEvaluateTrust)

	// Telemetry and sessions
	s.mux.HandleFunc("GET /api/telemetry/rates", s.handleListRates)
	s.mux.HandleFunc("POST /api/telemetry/rate/{conn}", s.handleRateSample)
	s.mux.HandleFunc("GET /api/session/{peer}", s.handleSessionKey)

	// Mesh
	s.mux.HandleFunc("POST /api/mesh/envelopes", s.handlePostEnvelope)
	s.mux.HandleFunc("GET /api/mesh/peers", s.handleListPeers)
	s.mux.Handle("GET /api/mesh/ws", mesh.HandleWebSocket(mesh.Endpoint{
		Agents:   s.registry,
		Receiver: s.receiver,
		Sessions: s.sessions,
		Tracker:  s.tracker,
		Limiter:  s.wsLimiter,
		Deliver:  s.deliver,
		Logger:   s.logger.Named("ws"),
		Metrics:  s.metrics,
	}))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "degraded",
				"service": "kairo",
				"error":   err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "kairo",
	})
}

// logRequests tags each request with an ID and logs its outcome.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps a domain error onto a status code.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, zap.Error(err))
	}
	writeError(w, status, fmt.Sprintf("%s: %v", op, err))
}
