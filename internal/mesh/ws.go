package mesh

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/address"
	"github.com/ssd-technologies/kairo/internal/agent"
	"github.com/ssd-technologies/kairo/internal/envelope"
	"github.com/ssd-technologies/kairo/internal/metrics"
	"github.com/ssd-technologies/kairo/internal/ratelimit"
	"github.com/ssd-technologies/kairo/internal/session"
)

// WSMessage is the JSON control message format. Envelopes travel as binary
// frames.
type WSMessage struct {
	Type    string          `json:"type"` // "heartbeat", "session", "disconnect"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSResponse is a JSON message sent back to the client.
type WSResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HelloPayload is sent once after the upgrade and in reply to "session".
type HelloPayload struct {
	AgentID    string `json:"agent_id"`
	Address    string `json:"p_address"`
	SessionKey string `json:"session_key"` // hex X25519 public key
}

// AckPayload acknowledges an accepted envelope.
type AckPayload struct {
	ID       string `json:"id"`
	Sequence uint64 `json:"seq"`
}

// ErrorPayload reports a rejected frame or message.
type ErrorPayload struct {
	Kind       string `json:"kind"`
	Error      string `json:"error"`
	SessionKey string `json:"session_key,omitempty"`
	// NextSequence is the sequence the node expects next. It is set when
	// an envelope frame is rejected.
	NextSequence uint64 `json:"next_seq,omitempty"`
}

// Endpoint serves agents over WebSocket. Every field except Agents,
// Receiver and Sessions is optional.
type Endpoint struct {
	Agents   AgentLookup
	Receiver *Receiver
	Sessions *session.Manager
	Tracker  *Tracker
	Limiter  *ratelimit.Limiter
	// Deliver is called for every accepted envelope, in arrival order.
	Deliver func(*Delivery)
	Logger  *zap.Logger
	Metrics *metrics.Recorder
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket returns an HTTP handler that authenticates the agent from
// its signed upgrade request, upgrades the connection and processes
// envelopes and control messages.
func HandleWebSocket(ep Endpoint) http.HandlerFunc {
	logger := ep.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ag, status, err := authenticate(ep.Agents, r)
		if err != nil {
			logger.Info("websocket auth rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			http.Error(w, err.Error(), status)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade error", zap.Error(err))
			return
		}
		defer conn.Close()
		conn.SetReadLimit(envelope.MaxEncodedSize)

		log := logger.With(zap.String("agent_id", ag.ID))
		if ep.Tracker != nil {
			ep.Tracker.Register(ag.ID, ag.Address, r.RemoteAddr)
			defer ep.Tracker.Unregister(ag.ID)
		}
		if err := sendHello(conn, ep.Sessions, ag); err != nil {
			log.Warn("websocket write error", zap.Error(err))
			return
		}
		log.Info("agent connected", zap.String("p_address", ag.Address.String()))

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn("websocket read error", zap.Error(err))
				}
				return
			}

			if ep.Limiter != nil && !ep.Limiter.Allow(ag.ID) {
				ep.Metrics.RequestLimited("ws")
				e := ErrorPayload{Kind: "rate_limited", Error: "rate limit exceeded"}
				if kind == websocket.BinaryMessage {
					e.NextSequence = ep.Receiver.NextSequence(ag.ID)
				}
				if err := writeError(conn, e); err != nil {
					return
				}
				continue
			}

			switch kind {
			case websocket.BinaryMessage:
				if err := handleEnvelope(conn, ep, ag.ID, data, log); err != nil {
					log.Warn("websocket write error", zap.Error(err))
					return
				}

			case websocket.TextMessage:
				var msg WSMessage
				if err := json.Unmarshal(data, &msg); err != nil {
					if err := writeError(conn, ErrorPayload{Kind: "bad_message", Error: "invalid control message"}); err != nil {
						return
					}
					continue
				}
				done, err := handleControl(conn, ep, ag, msg)
				if err != nil {
					log.Warn("websocket write error", zap.Error(err))
					return
				}
				if done {
					log.Info("agent disconnected")
					return
				}
			}
		}
	}
}

func authenticate(agents AgentLookup, r *http.Request) (address.Agent, int, error) {
	id := r.Header.Get(agent.HeaderAgentID)
	if id == "" {
		return address.Agent{}, http.StatusUnauthorized, errors.New("missing " + agent.HeaderAgentID + " header")
	}
	ag, err := agents.Get(id)
	if err != nil {
		if errors.Is(err, address.ErrNotFound) {
			return address.Agent{}, http.StatusUnauthorized, ErrUnknownSender
		}
		return address.Agent{}, http.StatusInternalServerError, err
	}
	if !ag.Active() {
		return address.Agent{}, http.StatusForbidden, ErrSenderInactive
	}
	if err := agent.VerifyRequest(r, ag.PublicKey, nil); err != nil {
		return address.Agent{}, http.StatusUnauthorized, err
	}
	return ag, 0, nil
}

func handleEnvelope(conn *websocket.Conn, ep Endpoint, agentID string, data []byte, log *zap.Logger) error {
	d, err := ep.Receiver.Open(agentID, data)
	if ep.Tracker != nil {
		ep.Tracker.Record(agentID, err == nil)
	}
	if err != nil {
		reason := Reason(err)
		log.Debug("envelope rejected", zap.String("reason", reason), zap.Error(err))
		e := ErrorPayload{Kind: reason, Error: err.Error(), NextSequence: ep.Receiver.NextSequence(agentID)}
		if errors.Is(err, ErrUndecryptable) {
			if pub, kerr := ep.Sessions.PublicKey(agentID); kerr == nil {
				e.SessionKey = hex.EncodeToString(pub[:])
			}
		}
		return writeError(conn, e)
	}

	if ep.Deliver != nil {
		ep.Deliver(d)
	}
	return conn.WriteJSON(WSResponse{
		Type:    "accepted",
		Payload: AckPayload{ID: d.ID, Sequence: d.Sequence},
	})
}

func handleControl(conn *websocket.Conn, ep Endpoint, ag address.Agent, msg WSMessage) (bool, error) {
	switch msg.Type {
	case "heartbeat":
		if ep.Tracker != nil {
			ep.Tracker.Heartbeat(ag.ID)
		}
		return false, conn.WriteJSON(WSResponse{
			Type:    "heartbeat_ack",
			Payload: map[string]string{"status": "ok"},
		})

	case "session":
		return false, sendHello(conn, ep.Sessions, ag)

	case "disconnect":
		_ = conn.WriteJSON(WSResponse{
			Type:    "disconnected",
			Payload: map[string]string{"status": "ok"},
		})
		return true, nil

	default:
		return false, writeError(conn, ErrorPayload{Kind: "bad_message", Error: "unknown message type: " + msg.Type})
	}
}

func sendHello(conn *websocket.Conn, sessions *session.Manager, ag address.Agent) error {
	pub, err := sessions.PublicKey(ag.ID)
	if err != nil {
		return writeError(conn, ErrorPayload{Kind: "internal", Error: "session key unavailable"})
	}
	return conn.WriteJSON(WSResponse{
		Type: "hello",
		Payload: HelloPayload{
			AgentID:    ag.ID,
			Address:    ag.Address.String(),
			SessionKey: hex.EncodeToString(pub[:]),
		},
	})
}

func writeError(conn *websocket.Conn, e ErrorPayload) error {
	return conn.WriteJSON(WSResponse{Type: "error", Payload: e})
}
