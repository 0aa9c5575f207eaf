package mesh

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/agent"
	"github.com/ssd-technologies/kairo/internal/ratelimit"
	"github.com/ssd-technologies/kairo/internal/session"
)

// seedPeer is the session context a client uses for the node it dials.
const seedPeer = "seed"

// AckError is a rejection reported by the node.
type AckError struct {
	Kind    string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("node rejected frame (%s): %s", e.Kind, e.Message)
}

// ClientConfig configures Dial.
// URL is the ws:// or wss:// endpoint. Rates, when set, paces Send and
// adapts to rate-limit replies.
type ClientConfig struct {
	URL         string
	AgentID     string
	Key         ed25519.PrivateKey
	Suite       string
	Compression Compression
	Rates       *ratelimit.Table
	Logger      *zap.Logger
}

// Client is an agent's connection to a node. Calls are serialized.
type Client struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	sender     *Sender
	sessionKey []byte
	address    string
	rates      *ratelimit.Table
	lastSend   time.Time
	logger     *zap.Logger
}

// Dial opens a signed WebSocket connection and waits for the node's hello.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	agent.SignRequest(req, cfg.AgentID, cfg.Key, nil)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, req.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:   conn,
		sender: NewSender(cfg.Key, session.NewManager(session.Config{}), cfg.Suite, WithCompression(cfg.Compression)),
		rates:  cfg.Rates,
		logger: logger.With(zap.String("agent_id", cfg.AgentID)),
	}
	if err := c.readHello(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Address returns the P-address the node reported.
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Send seals payload, sends it and waits for the ack. If the node reports
// its session key rotated, the envelope is resealed once under the new key.
// Rejections carry the node's next expected sequence, which the sender
// adopts so frames the node never accepted do not leave a gap.
func (c *Client) Send(ctx context.Context, payload []byte) (AckPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.pace(ctx); err != nil {
		return AckPayload{}, err
	}
	ack, err := c.sendOnce(payload)
	var ae *AckError
	if errors.As(err, &ae) && ae.Kind == "undecryptable" {
		c.logger.Debug("resealing under rotated session key")
		ack, err = c.sendOnce(payload)
	}
	return ack, err
}

func (c *Client) sendOnce(payload []byte) (AckPayload, error) {
	raw, err := c.sender.Seal(seedPeer, c.sessionKey, payload)
	if err != nil {
		return AckPayload{}, err
	}
	start := time.Now()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return AckPayload{}, err
	}
	resp, err := c.read()
	if err != nil {
		return AckPayload{}, err
	}
	rtt := time.Since(start)

	switch resp.Type {
	case "accepted":
		var ack AckPayload
		if err := json.Unmarshal(resp.Payload, &ack); err != nil {
			return AckPayload{}, fmt.Errorf("decode ack: %w", err)
		}
		c.observe(0, rtt)
		return ack, nil
	case "error":
		ae := c.ackError(resp.Payload)
		if ae.Kind == "rate_limited" {
			c.observe(1, rtt)
		}
		return AckPayload{}, ae
	default:
		return AckPayload{}, fmt.Errorf("unexpected reply %q", resp.Type)
	}
}

// Heartbeat refreshes the node's view of this agent.
func (c *Client) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(WSMessage{Type: "heartbeat"}); err != nil {
		return err
	}
	resp, err := c.read()
	if err != nil {
		return err
	}
	if resp.Type != "heartbeat_ack" {
		return c.ackError(resp.Payload)
	}
	return nil
}

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(WSMessage{Type: "disconnect"})
	_, _ = c.read()
	return c.conn.Close()
}

// pace waits until the current send rate allows another frame.
func (c *Client) pace(ctx context.Context) error {
	if c.rates == nil {
		return nil
	}
	rate := c.rates.Get(seedPeer).Rate()
	if rate <= 0 || c.lastSend.IsZero() {
		c.lastSend = time.Now()
		return nil
	}
	wait := time.Until(c.lastSend.Add(time.Duration(float64(time.Second) / rate)))
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	c.lastSend = time.Now()
	return nil
}

func (c *Client) observe(loss float64, rtt time.Duration) {
	if c.rates == nil {
		return
	}
	if loss == 0 {
		c.rates.Get(seedPeer).Apply(ratelimit.Additive(1))
		return
	}
	c.rates.Observe(seedPeer, loss, rtt)
}

type rawResponse struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// read returns the next reply, absorbing any hello that updates the
// session key.
func (c *Client) read() (rawResponse, error) {
	var resp rawResponse
	if err := c.conn.ReadJSON(&resp); err != nil {
		return resp, err
	}
	if resp.Type == "hello" {
		if err := c.applyHello(resp.Payload); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func (c *Client) readHello() error {
	var resp rawResponse
	if err := c.conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if resp.Type != "hello" {
		return c.ackError(resp.Payload)
	}
	return c.applyHello(resp.Payload)
}

func (c *Client) applyHello(p json.RawMessage) error {
	var h HelloPayload
	if err := json.Unmarshal(p, &h); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	key, err := hex.DecodeString(h.SessionKey)
	if err != nil || len(key) != session.KeySize {
		return fmt.Errorf("%w: node sent %q", session.ErrInvalidPeerKey, h.SessionKey)
	}
	c.sessionKey = key
	c.address = h.Address
	return nil
}

func (c *Client) ackError(p json.RawMessage) *AckError {
	var e ErrorPayload
	_ = json.Unmarshal(p, &e)
	if e.NextSequence > 0 {
		c.sender.Resync(seedPeer, e.NextSequence)
	}
	if e.SessionKey != "" {
		if key, err := hex.DecodeString(e.SessionKey); err == nil && len(key) == session.KeySize {
			c.sessionKey = key
		}
	}
	return &AckError{Kind: e.Kind, Message: e.Error}
}
