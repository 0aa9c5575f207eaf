package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ssd-technologies/kairo/internal/crypto"
	"github.com/ssd-technologies/kairo/internal/mesh"
	"github.com/ssd-technologies/kairo/internal/session"
)

// nodeSessionKey fetches the node's session key for a through the API.
func (f *testServer) nodeSessionKey(t *testing.T, a testAgent) []byte {
	t.Helper()
	status, out := do(t, signedRequest(t, http.MethodGet, f.ts.URL+"/api/session/"+a.ID, nil, a.ID, a.Priv))
	if status != http.StatusOK {
		t.Fatalf("session key: status %d, body %v", status, out)
	}
	key, err := hex.DecodeString(out["public_key"].(string))
	if err != nil {
		t.Fatalf("decode session key: %v", err)
	}
	return key
}

func TestSessionKey(t *testing.T) {
	f := setupTestServer(t, nil)
	a := f.registerAgent(t)
	b := f.registerAgent(t)

	first := f.nodeSessionKey(t, a)
	if len(first) != session.KeySize {
		t.Fatalf("key length = %d", len(first))
	}
	if again := f.nodeSessionKey(t, a); hex.EncodeToString(again) != hex.EncodeToString(first) {
		t.Error("session key changed within its lifetime")
	}

	if status, _ := do(t, signedRequest(t, http.MethodGet, f.ts.URL+"/api/session/"+a.ID, nil, b.ID, b.Priv)); status != http.StatusForbidden {
		t.Errorf("foreign session request status = %d, want 403", status)
	}
	status, out := do(t, adminRequest(t, http.MethodGet, f.ts.URL+"/api/session/"+a.ID, nil))
	if status != http.StatusOK || out["public_key"] != hex.EncodeToString(first) || out["expires_at"] == nil {
		t.Errorf("admin session request = %d %v", status, out)
	}
}

func TestRateSample(t *testing.T) {
	f := setupTestServer(t, nil)
	a := f.registerAgent(t)
	url := f.ts.URL + "/api/telemetry/rate/" + a.ID

	sample := func(body map[string]any) (int, map[string]any) {
		b, _ := json.Marshal(body)
		return do(t, signedRequest(t, http.MethodPost, url, b, a.ID, a.Priv))
	}

	status, out := sample(map[string]any{"loss": 0.5, "rtt_ms": 40})
	if status != http.StatusOK {
		t.Fatalf("sample = %d %v", status, out)
	}
	rate := out["rate"].(float64)
	if rate >= 1000 || rate < 1 {
		t.Errorf("rate after loss = %v, want below initial", rate)
	}

	// A clean sample never raises the rate by itself.
	_, out = sample(map[string]any{"loss": 0, "rtt_ms": 10})
	if got := out["rate"].(float64); got > rate {
		t.Errorf("clean sample raised rate %v -> %v", rate, got)
	}

	_, out = sample(map[string]any{"loss": 0, "rtt_ms": 10, "increase": 50})
	if got := out["rate"].(float64); got <= rate {
		t.Errorf("additive increase: %v -> %v", rate, got)
	}
	if out["min"].(float64) != 1 || out["max"].(float64) != 10000 {
		t.Errorf("bounds = %v/%v", out["min"], out["max"])
	}

	status, out = do(t, mustRequest(t, http.MethodGet, f.ts.URL+"/api/telemetry/rates"))
	if status != http.StatusOK {
		t.Fatalf("rates status = %d", status)
	}
	if _, ok := out["rates"].(map[string]any)[a.ID]; !ok {
		t.Errorf("rates = %v", out)
	}

	if status, _ := postJSON(t, url, map[string]any{"loss": 1}); status != http.StatusUnauthorized {
		t.Errorf("anonymous sample status = %d, want 401", status)
	}
}

func TestPostEnvelope(t *testing.T) {
	f := setupTestServer(t, nil)
	a := f.registerAgent(t)
	nodeKey := f.nodeSessionKey(t, a)
	sender := mesh.NewSender(a.Priv, session.NewManager(session.Config{}), crypto.CipherChaCha)

	post := func(raw []byte) (int, map[string]any) {
		req := signedRequest(t, http.MethodPost, f.ts.URL+"/api/mesh/envelopes", raw, a.ID, a.Priv)
		req.Header.Set("Content-Type", "application/cbor")
		return do(t, req)
	}

	raw, err := sender.Seal("seed", nodeKey, []byte("over http"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	status, out := post(raw)
	if status != http.StatusAccepted || out["seq"].(float64) != 1 {
		t.Fatalf("post = %d %v", status, out)
	}
	got := f.deliveries()
	if len(got) != 1 || string(got[0].Payload) != "over http" || got[0].From != a.ID {
		t.Fatalf("deliveries = %+v", got)
	}

	status, out = post(raw)
	if status != http.StatusBadRequest || out["reason"] != "sequence_mismatch" || out["next_seq"].(float64) != 2 {
		t.Errorf("replay = %d %v", status, out)
	}

	status, out = post([]byte{0xff, 0x00})
	if status != http.StatusBadRequest || out["reason"] != "malformed" {
		t.Errorf("garbage = %d %v", status, out)
	}
}

func TestMeshWebSocketRoute(t *testing.T) {
	f := setupTestServer(t, nil)
	a := f.registerAgent(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/mesh/ws"
	c, err := mesh.Dial(ctx, mesh.ClientConfig{URL: url, AgentID: a.ID, Key: a.Priv, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.Address() != a.Address {
		t.Errorf("address = %s, want %s", c.Address(), a.Address)
	}
	ack, err := c.Send(ctx, []byte("over ws"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ack.Sequence != 1 {
		t.Errorf("ack = %+v", ack)
	}

	status, out := do(t, mustRequest(t, http.MethodGet, f.ts.URL+"/api/mesh/peers"))
	if status != http.StatusOK {
		t.Fatalf("peers status = %d", status)
	}
	peers := out["peers"].([]any)
	if len(peers) != 1 || peers[0].(map[string]any)["agent_id"] != a.ID {
		t.Errorf("peers = %v", peers)
	}
	if out["stats"].(map[string]any)["accepted"].(float64) != 1 {
		t.Errorf("stats = %v", out["stats"])
	}
}
