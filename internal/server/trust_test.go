package server

import (
	"net/http"
	"testing"
)

func TestTrustLifecycle(t *testing.T) {
	f := setupTestServer(t, nil)
	a := f.registerAgent(t)
	base := f.ts.URL + "/api/trust/"

	if status, _ := do(t, adminRequest(t, http.MethodPost, base+"0000000000000000/enroll", map[string]any{"self_trust": 0.5})); status != http.StatusNotFound {
		t.Errorf("enroll unregistered status = %d, want 404", status)
	}
	if status, _ := postJSON(t, base+a.ID+"/enroll", map[string]any{"self_trust": 0.5}); status != http.StatusUnauthorized {
		t.Errorf("enroll without secret status = %d, want 401", status)
	}
	if status, _ := do(t, adminRequest(t, http.MethodPost, base+a.ID+"/evaluate", map[string]any{})); status != http.StatusNotFound {
		t.Errorf("evaluate before enroll status = %d, want 404", status)
	}

	status, rec := do(t, adminRequest(t, http.MethodPost, base+a.ID+"/enroll", map[string]any{
		"self_trust":               1.0,
		"baseline_behavior_vector": []float64{1, 0, 1},
	}))
	if status != http.StatusCreated || rec["current_scope"] != "personal" {
		t.Fatalf("enroll = %d %v", status, rec)
	}
	if status, _ := do(t, adminRequest(t, http.MethodPost, base+a.ID+"/enroll", map[string]any{"self_trust": 1.0})); status != http.StatusConflict {
		t.Errorf("double enroll status = %d, want 409", status)
	}

	status, ev := do(t, adminRequest(t, http.MethodPost, base+a.ID+"/evaluate", map[string]any{
		"peer_scores":      []float64{1},
		"gossip_agreement": 1.0,
		"behavior_vector":  []float64{1, 0, 1},
	}))
	if status != http.StatusOK {
		t.Fatalf("evaluate = %d %v", status, ev)
	}
	if ev["agent_id"] != a.ID || ev["previous_scope"] != "personal" || ev["scope"] != "family" || ev["anomalous"] != false {
		t.Errorf("evaluation = %v", ev)
	}

	// An orthogonal behavior sample is anomalous and blocks promotion.
	status, ev = do(t, adminRequest(t, http.MethodPost, base+a.ID+"/evaluate", map[string]any{
		"peer_scores":      []float64{1, 1, 1},
		"gossip_agreement": 1.0,
		"behavior_vector":  []float64{0, 1, 0},
	}))
	if status != http.StatusOK || ev["anomalous"] != true || ev["scope"] != "family" {
		t.Errorf("anomalous evaluation = %d %v", status, ev)
	}

	status, rec = do(t, mustRequest(t, http.MethodGet, base+a.ID))
	if status != http.StatusOK || rec["current_scope"] != "family" || rec["anomalous"] != true {
		t.Errorf("record = %d %v", status, rec)
	}

	status, rec = do(t, adminRequest(t, http.MethodPut, base+a.ID+"/baseline", map[string]any{
		"baseline_behavior_vector": []float64{0, 1, 0},
	}))
	if status != http.StatusOK || len(rec["baseline_behavior_vector"].([]any)) != 3 {
		t.Errorf("set baseline = %d %v", status, rec)
	}

	status, list := do(t, mustRequest(t, http.MethodGet, f.ts.URL+"/api/trust"))
	if status != http.StatusOK || len(list["records"].([]any)) != 1 {
		t.Errorf("records = %d %v", status, list)
	}
}

func TestTrustRecordsPersist(t *testing.T) {
	f := setupTestServer(t, nil)
	a := f.registerAgent(t)
	if status, _ := do(t, adminRequest(t, http.MethodPost, f.ts.URL+"/api/trust/"+a.ID+"/enroll", map[string]any{"self_trust": 0.7})); status != http.StatusCreated {
		t.Fatalf("enroll status = %d", status)
	}
	records, err := f.db.Trust().LoadRecords()
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(records) != 1 || records[0].AgentID != a.ID || records[0].SelfTrust != 0.7 {
		t.Errorf("stored records = %+v", records)
	}
}
