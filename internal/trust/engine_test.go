package trust

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	err     error
}

func (m *memStore) LoadRecords() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) PutRecord(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.records == nil {
		m.records = make(map[string]Record)
	}
	m.records[r.AgentID] = r
	return nil
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithClock(func() time.Time { return clock })}, opts...)
	e, err := NewEngine(cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestEnroll(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())

	rec, err := e.Enroll("a1", 0.8, []float64{1, 0})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if rec.Scope != Personal {
		t.Errorf("scope = %s, want personal", rec.Scope)
	}
	if _, err := e.Enroll("a1", 0.8, nil); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Errorf("re-enroll err = %v, want ErrAlreadyEnrolled", err)
	}
	if _, err := e.Evaluate(Observation{AgentID: "ghost"}); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("evaluate unknown err = %v, want ErrNotEnrolled", err)
	}
}

func TestEvaluatePromotesOneStepPerCall(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	e.Enroll("a1", 1, []float64{1, 2, 3})

	obs := Observation{AgentID: "a1", PeerScores: ones(5), GossipAgreement: 1, Behavior: []float64{1, 2, 3}}
	want := []Scope{Family, Group, Community, World, World}
	for i, w := range want {
		ev, err := e.Evaluate(obs)
		if err != nil {
			t.Fatalf("Evaluate %d: %v", i, err)
		}
		if ev.Scope != w {
			t.Errorf("step %d scope = %s, want %s", i, ev.Scope, w)
		}
		if !ev.Assured {
			t.Errorf("step %d not assured with score %v", i, ev.Score)
		}
	}

	rec, _ := e.Get("a1")
	if rec.Scope != World || rec.Score != 1 {
		t.Errorf("record = %+v, want world with score 1", rec)
	}
}

func TestEvaluateDemotes(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	e.Enroll("a1", 1, nil)
	e.Evaluate(Observation{AgentID: "a1", PeerScores: ones(5), GossipAgreement: 1})

	ev, err := e.Evaluate(Observation{AgentID: "a1", PeerScores: []float64{0, 0, 0}, GossipAgreement: 0, SelfTrust: new(float64)})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.PreviousScope != Family || ev.Scope != Personal {
		t.Errorf("transition %s -> %s, want family -> personal", ev.PreviousScope, ev.Scope)
	}
	if ev.Assured {
		t.Error("zero score reported as assured")
	}
}

func TestAnomalyBlocksPromotion(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	e.Enroll("a1", 1, []float64{1, 0, 0})

	ev, err := e.Evaluate(Observation{AgentID: "a1", PeerScores: ones(5), GossipAgreement: 1, Behavior: []float64{-1, 0, 0}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ev.Anomalous {
		t.Fatal("opposite behavior not flagged")
	}
	if ev.Scope != Personal {
		t.Errorf("anomalous agent promoted to %s", ev.Scope)
	}
	if ev.Assured {
		t.Error("anomalous agent reported as assured")
	}
}

func TestUnknownBaselinePolicy(t *testing.T) {
	obs := Observation{AgentID: "a1", PeerScores: ones(5), GossipAgreement: 1, Behavior: []float64{1, 1}}

	trusted := newTestEngine(t, DefaultConfig())
	trusted.Enroll("a1", 1, nil)
	ev, _ := trusted.Evaluate(obs)
	if ev.Anomalous {
		t.Error("AssumeTrusted flagged an agent without baseline")
	}

	cfg := DefaultConfig()
	cfg.Policy = AssumeAnomalous
	strict := newTestEngine(t, cfg)
	strict.Enroll("a1", 1, nil)
	ev, _ = strict.Evaluate(obs)
	if !ev.Anomalous {
		t.Error("AssumeAnomalous did not flag an agent without baseline")
	}

	if _, err := strict.SetBaseline("a1", []float64{1, 1}); err != nil {
		t.Fatalf("SetBaseline: %v", err)
	}
	ev, _ = strict.Evaluate(obs)
	if ev.Anomalous {
		t.Error("matching behavior flagged after baseline set")
	}
}

func TestEngineStore(t *testing.T) {
	store := &memStore{}
	e := newTestEngine(t, DefaultConfig(), WithStore(store))
	e.Enroll("a1", 1, nil)
	e.Evaluate(Observation{AgentID: "a1", PeerScores: ones(1), GossipAgreement: 1})

	reloaded := newTestEngine(t, DefaultConfig(), WithStore(store))
	rec, err := reloaded.Get("a1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if rec.Scope != Family {
		t.Errorf("reloaded scope = %s, want family", rec.Scope)
	}

	store.err = errors.New("disk full")
	if _, err := reloaded.Evaluate(Observation{AgentID: "a1", PeerScores: ones(5), GossipAgreement: 1}); err == nil {
		t.Fatal("expected error when store fails")
	}
	if rec, _ := reloaded.Get("a1"); rec.Scope != Family {
		t.Errorf("failed evaluation changed scope to %s", rec.Scope)
	}
}

func TestNewEngineRejectsBadThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.World = 0.1
	if _, err := NewEngine(cfg); !errors.Is(err, ErrInvalidThresholds) {
		t.Fatalf("err = %v, want ErrInvalidThresholds", err)
	}
}

func TestRecordsSorted(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	for _, id := range []string{"c", "a", "b"} {
		e.Enroll(id, 0.5, nil)
	}
	recs := e.Records()
	if len(recs) != 3 || recs[0].AgentID != "a" || recs[2].AgentID != "c" {
		t.Errorf("Records = %v", recs)
	}
}

func TestConcurrentEvaluate(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	e.Enroll("a1", 1, nil)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				if _, err := e.Evaluate(Observation{AgentID: "a1", PeerScores: ones(5), GossipAgreement: 1}); err != nil {
					t.Errorf("Evaluate: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	rec, _ := e.Get("a1")
	if rec.Scope != World {
		t.Errorf("scope = %s, want world", rec.Scope)
	}
}
