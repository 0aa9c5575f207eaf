package trust

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/metrics"
)

var (
	ErrNotEnrolled     = errors.New("agent not enrolled")
	ErrAlreadyEnrolled = errors.New("agent already enrolled")
	ErrInvalidInput    = errors.New("invalid trust input")
)

// DefaultCosineThreshold is the similarity below which behavior is anomalous.
const DefaultCosineThreshold = 0.95

// UnknownBaselinePolicy decides the anomaly outcome when an agent has no
// baseline or no behavior sample was observed.
type UnknownBaselinePolicy uint8

const (
	AssumeTrusted UnknownBaselinePolicy = iota
	AssumeAnomalous
)

func (p UnknownBaselinePolicy) String() string {
	if p == AssumeAnomalous {
		return "assume-anomalous"
	}
	return "assume-trusted"
}

// ParsePolicy parses "assume-trusted" or "assume-anomalous".
func ParsePolicy(s string) (UnknownBaselinePolicy, error) {
	switch s {
	case "", "assume-trusted":
		return AssumeTrusted, nil
	case "assume-anomalous":
		return AssumeAnomalous, nil
	}
	return 0, fmt.Errorf("unknown baseline policy %q", s)
}

// Record is the trust state of one agent. Records are replaced whole.
type Record struct {
	AgentID   string    `json:"agent_id"`
	SelfTrust float64   `json:"self_trust"`
	Baseline  []float64 `json:"baseline_behavior_vector,omitempty"`
	Scope     Scope     `json:"current_scope"`
	Score     float64   `json:"score"`
	Anomalous bool      `json:"anomalous"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Record) clone() Record {
	if r.Baseline != nil {
		r.Baseline = append([]float64(nil), r.Baseline...)
	}
	return r
}

// Observation is one round of telemetry about an agent.
type Observation struct {
	AgentID string `json:"agent_id"`
	// SelfTrust replaces the recorded self trust when set.
	SelfTrust       *float64  `json:"self_trust,omitempty"`
	PeerScores      []float64 `json:"peer_scores"`
	GossipAgreement float64   `json:"gossip_agreement"`
	Behavior        []float64 `json:"behavior_vector,omitempty"`
}

// Evaluation is the outcome of one Evaluate call.
type Evaluation struct {
	AgentID       string  `json:"agent_id"`
	PreviousScope Scope   `json:"previous_scope"`
	Scope         Scope   `json:"scope"`
	Score         float64 `json:"score"`
	Anomalous     bool    `json:"anomalous"`
	Assured       bool    `json:"assured"`
}

// RecordStore persists trust records.
type RecordStore interface {
	LoadRecords() ([]Record, error)
	PutRecord(Record) error
}

// Config configures an Engine.
type Config struct {
	Thresholds      Thresholds
	CosineThreshold float64
	Policy          UnknownBaselinePolicy
}

// DefaultConfig returns the default thresholds and policy.
func DefaultConfig() Config {
	return Config{
		Thresholds:      DefaultThresholds(),
		CosineThreshold: DefaultCosineThreshold,
		Policy:          AssumeTrusted,
	}
}

// Engine owns the per-agent trust records.
type Engine struct {
	mu      sync.RWMutex
	records map[string]*Record
	cfg     Config

	store   RecordStore
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists records through s.
func WithStore(s RecordStore) Option { return func(e *Engine) { e.store = s } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine validates cfg and loads any stored records.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		records: make(map[string]*Record),
		cfg:     cfg,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store != nil {
		recs, err := e.store.LoadRecords()
		if err != nil {
			return nil, fmt.Errorf("load trust records: %w", err)
		}
		for _, r := range recs {
			rec := r.clone()
			e.records[r.AgentID] = &rec
		}
	}
	return e, nil
}

// Thresholds returns the engine's WAU thresholds.
func (e *Engine) Thresholds() Thresholds { return e.cfg.Thresholds }

// Enroll creates the record for an agent at Personal scope.
func (e *Engine) Enroll(agentID string, selfTrust float64, baseline []float64) (Record, error) {
	if agentID == "" {
		return Record{}, fmt.Errorf("%w: empty agent id", ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.records[agentID]; ok {
		return Record{}, fmt.Errorf("enroll %s: %w", agentID, ErrAlreadyEnrolled)
	}
	rec := Record{
		AgentID:   agentID,
		SelfTrust: finiteOrZero(selfTrust),
		Baseline:  append([]float64(nil), baseline...),
		Scope:     Personal,
		UpdatedAt: e.now().UTC(),
	}
	if err := e.putLocked(rec); err != nil {
		return Record{}, fmt.Errorf("enroll %s: %w", agentID, err)
	}
	e.logger.Info("agent enrolled", zap.String("agent_id", agentID))
	return rec.clone(), nil
}

// SetBaseline replaces an agent's baseline behavior vector.
func (e *Engine) SetBaseline(agentID string, baseline []float64) (Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.records[agentID]
	if !ok {
		return Record{}, fmt.Errorf("set baseline %s: %w", agentID, ErrNotEnrolled)
	}
	rec := cur.clone()
	rec.Baseline = append([]float64(nil), baseline...)
	rec.UpdatedAt = e.now().UTC()
	if err := e.putLocked(rec); err != nil {
		return Record{}, fmt.Errorf("set baseline %s: %w", agentID, err)
	}
	return rec.clone(), nil
}

// Get returns the record for agentID.
func (e *Engine) Get(agentID string) (Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[agentID]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", agentID, ErrNotEnrolled)
	}
	return rec.clone(), nil
}

// Records returns every record ordered by agent ID.
func (e *Engine) Records() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Record, 0, len(e.records))
	for _, r := range e.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Evaluate scores obs at the agent's current scope, checks the behavior
// sample against the baseline, and applies one hysteretic scope transition.
// An anomalous agent is never promoted. The record is replaced as a whole.
func (e *Engine) Evaluate(obs Observation) (Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.records[obs.AgentID]
	if !ok {
		return Evaluation{}, fmt.Errorf("evaluate %s: %w", obs.AgentID, ErrNotEnrolled)
	}

	rec := cur.clone()
	if obs.SelfTrust != nil {
		rec.SelfTrust = finiteOrZero(*obs.SelfTrust)
	}

	score := CalculateTrustScore(rec.SelfTrust, obs.PeerScores, obs.GossipAgreement, rec.Scope)
	anomalous := e.anomalous(rec.Baseline, obs.Behavior)

	next := NextScope(rec.Scope, score, e.cfg.Thresholds)
	if anomalous && next > rec.Scope {
		next = rec.Scope
	}

	prev := rec.Scope
	rec.Scope = next
	rec.Score = score
	rec.Anomalous = anomalous
	rec.UpdatedAt = e.now().UTC()

	if err := e.putLocked(rec); err != nil {
		return Evaluation{}, fmt.Errorf("evaluate %s: %w", obs.AgentID, err)
	}

	ev := Evaluation{
		AgentID:       rec.AgentID,
		PreviousScope: prev,
		Scope:         next,
		Score:         score,
		Anomalous:     anomalous,
		Assured:       !anomalous && e.cfg.Thresholds.Assured(score, next),
	}
	e.metrics.TrustEvaluated(next.String(), anomalous)
	if prev != next {
		e.logger.Info("scope changed",
			zap.String("agent_id", rec.AgentID),
			zap.Stringer("from", prev),
			zap.Stringer("scope", next),
			zap.Float64("score", score))
	}
	if anomalous {
		e.logger.Warn("behavior anomaly", zap.String("agent_id", rec.AgentID), zap.Float64("score", score))
	}
	return ev, nil
}

func (e *Engine) anomalous(baseline, current []float64) bool {
	if len(baseline) == 0 || len(current) == 0 {
		return e.cfg.Policy == AssumeAnomalous
	}
	return CheckBehaviorAnomaly(current, baseline, e.cfg.CosineThreshold)
}

// putLocked persists rec and then swaps it into the map.
func (e *Engine) putLocked(rec Record) error {
	if e.store != nil {
		if err := e.store.PutRecord(rec); err != nil {
			return fmt.Errorf("save trust record: %w", err)
		}
	}
	stored := rec.clone()
	e.records[rec.AgentID] = &stored
	return nil
}
