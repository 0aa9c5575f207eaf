package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/ssd-technologies/kairo/internal/metrics"
)

// Table holds one Controller per connection. The table lock only covers
// the map; each controller has its own lock.
type Table struct {
	mu      sync.Mutex
	conns   map[string]*Controller
	initial float64
	min     float64
	max     float64
	metrics *metrics.Recorder
}

// NewTable returns a table whose controllers use the given parameters.
func NewTable(initial, min, max float64, m *metrics.Recorder) (*Table, error) {
	// Validate once up front so Get never fails.
	if _, err := NewController(initial, min, max); err != nil {
		return nil, err
	}
	return &Table{
		conns:   make(map[string]*Controller),
		initial: initial,
		min:     min,
		max:     max,
		metrics: m,
	}, nil
}

// Get returns the controller for conn, creating it on first use.
func (t *Table) Get(conn string) *Controller {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[conn]
	if !ok {
		c, _ = NewController(t.initial, t.min, t.max)
		t.conns[conn] = c
	}
	return c
}

// Observe feeds a loss/RTT observation to conn's controller.
func (t *Table) Observe(conn string, loss float64, rtt time.Duration) float64 {
	rate := t.Get(conn).Update(loss, rtt)
	t.metrics.SetSendRate(conn, rate)
	return rate
}

// Remove forgets conn and its published rate.
func (t *Table) Remove(conn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
	t.metrics.DeleteSendRate(conn)
}

// Rates returns the current rate of every connection.
func (t *Table) Rates() map[string]float64 {
	t.mu.Lock()
	conns := make(map[string]*Controller, len(t.conns))
	for k, c := range t.conns {
		conns[k] = c
	}
	t.mu.Unlock()

	out := make(map[string]float64, len(conns))
	for k, c := range conns {
		out[k] = c.Rate()
	}
	return out
}

// Conns returns connection names in sorted order.
func (t *Table) Conns() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.conns))
	for k := range t.conns {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
