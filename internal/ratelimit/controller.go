package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var ErrInvalidBounds = errors.New("invalid rate bounds")

// Controller adapts an outbound send rate to observed loss and round-trip
// time. Observations only ever lower the rate; growth goes through Apply.
// The rate stays within [min, max] at all times.
type Controller struct {
	mu      sync.Mutex
	current float64
	min     float64
	max     float64
}

// NewController returns a controller starting at initial, clamped into
// [min, max]. Bounds must be finite, non-negative and ordered.
func NewController(initial, min, max float64) (*Controller, error) {
	if !finite(min) || !finite(max) || min < 0 || max < 0 {
		return nil, fmt.Errorf("%w: min=%v max=%v", ErrInvalidBounds, min, max)
	}
	if min > max {
		return nil, fmt.Errorf("%w: min %v > max %v", ErrInvalidBounds, min, max)
	}
	if math.IsNaN(initial) {
		initial = min
	}
	return &Controller{current: clamp(initial, min, max), min: min, max: max}, nil
}

// Update applies one loss/RTT observation:
//
//	rate = clamp(rate * clamp(1-loss, 0, 1) / (1 + rtt_seconds), min, max)
//
// Negative RTT counts as zero and NaN loss as total loss.
func (c *Controller) Update(loss float64, rtt time.Duration) float64 {
	if math.IsNaN(loss) {
		loss = 1
	}
	if rtt < 0 {
		rtt = 0
	}
	factor := clamp(1-loss, 0, 1) / (1 + rtt.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = clamp(c.current*factor, c.min, c.max)
	return c.current
}

// Apply replaces the rate with step(rate), re-clamped. A NaN result is
// ignored.
func (c *Controller) Apply(step func(float64) float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := step(c.current)
	if !math.IsNaN(next) {
		c.current = clamp(next, c.min, c.max)
	}
	return c.current
}

// Rate returns the current rate.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Bounds returns min and max.
func (c *Controller) Bounds() (min, max float64) {
	return c.min, c.max
}

// Additive returns a step that raises the rate by delta.
func Additive(delta float64) func(float64) float64 {
	return func(r float64) float64 { return r + delta }
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
