package trust

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidThresholds = errors.New("invalid WAU thresholds")

// Hysteresis margins around scope thresholds.
type Hysteresis struct {
	UpMargin   float64 `yaml:"up_margin" json:"up_margin"`
	DownMargin float64 `yaml:"down_margin" json:"down_margin"`
}

// Thresholds are the minimum scores for identity assurance (WAU) per scope.
type Thresholds struct {
	Personal   float64    `yaml:"personal" json:"personal"`
	Family     float64    `yaml:"family" json:"family"`
	Group      float64    `yaml:"group" json:"group"`
	Community  float64    `yaml:"community" json:"community"`
	World      float64    `yaml:"world" json:"world"`
	Hysteresis Hysteresis `yaml:"hysteresis" json:"hysteresis"`
}

// DefaultThresholds returns the standard WAU thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Personal:   0.25,
		Family:     0.50,
		Group:      0.75,
		Community:  0.90,
		World:      0.99,
		Hysteresis: Hysteresis{UpMargin: 0.02, DownMargin: 0.05},
	}
}

// For returns the threshold of s.
func (t Thresholds) For(s Scope) float64 {
	switch s {
	case Personal:
		return t.Personal
	case Family:
		return t.Family
	case Group:
		return t.Group
	case Community:
		return t.Community
	default:
		return t.World
	}
}

// Assured reports whether score meets the WAU threshold of s.
func (t Thresholds) Assured(score float64, s Scope) bool {
	return score >= t.For(s)
}

// Validate checks that thresholds lie in [0,1] and strictly increase with
// scope, and that margins are finite and non-negative.
func (t Thresholds) Validate() error {
	prev := math.Inf(-1)
	for _, s := range Scopes {
		v := t.For(s)
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s threshold %v outside [0,1]", ErrInvalidThresholds, s, v)
		}
		if v <= prev {
			return fmt.Errorf("%w: %s threshold %v not above previous %v", ErrInvalidThresholds, s, v, prev)
		}
		prev = v
	}
	for name, m := range map[string]float64{"up_margin": t.Hysteresis.UpMargin, "down_margin": t.Hysteresis.DownMargin} {
		if math.IsNaN(m) || math.IsInf(m, 0) || m < 0 {
			return fmt.Errorf("%w: %s %v", ErrInvalidThresholds, name, m)
		}
	}
	return nil
}

// ParseThresholds decodes YAML thresholds. Fields left out keep their
// default values.
func ParseThresholds(data []byte) (Thresholds, error) {
	t := DefaultThresholds()
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Thresholds{}, fmt.Errorf("parse thresholds: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Thresholds{}, err
	}
	return t, nil
}

// LoadThresholds reads YAML thresholds from path.
func LoadThresholds(path string) (Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("read thresholds: %w", err)
	}
	return ParseThresholds(data)
}
