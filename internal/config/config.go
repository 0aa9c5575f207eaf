// Package config loads seed-node configuration from a YAML file with
// KAIRO_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/kairo/internal/address"
	"github.com/ssd-technologies/kairo/internal/crypto"
	"github.com/ssd-technologies/kairo/internal/governance"
	"github.com/ssd-technologies/kairo/internal/logging"
	"github.com/ssd-technologies/kairo/internal/ratelimit"
	"github.com/ssd-technologies/kairo/internal/session"
	"github.com/ssd-technologies/kairo/internal/trust"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the seed-node configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	DataDir     string `yaml:"data_dir"`
	DBPath      string `yaml:"db_path"` // defaults to <data_dir>/kairo.db
	AdminSecret string `yaml:"admin_secret"`
	Cipher      string `yaml:"cipher"`

	Address AddressConfig  `yaml:"address"`
	Session SessionConfig  `yaml:"session"`
	Quorum  QuorumConfig   `yaml:"quorum"`
	Trust   TrustConfig    `yaml:"trust"`
	Rate    RateConfig     `yaml:"rate"`
	Limits  LimitsConfig   `yaml:"limits"`
	Log     logging.Config `yaml:"log"`
}

type AddressConfig struct {
	Prefix string `yaml:"prefix"`
}

type SessionConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxPeers    int           `yaml:"max_peers"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type QuorumConfig struct {
	Threshold     int           `yaml:"threshold"`
	RequiredRoles []string      `yaml:"required_roles"`
	MaxAge        time.Duration `yaml:"max_age"`
}

type TrustConfig struct {
	// ThresholdsFile is an optional YAML file of WAU thresholds.
	ThresholdsFile  string  `yaml:"thresholds_file"`
	CosineThreshold float64 `yaml:"cosine_threshold"`
	UnknownBaseline string  `yaml:"unknown_baseline"`
}

type RateConfig struct {
	Initial float64 `yaml:"initial"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
}

// LimitsConfig bounds inbound request rates per client per minute.
type LimitsConfig struct {
	HTTPPerMinute int `yaml:"http_per_minute"`
	WSPerMinute   int `yaml:"ws_per_minute"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:  ":8080",
		DataDir: "data",
		Cipher:  crypto.CipherChaCha,
		Address: AddressConfig{Prefix: address.DefaultPrefix},
		Session: SessionConfig{
			TTL:         session.DefaultTTL,
			MaxPeers:    session.DefaultMaxPeers,
			IdleTimeout: session.DefaultIdleTimeout,
		},
		Quorum: QuorumConfig{Threshold: 3, MaxAge: 24 * time.Hour},
		Trust: TrustConfig{
			CosineThreshold: trust.DefaultCosineThreshold,
			UnknownBaseline: trust.AssumeTrusted.String(),
		},
		Rate:   RateConfig{Initial: 1000, Min: 1, Max: 10000},
		Limits: LimitsConfig{HTTPPerMinute: 120, WSPerMinute: 600},
		Log:    logging.Config{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("KAIRO_LISTEN", &c.Listen)
	str("KAIRO_DATA_DIR", &c.DataDir)
	str("KAIRO_DB_PATH", &c.DBPath)
	str("KAIRO_ADMIN_SECRET", &c.AdminSecret)
	str("KAIRO_CIPHER", &c.Cipher)
	str("KAIRO_ADDRESS_PREFIX", &c.Address.Prefix)
	dur("KAIRO_SESSION_TTL", &c.Session.TTL)
	num("KAIRO_QUORUM_THRESHOLD", &c.Quorum.Threshold)
	if v, ok := lookup("KAIRO_QUORUM_ROLES"); ok {
		c.Quorum.RequiredRoles = splitList(v)
	}
	str("KAIRO_TRUST_THRESHOLDS", &c.Trust.ThresholdsFile)
	str("KAIRO_TRUST_UNKNOWN_BASELINE", &c.Trust.UnknownBaseline)
	num("KAIRO_HTTP_PER_MINUTE", &c.Limits.HTTPPerMinute)
	str("KAIRO_LOG_LEVEL", &c.Log.Level)
	str("KAIRO_LOG_FILE", &c.Log.File)
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Listen = ":" + v
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks every field and returns all problems at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Listen == "" {
		bad("listen address is required")
	}
	if c.DataDir == "" && c.DBPath == "" {
		bad("data_dir or db_path is required")
	}
	if c.AdminSecret == "" {
		bad("admin_secret is required (KAIRO_ADMIN_SECRET)")
	}
	if c.Cipher != crypto.CipherAES && c.Cipher != crypto.CipherChaCha {
		bad("cipher %q is not %s or %s", c.Cipher, crypto.CipherAES, crypto.CipherChaCha)
	}
	if _, err := netip.ParsePrefix(c.Address.Prefix); err != nil {
		bad("address prefix: %v", err)
	}
	if c.Session.TTL <= 0 {
		bad("session ttl must be positive")
	}
	if c.Session.MaxPeers < 0 {
		bad("session max_peers must not be negative")
	}
	if c.Quorum.Threshold < 1 {
		bad("quorum threshold must be at least 1")
	}
	if _, err := c.RequiredRoles(); err != nil {
		bad("%v", err)
	}
	if c.Quorum.MaxAge < 0 {
		bad("quorum max_age must not be negative")
	}
	if _, err := trust.ParsePolicy(c.Trust.UnknownBaseline); err != nil {
		bad("%v", err)
	}
	if math.IsNaN(c.Trust.CosineThreshold) || c.Trust.CosineThreshold < -1 || c.Trust.CosineThreshold > 1 {
		bad("cosine threshold %v outside [-1, 1]", c.Trust.CosineThreshold)
	}
	if _, err := ratelimit.NewController(c.Rate.Initial, c.Rate.Min, c.Rate.Max); err != nil {
		bad("%v", err)
	}
	if c.Limits.HTTPPerMinute < 0 || c.Limits.WSPerMinute < 0 {
		bad("request limits must not be negative")
	}
	return errors.Join(errs...)
}

// Database returns the SQLite path.
func (c *Config) Database() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "kairo.db")
}

// RequiredRoles parses the configured quorum roles.
func (c *Config) RequiredRoles() ([]governance.Role, error) {
	roles := make([]governance.Role, 0, len(c.Quorum.RequiredRoles))
	for _, name := range c.Quorum.RequiredRoles {
		r, err := governance.ParseRole(name)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, nil
}

// TrustEngine returns the trust engine configuration, reading the
// thresholds file if one is set.
func (c *Config) TrustEngine() (trust.Config, error) {
	tc := trust.DefaultConfig()
	tc.CosineThreshold = c.Trust.CosineThreshold
	policy, err := trust.ParsePolicy(c.Trust.UnknownBaseline)
	if err != nil {
		return tc, err
	}
	tc.Policy = policy
	if c.Trust.ThresholdsFile != "" {
		th, err := trust.LoadThresholds(c.Trust.ThresholdsFile)
		if err != nil {
			return tc, err
		}
		tc.Thresholds = th
	}
	return tc, nil
}

// SessionManager returns the session manager configuration.
func (c *Config) SessionManager() session.Config {
	return session.Config{
		TTL:         c.Session.TTL,
		MaxPeers:    c.Session.MaxPeers,
		IdleTimeout: c.Session.IdleTimeout,
	}
}
