// Package config loads and validates relay configuration from env and an
// optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds relay process configuration loaded from the environment.
type Config struct {
	// Host is the listen host (e.g. 0.0.0.0).
	Host string `mapstructure:"HOST"`
	// Port is the listen port for the HTTP and WebSocket listeners.
	Port int `mapstructure:"PORT"`
	// PublicBaseURL is the externally reachable base URL of this relay
	// (e.g. https://relay.example.com); used in logs and diagnostics.
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`
	// AllowedOrigins is a CSV allow-list checked against the WebSocket
	// upgrade Origin header. Empty allows all origins.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	// TokenRotationGraceMS is how long a superseded device session token
	// stays valid after rotation, in milliseconds.
	TokenRotationGraceMS int `mapstructure:"TOKEN_ROTATION_GRACE_MS"`
	// PairDecisionTimeout is how long /pair/join waits for the desktop's
	// decision (e.g. "45s"). Must stay within 30–60s.
	PairDecisionTimeout string `mapstructure:"PAIR_DECISION_TIMEOUT"`
	// AuthTimeout is how long an unauthenticated WebSocket may wait before
	// sending its relay.auth frame (e.g. "10s").
	AuthTimeout string `mapstructure:"AUTH_TIMEOUT"`
	// SweepInterval is the idle-session janitor period (e.g. "30s").
	SweepInterval string `mapstructure:"SWEEP_INTERVAL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Missing .env is ignored (e.g. in CI). Env vars
// override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("PUBLIC_BASE_URL", "")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("TOKEN_ROTATION_GRACE_MS", 10000)
	v.SetDefault("PAIR_DECISION_TIMEOUT", "45s")
	v.SetDefault("AUTH_TIMEOUT", "10s")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("config: PORT %d out of range", cfg.Port)
	}
	if cfg.TokenRotationGraceMS < 0 {
		return nil, errors.New("config: TOKEN_ROTATION_GRACE_MS must not be negative")
	}
	if d := cfg.DecisionTimeout(); d < 30*time.Second || d > 60*time.Second {
		return nil, errors.New("config: PAIR_DECISION_TIMEOUT must be between 30s and 60s")
	}

	return &cfg, nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Origins splits the CSV allow-list, trimming whitespace and dropping
// empty entries.
func (c *Config) Origins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RotationGrace returns the token-rotation grace window.
func (c *Config) RotationGrace() time.Duration {
	return time.Duration(c.TokenRotationGraceMS) * time.Millisecond
}

// DecisionTimeout parses PairDecisionTimeout. Returns 45s if unset or invalid.
func (c *Config) DecisionTimeout() time.Duration {
	d, err := time.ParseDuration(c.PairDecisionTimeout)
	if err != nil || d <= 0 {
		return 45 * time.Second
	}
	return d
}

// AuthWait parses AuthTimeout. Returns 10s if unset or invalid.
func (c *Config) AuthWait() time.Duration {
	d, err := time.ParseDuration(c.AuthTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Sweep parses SweepInterval. Returns 30s if unset or invalid.
func (c *Config) Sweep() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
