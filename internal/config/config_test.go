package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr = %q, want 0.0.0.0:8080", cfg.Addr())
	}
	if got := cfg.RotationGrace(); got != 10*time.Second {
		t.Errorf("RotationGrace = %v, want 10s", got)
	}
	if got := cfg.DecisionTimeout(); got != 45*time.Second {
		t.Errorf("DecisionTimeout = %v, want 45s", got)
	}
	if got := cfg.AuthWait(); got != 10*time.Second {
		t.Errorf("AuthWait = %v, want 10s", got)
	}
	if origins := cfg.Origins(); origins != nil {
		t.Errorf("Origins = %v, want nil", origins)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")
	t.Setenv("TOKEN_ROTATION_GRACE_MS", "2500")
	t.Setenv("PAIR_DECISION_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	origins := cfg.Origins()
	if len(origins) != 2 || origins[0] != "https://a.example.com" || origins[1] != "https://b.example.com" {
		t.Errorf("Origins = %v", origins)
	}
	if got := cfg.RotationGrace(); got != 2500*time.Millisecond {
		t.Errorf("RotationGrace = %v, want 2.5s", got)
	}
	if got := cfg.DecisionTimeout(); got != 30*time.Second {
		t.Errorf("DecisionTimeout = %v, want 30s", got)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "70000")
	if _, err := Load(); err == nil {
		t.Error("Load should reject an out-of-range port")
	}
}

func TestLoad_DecisionTimeoutBounds(t *testing.T) {
	t.Setenv("PAIR_DECISION_TIMEOUT", "5s")
	if _, err := Load(); err == nil {
		t.Error("Load should reject a pair decision timeout below 30s")
	}
}

func TestLoad_NegativeGrace(t *testing.T) {
	t.Setenv("TOKEN_ROTATION_GRACE_MS", "-1")
	if _, err := Load(); err == nil {
		t.Error("Load should reject a negative rotation grace")
	}
}
