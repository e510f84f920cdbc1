package session

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"remotelink/internal/session/domain"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestFactory_NewJoinTokenLease_TTLBoundaries(t *testing.T) {
	issued := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f := NewTestFactory(fixedClock(issued), nil)

	lease, err := f.NewJoinTokenLease(120 * time.Second)
	if err != nil {
		t.Fatalf("NewJoinTokenLease: %v", err)
	}
	if len(lease.Token) < 48 {
		t.Errorf("token has %d hex chars, want >= 48 (24 bytes)", len(lease.Token))
	}
	if !lease.Usable(issued.Add(119 * time.Second)) {
		t.Error("lease should be usable at T+119s")
	}
	if lease.Usable(issued.Add(120 * time.Second)) {
		t.Error("lease should not be usable at T+120s")
	}
}

func TestJoinTokenLease_MarkUsedIsPermanentAndIdempotent(t *testing.T) {
	issued := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	f := NewTestFactory(fixedClock(issued), nil)
	lease, err := f.NewJoinTokenLease(time.Hour)
	if err != nil {
		t.Fatalf("NewJoinTokenLease: %v", err)
	}

	first := issued.Add(time.Second)
	lease.MarkUsed(first)
	if lease.Usable(issued.Add(2 * time.Second)) {
		t.Error("consumed lease should never be usable, even before TTL expiry")
	}

	lease.MarkUsed(issued.Add(time.Minute))
	if lease.UsedAt == nil || !lease.UsedAt.Equal(first) {
		t.Errorf("UsedAt = %v, want first consumption time %v", lease.UsedAt, first)
	}
}

func TestFactory_NewSessionDescriptor_SecretsOnlyInFragment(t *testing.T) {
	f := NewFactory()
	desc, err := f.NewSessionDescriptor(
		"https://example.com/join",
		"wss://relay.example.com/ws",
		domain.Policy{JoinTokenTTL: 2 * time.Minute, IdleTimeout: 5 * time.Minute},
	)
	if err != nil {
		t.Fatalf("NewSessionDescriptor: %v", err)
	}
	if len(desc.DesktopSessionToken) < 48 {
		t.Errorf("desktop token has %d hex chars, want >= 48", len(desc.DesktopSessionToken))
	}

	base, frag, ok := strings.Cut(desc.JoinURL, "#")
	if !ok {
		t.Fatalf("join URL %q has no fragment", desc.JoinURL)
	}
	if strings.Contains(base, desc.JoinTokenLease.Token) {
		t.Error("join token leaked outside the fragment")
	}
	u, err := url.Parse(base)
	if err != nil {
		t.Fatalf("parse join URL base: %v", err)
	}
	if u.RawQuery != "" {
		t.Errorf("join URL has a query string: %q", u.RawQuery)
	}

	vals, err := url.ParseQuery(frag)
	if err != nil {
		t.Fatalf("parse fragment: %v", err)
	}
	if vals.Get("session") != desc.SessionID {
		t.Errorf("fragment session = %q, want %q", vals.Get("session"), desc.SessionID)
	}
	if vals.Get("token") != desc.JoinTokenLease.Token {
		t.Error("fragment token does not match the lease token")
	}
	if vals.Get("relay") != desc.RelayWebSocketURL {
		t.Errorf("fragment relay = %q, want %q", vals.Get("relay"), desc.RelayWebSocketURL)
	}
}
