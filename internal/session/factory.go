package session

import (
	"io"
	"net/url"
	"time"

	"github.com/google/uuid"

	"remotelink/internal/security"
	"remotelink/internal/session/domain"
)

// Factory mints join-token leases and session descriptors. The clock and
// random source are injectable for tests; zero values use the wall clock
// and crypto/rand.
type Factory struct {
	nowF func() time.Time
	rand io.Reader
}

// NewFactory returns a Factory backed by the wall clock and crypto/rand.
func NewFactory() *Factory {
	return &Factory{nowF: func() time.Time { return time.Now().UTC() }}
}

// NewTestFactory returns a Factory with an injected clock and random
// source. For tests only; a nil rand falls back to crypto/rand.
func NewTestFactory(nowF func() time.Time, rand io.Reader) *Factory {
	if nowF == nil {
		nowF = func() time.Time { return time.Now().UTC() }
	}
	return &Factory{nowF: nowF, rand: rand}
}

// NewJoinTokenLease mints a single-use join token valid for ttl from now.
func (f *Factory) NewJoinTokenLease(ttl time.Duration) (*domain.JoinTokenLease, error) {
	token, err := security.RandomToken(f.rand, security.TokenBytes)
	if err != nil {
		return nil, err
	}
	issued := f.nowF()
	return &domain.JoinTokenLease{
		Token:     token,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(ttl),
	}, nil
}

// NewSessionDescriptor builds a descriptor with a fresh session ID, desktop
// session token, join-token lease, and fragment-encoded join URL.
func (f *Factory) NewSessionDescriptor(joinBaseURL, relayWebSocketURL string, policy domain.Policy) (*domain.SessionDescriptor, error) {
	desktopToken, err := security.RandomToken(f.rand, security.TokenBytes)
	if err != nil {
		return nil, err
	}
	lease, err := f.NewJoinTokenLease(policy.JoinTokenTTL)
	if err != nil {
		return nil, err
	}
	sessionID := uuid.New().String()
	joinURL, err := buildJoinURL(joinBaseURL, sessionID, lease.Token, relayWebSocketURL)
	if err != nil {
		return nil, err
	}
	return &domain.SessionDescriptor{
		SessionID:           sessionID,
		DesktopSessionToken: desktopToken,
		JoinURL:             joinURL,
		RelayWebSocketURL:   relayWebSocketURL,
		CreatedAt:           f.nowF(),
		JoinTokenLease:      lease,
		Policy:              policy,
	}, nil
}

// buildJoinURL places session, join token, and relay address in the URL
// fragment. Fragments never leave the client, so ordinary request logging
// cannot leak them.
func buildJoinURL(base, sessionID, joinToken, relayWebSocketURL string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	frag := url.Values{}
	frag.Set("session", sessionID)
	frag.Set("token", joinToken)
	frag.Set("relay", relayWebSocketURL)
	return u.String() + "#" + frag.Encode(), nil
}
