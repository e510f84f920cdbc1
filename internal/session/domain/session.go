// Package domain holds the data model for remote-control sessions.
package domain

import "time"

// Phase is the lifecycle phase of the broker's session.
type Phase string

const (
	// PhaseIdle: no session has ever been started.
	PhaseIdle Phase = "idle"
	// PhaseActive: a session is registered with the relay.
	PhaseActive Phase = "active"
	// PhaseDisconnected: the last session was stopped. Idle is never
	// re-entered; a fresh start creates a new session object.
	PhaseDisconnected Phase = "disconnected"
)

// Policy bounds a session's join-token lifetime and relay-side idle timeout.
type Policy struct {
	JoinTokenTTL time.Duration
	IdleTimeout  time.Duration
}

// JoinTokenLease is a single-use pairing secret with a bounded lifetime.
type JoinTokenLease struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time // nil until consumed
}

// Usable reports whether the lease can still authorize a join: not yet
// consumed and now is strictly before expiry.
func (l *JoinTokenLease) Usable(now time.Time) bool {
	return l.UsedAt == nil && now.Before(l.ExpiresAt)
}

// MarkUsed consumes the lease. Idempotent: the first consumption time wins,
// and Usable returns false permanently afterwards.
func (l *JoinTokenLease) MarkUsed(at time.Time) {
	if l.UsedAt == nil {
		t := at
		l.UsedAt = &t
	}
}

// SessionDescriptor describes one active remote-control session as the
// desktop sees it. JoinURL carries the session ID, join token, and relay
// address in its fragment, never the query string, so request logs on the
// way do not see secrets.
type SessionDescriptor struct {
	SessionID           string
	DesktopSessionToken string
	JoinURL             string
	RelayWebSocketURL   string
	CreatedAt           time.Time
	JoinTokenLease      *JoinTokenLease
	Policy              Policy
}

// TrustedDevice is a paired mobile client. Created on an approved join,
// updated on reconnect, removed only by explicit revocation.
type TrustedDevice struct {
	DeviceID   string
	DeviceName string
	Connected  bool
	JoinedAt   time.Time
	LastSeenAt time.Time
}

// RemoteSessionStatus is a point-in-time snapshot of the broker's state.
type RemoteSessionStatus struct {
	Phase                Phase
	Session              *SessionDescriptor
	TrustedDevices       []TrustedDevice
	ConnectedDeviceCount int
	DisconnectReason     string
}
