// Package session implements the desktop-side session broker: the single
// writer for remote-control session lifecycle, join-token consumption, and
// the trusted-device cache.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"remotelink/internal/security"
	"remotelink/internal/session/domain"
)

// Sentinel errors; callers map them to UI or transport codes.
var (
	ErrNoActiveSession = errors.New("session: no active session")
)

// Broker owns the lifecycle of one active remote-control session. All
// mutation serializes through one mutex, so phase transitions and
// join-token consumption have a single writer: two concurrent
// ConsumeJoinToken calls can never both succeed.
type Broker struct {
	registrar RelayRegistering
	factory   *Factory
	logger    *slog.Logger
	nowF      func() time.Time

	mu               sync.Mutex
	phase            domain.Phase
	current          *domain.SessionDescriptor
	devices          []domain.TrustedDevice
	connectedCount   int
	disconnectReason string
}

// NewBroker returns a Broker in the idle phase.
func NewBroker(registrar RelayRegistering, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		registrar: registrar,
		factory:   NewFactory(),
		logger:    logger.With("component", "broker"),
		nowF:      func() time.Time { return time.Now().UTC() },
		phase:     domain.PhaseIdle,
	}
}

// StartSession mints a new session descriptor, registers it with the relay,
// and transitions to the active phase. On registrar failure the phase is
// unchanged and the error propagates. A fresh call always creates a new
// session object, replacing any previous one.
func (b *Broker) StartSession(ctx context.Context, joinBaseURL, relayWebSocketURL string, policy domain.Policy) (*domain.SessionDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	desc, err := b.factory.NewSessionDescriptor(joinBaseURL, relayWebSocketURL, policy)
	if err != nil {
		return nil, err
	}
	params := StartPairingParams{
		SessionID:           desc.SessionID,
		DesktopSessionToken: desc.DesktopSessionToken,
		JoinToken:           desc.JoinTokenLease.Token,
		JoinTokenExpiresAt:  desc.JoinTokenLease.ExpiresAt,
		RelayWebSocketURL:   relayWebSocketURL,
		IdleTimeoutSeconds:  int(policy.IdleTimeout / time.Second),
	}
	if err := b.registrar.StartPairing(ctx, params); err != nil {
		return nil, err
	}

	b.phase = domain.PhaseActive
	b.current = desc
	b.devices = nil
	b.connectedCount = 0
	b.disconnectReason = ""
	b.logger.Info("session started", "session_id", desc.SessionID)
	return desc, nil
}

// ConsumeJoinToken atomically consumes the active session's join-token
// lease. Returns true exactly once per lease: the compare is constant-time
// and the mark-used is idempotent under the broker lock.
func (b *Broker) ConsumeJoinToken(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil || b.current.JoinTokenLease == nil {
		return false
	}
	lease := b.current.JoinTokenLease
	now := b.nowF()
	if !lease.Usable(now) {
		return false
	}
	if !security.ConstantTimeEquals(token, lease.Token) {
		return false
	}
	lease.MarkUsed(now)
	return true
}

// StopSession tears the relay-side session down, transitions to
// disconnected, clears the active session, and records the reason.
func (b *Broker) StopSession(ctx context.Context, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return ErrNoActiveSession
	}
	if err := b.registrar.StopPairing(ctx, b.current.SessionID); err != nil {
		return err
	}
	b.logger.Info("session stopped", "session_id", b.current.SessionID, "reason", reason)
	b.phase = domain.PhaseDisconnected
	b.current = nil
	b.devices = nil
	b.connectedCount = 0
	b.disconnectReason = reason
	return nil
}

// RefreshTrustedDevices fetches the live device list from the relay and
// replaces the local cache. Fails with ErrNoActiveSession unless active.
func (b *Broker) RefreshTrustedDevices(ctx context.Context) ([]domain.TrustedDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase != domain.PhaseActive || b.current == nil {
		return nil, ErrNoActiveSession
	}
	devices, err := b.registrar.ListDevices(ctx, b.current.SessionID)
	if err != nil {
		return nil, err
	}
	b.devices = devices
	b.connectedCount = countConnected(devices)
	out := make([]domain.TrustedDevice, len(devices))
	copy(out, devices)
	return out, nil
}

// RevokeTrustedDevice revokes the device on the relay; on success it is
// removed locally and the connected count recomputed.
func (b *Broker) RevokeTrustedDevice(ctx context.Context, deviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase != domain.PhaseActive || b.current == nil {
		return ErrNoActiveSession
	}
	if err := b.registrar.RevokeDevice(ctx, b.current.SessionID, deviceID); err != nil {
		return err
	}
	kept := b.devices[:0]
	for _, d := range b.devices {
		if d.DeviceID != deviceID {
			kept = append(kept, d)
		}
	}
	b.devices = kept
	b.connectedCount = countConnected(kept)
	return nil
}

// Status returns a non-blocking snapshot of the broker's state. The device
// slice is a copy; the descriptor pointer is shared and must be treated as
// read-only by callers.
func (b *Broker) Status() domain.RemoteSessionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	devices := make([]domain.TrustedDevice, len(b.devices))
	copy(devices, b.devices)
	return domain.RemoteSessionStatus{
		Phase:                b.phase,
		Session:              b.current,
		TrustedDevices:       devices,
		ConnectedDeviceCount: b.connectedCount,
		DisconnectReason:     b.disconnectReason,
	}
}

func countConnected(devices []domain.TrustedDevice) int {
	n := 0
	for _, d := range devices {
		if d.Connected {
			n++
		}
	}
	return n
}
