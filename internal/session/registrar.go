package session

import (
	"context"
	"time"

	"remotelink/internal/session/domain"
)

// StartPairingParams carries everything the relay needs to accept a new
// pairing session.
type StartPairingParams struct {
	SessionID           string
	DesktopSessionToken string
	JoinToken           string
	JoinTokenExpiresAt  time.Time
	RelayWebSocketURL   string
	IdleTimeoutSeconds  int
}

// RelayRegistering is the broker's only view of the relay. It decouples
// session lifecycle logic from how the relay is reached; the relay server
// implements the other side of this contract over HTTP.
type RelayRegistering interface {
	// StartPairing registers the session with the relay so a device can join.
	StartPairing(ctx context.Context, params StartPairingParams) error
	// StopPairing tears the relay-side session down and closes its sockets.
	StopPairing(ctx context.Context, sessionID string) error
	// ListDevices returns the relay's live view of the session's paired devices.
	ListDevices(ctx context.Context, sessionID string) ([]domain.TrustedDevice, error)
	// RevokeDevice removes a paired device and invalidates its tokens.
	RevokeDevice(ctx context.Context, sessionID, deviceID string) error
}
