// Package registrar implements session.RelayRegistering over the relay's
// HTTP control API. It is the desktop side of the broker/relay contract.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"remotelink/internal/session"
	"remotelink/internal/session/domain"
)

// Client talks to one relay process. It captures the desktop session token
// from StartPairing and uses it as the bearer credential for the control
// endpoints that follow.
type Client struct {
	baseURL string
	http    *http.Client

	desktopToken string
}

// New returns a Client for the relay at baseURL (e.g. http://relay:8080).
// A nil httpClient uses a client with a 15s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

type startPairingBody struct {
	SessionID           string `json:"session_id"`
	JoinToken           string `json:"join_token"`
	DesktopSessionToken string `json:"desktop_session_token"`
	JoinTokenExpiresAt  string `json:"join_token_expires_at"`
	RelayWebSocketURL   string `json:"relay_ws_url"`
	IdleTimeoutSeconds  int    `json:"idle_timeout_seconds"`
}

// StartPairing registers the session with the relay.
func (c *Client) StartPairing(ctx context.Context, p session.StartPairingParams) error {
	body := startPairingBody{
		SessionID:           p.SessionID,
		JoinToken:           p.JoinToken,
		DesktopSessionToken: p.DesktopSessionToken,
		JoinTokenExpiresAt:  p.JoinTokenExpiresAt.UTC().Format(time.RFC3339),
		RelayWebSocketURL:   p.RelayWebSocketURL,
		IdleTimeoutSeconds:  p.IdleTimeoutSeconds,
	}
	if err := c.post(ctx, "/pair/start", "", body); err != nil {
		return err
	}
	c.desktopToken = p.DesktopSessionToken
	return nil
}

// StopPairing tears down the relay-side session.
func (c *Client) StopPairing(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/pair/stop", c.desktopToken, map[string]string{"session_id": sessionID})
}

type deviceEntry struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Connected  bool      `json:"connected"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ListDevices fetches the relay's live view of the session's paired devices.
func (c *Client) ListDevices(ctx context.Context, sessionID string) ([]domain.TrustedDevice, error) {
	u := c.baseURL + "/devices?session_id=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.desktopToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registrar: list devices: relay returned %d", resp.StatusCode)
	}
	var entries []deviceEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	out := make([]domain.TrustedDevice, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.TrustedDevice{
			DeviceID:   e.DeviceID,
			DeviceName: e.DeviceName,
			Connected:  e.Connected,
			JoinedAt:   e.JoinedAt,
			LastSeenAt: e.LastSeenAt,
		})
	}
	return out, nil
}

// RevokeDevice removes a paired device and invalidates its tokens.
func (c *Client) RevokeDevice(ctx context.Context, sessionID, deviceID string) error {
	return c.post(ctx, "/devices/revoke", c.desktopToken, map[string]string{
		"session_id": sessionID,
		"device_id":  deviceID,
	})
}

func (c *Client) post(ctx context.Context, path, bearer string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("registrar: %s: relay returned %d", path, resp.StatusCode)
	}
	return nil
}

var _ session.RelayRegistering = (*Client)(nil)
