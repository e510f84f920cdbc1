// Package relaytest provides a black-box conformance suite for relay
// implementations. Independently maintained relays are driven from this one
// interaction trace so their observable auth results, forwarded-envelope
// attribution, and token-rotation behavior cannot silently diverge.
package relaytest

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"remotelink/internal/protocol"
)

// Target is a running relay implementation reachable over HTTP and
// WebSocket. The target must be configured with the token-rotation grace
// window disabled, so a superseded device token is rejected immediately.
type Target struct {
	BaseURL string // e.g. http://127.0.0.1:8080
	WSURL   string // e.g. ws://127.0.0.1:8080/ws
}

const readTimeout = 5 * time.Second

// RunConformance drives the full pairing, forwarding, and rotation trace
// against the target and fails the test on any divergence from the
// reference behavior.
func RunConformance(t *testing.T, target Target) {
	t.Helper()

	const (
		sessionID    = "conf-session-1"
		joinToken    = "conf-join-token-000000000000000000000000000000000000"
		desktopToken = "conf-desktop-token-0000000000000000000000000000000000"
	)

	// Register the pairing session.
	code, _ := postJSON(t, target.BaseURL+"/pair/start", map[string]any{
		"session_id":            sessionID,
		"join_token":            joinToken,
		"desktop_session_token": desktopToken,
		"join_token_expires_at": time.Now().UTC().Add(2 * time.Minute).Format(time.RFC3339),
		"relay_ws_url":          target.WSURL,
		"idle_timeout_seconds":  300,
	})
	if code != http.StatusNoContent {
		t.Fatalf("pair/start returned %d, want 204", code)
	}

	// Desktop control socket authenticates first.
	desktop := dialAndAuth(t, target.WSURL, desktopToken)
	defer desktop.Close()
	desktopOK := readEnvelope(t, desktop)
	if desktopOK.Type != protocol.TypeAuthOK || desktopOK.Role != protocol.RoleDesktop {
		t.Fatalf("desktop auth reply = %+v, want auth_ok/desktop", desktopOK)
	}
	if desktopOK.NextDeviceSessionToken != "" {
		t.Error("desktop auth must not rotate a device token")
	}

	// The join call suspends on the desktop's decision, so the desktop's
	// approval runs concurrently.
	approveDone := make(chan error, 1)
	go func() {
		approveDone <- approveNextPairRequest(desktop, sessionID)
	}()

	code, joinBody := postJSON(t, target.BaseURL+"/pair/join", map[string]any{
		"session_id":  sessionID,
		"join_token":  joinToken,
		"device_name": "conformance phone",
	})
	if code != http.StatusOK {
		t.Fatalf("pair/join returned %d, want 200", code)
	}
	if err := <-approveDone; err != nil {
		t.Fatalf("desktop approval: %v", err)
	}
	var join struct {
		SessionID          string `json:"session_id"`
		DeviceID           string `json:"device_id"`
		DeviceSessionToken string `json:"device_session_token"`
		WSURL              string `json:"ws_url"`
	}
	if err := json.Unmarshal(joinBody, &join); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	if join.SessionID != sessionID || join.DeviceID == "" || join.DeviceSessionToken == "" {
		t.Fatalf("join response incomplete: %+v", join)
	}

	// The join token is single-use: a second join with the same token is a
	// uniform auth failure, even though the first one succeeded.
	code, _ = postJSON(t, target.BaseURL+"/pair/join", map[string]any{
		"session_id": sessionID,
		"join_token": joinToken,
	})
	if code != http.StatusUnauthorized {
		t.Errorf("join token reuse returned %d, want 401", code)
	}

	// Mobile authenticates with the freshly minted token; auth always
	// rotates it.
	mobile := dialAndAuth(t, target.WSURL, join.DeviceSessionToken)
	mobileOK := readEnvelope(t, mobile)
	if mobileOK.Type != protocol.TypeAuthOK || mobileOK.Role != protocol.RoleMobile {
		t.Fatalf("mobile auth reply = %+v, want auth_ok/mobile", mobileOK)
	}
	if mobileOK.DeviceID != join.DeviceID {
		t.Errorf("auth_ok device = %q, want %q", mobileOK.DeviceID, join.DeviceID)
	}
	rotated := mobileOK.NextDeviceSessionToken
	if rotated == "" || rotated == join.DeviceSessionToken {
		t.Fatal("mobile auth must rotate to a fresh device session token")
	}

	// A forged attribution field is silently corrected, not rejected: the
	// envelope still arrives, carrying identity the relay derived itself.
	var tracker protocol.SequenceTracker
	spoofed := protocol.Envelope{
		SchemaVersion: protocol.SchemaVersion,
		Type:          protocol.TypeCommand,
		SessionID:     "someone-elses-session",
		Seq:           1,
		TS:            time.Now().UnixMilli(),
		RelayConnID:   "spoofed",
		RelayDeviceID: "spoofed-device",
		Command:       &protocol.CommandPayload{Name: protocol.CommandSendMessage, Text: "hello"},
	}
	if err := mobile.WriteJSON(&spoofed); err != nil {
		t.Fatalf("mobile write: %v", err)
	}
	forwarded := readEnvelope(t, desktop)
	if forwarded.Type != protocol.TypeCommand {
		t.Fatalf("desktop received %q, want command", forwarded.Type)
	}
	if forwarded.RelayConnID == "spoofed" || forwarded.RelayConnID == "" {
		t.Errorf("relay_conn_id = %q; relay must replace the client's claim", forwarded.RelayConnID)
	}
	if forwarded.RelayDeviceID != join.DeviceID {
		t.Errorf("relay_device_id = %q, want the authenticated device %q", forwarded.RelayDeviceID, join.DeviceID)
	}
	if forwarded.SessionID != sessionID {
		t.Errorf("session_id = %q, want the authenticated session %q", forwarded.SessionID, sessionID)
	}
	if forwarded.Command == nil || forwarded.Command.Text != "hello" {
		t.Error("command payload must be forwarded unchanged")
	}
	if r := tracker.Ingest(forwarded.Seq); r.Kind != protocol.Accepted {
		t.Errorf("forwarded seq %d not accepted: %+v", forwarded.Seq, r)
	}

	// Snapshot round trip: mobile asks, desktop pushes, mobile receives.
	snapReq := protocol.Envelope{
		SchemaVersion: protocol.SchemaVersion,
		Type:          protocol.TypeSnapshotRequest,
		Seq:           2,
	}
	if err := mobile.WriteJSON(&snapReq); err != nil {
		t.Fatalf("mobile write: %v", err)
	}
	gotReq := readEnvelope(t, desktop)
	if gotReq.Type != protocol.TypeSnapshotRequest {
		t.Fatalf("desktop received %q, want snapshot request", gotReq.Type)
	}
	if gotReq.RelayDeviceID != join.DeviceID {
		t.Errorf("snapshot request attribution = %q, want %q", gotReq.RelayDeviceID, join.DeviceID)
	}
	snap := protocol.Envelope{
		SchemaVersion: protocol.SchemaVersion,
		Type:          protocol.TypeSnapshot,
		Seq:           1,
		Snapshot:      &protocol.SnapshotPayload{TurnState: json.RawMessage(`"idle"`)},
	}
	if err := desktop.WriteJSON(&snap); err != nil {
		t.Fatalf("desktop write: %v", err)
	}
	gotSnap := readEnvelope(t, mobile)
	if gotSnap.Type != protocol.TypeSnapshot || gotSnap.Snapshot == nil {
		t.Fatalf("mobile received %+v, want a snapshot", gotSnap)
	}

	// Disconnect; the session must survive. The superseded token is dead
	// (grace disabled), the rotated one authenticates and rotates again.
	mobile.Close()

	expectAuthRejected(t, target.WSURL, join.DeviceSessionToken)

	mobile2 := dialAndAuth(t, target.WSURL, rotated)
	defer mobile2.Close()
	mobile2OK := readEnvelope(t, mobile2)
	if mobile2OK.Type != protocol.TypeAuthOK || mobile2OK.Role != protocol.RoleMobile {
		t.Fatalf("reconnect auth reply = %+v, want auth_ok/mobile", mobile2OK)
	}
	if mobile2OK.NextDeviceSessionToken == "" || mobile2OK.NextDeviceSessionToken == rotated {
		t.Error("reconnect auth must rotate to yet another token")
	}
}

// approveNextPairRequest reads frames on the desktop socket until the
// pair_request arrives, then approves it.
func approveNextPairRequest(desktop *websocket.Conn, sessionID string) error {
	_ = desktop.SetReadDeadline(time.Now().Add(readTimeout))
	defer desktop.SetReadDeadline(time.Time{})
	for {
		var env protocol.Envelope
		if err := desktop.ReadJSON(&env); err != nil {
			return err
		}
		if env.Type != protocol.TypePairRequest {
			continue
		}
		if env.SessionID != sessionID || env.RequestID == "" {
			continue
		}
		approved := true
		return desktop.WriteJSON(&protocol.Envelope{
			SchemaVersion: protocol.SchemaVersion,
			Type:          protocol.TypePairDecision,
			SessionID:     sessionID,
			RequestID:     env.RequestID,
			Approved:      &approved,
		})
	}
}

// dialAndAuth connects and sends the first-frame auth; the caller reads the
// reply (or observes the close).
func dialAndAuth(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	auth := protocol.Envelope{
		SchemaVersion: protocol.SchemaVersion,
		Type:          protocol.TypeAuth,
		Token:         token,
	}
	if err := ws.WriteJSON(&auth); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	return ws
}

// expectAuthRejected asserts that the token fails auth: no auth_ok, socket
// closed with a policy-violation code and no distinguishing detail.
func expectAuthRejected(t *testing.T, wsURL, token string) {
	t.Helper()
	ws := dialAndAuth(t, wsURL, token)
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	var env protocol.Envelope
	err := ws.ReadJSON(&env)
	if err == nil {
		t.Fatalf("auth with %q succeeded (%+v), want rejection", token, env)
	}
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("auth rejection was not a close frame: %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
	if closeErr.Text != "" {
		t.Errorf("close text = %q; rejections must carry no detail", closeErr.Text)
	}
}

// readEnvelope reads one envelope with a bounded deadline.
func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if env.SchemaVersion != protocol.SchemaVersion {
		t.Fatalf("schema_version = %d, want %d", env.SchemaVersion, protocol.SchemaVersion)
	}
	return env
}

// postJSON posts a JSON body and returns the status code and response body.
func postJSON(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, buf.Bytes()
}
