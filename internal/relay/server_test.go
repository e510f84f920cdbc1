package relay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"remotelink/internal/protocol"
	"remotelink/internal/relay/relaytest"
)

func newTestServer(t *testing.T, opts Options) (*Server, relaytest.Target, func()) {
	t.Helper()
	s := New(opts)
	ts := httptest.NewServer(s.Routes())
	target := relaytest.Target{
		BaseURL: ts.URL,
		WSURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
	return s, target, ts.Close
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func startSession(t *testing.T, target relaytest.Target, sessionID, joinToken, desktopToken string) {
	t.Helper()
	resp := postJSON(t, target.BaseURL+"/pair/start", map[string]any{
		"session_id":            sessionID,
		"join_token":            joinToken,
		"desktop_session_token": desktopToken,
		"join_token_expires_at": time.Now().UTC().Add(time.Minute).Format(time.RFC3339),
		"relay_ws_url":          target.WSURL,
		"idle_timeout_seconds":  300,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("pair/start returned %d", resp.StatusCode)
	}
}

func dialDesktop(t *testing.T, target relaytest.Target, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(target.WSURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	auth := protocol.Envelope{SchemaVersion: protocol.SchemaVersion, Type: protocol.TypeAuth, Token: token}
	if err := ws.WriteJSON(&auth); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	var reply protocol.Envelope
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("read auth reply: %v", err)
	}
	if reply.Type != protocol.TypeAuthOK {
		t.Fatalf("auth reply type = %q", reply.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})
	return ws
}

func TestServer_Conformance(t *testing.T) {
	// The conformance trace requires the rotation grace window disabled so
	// a superseded token is rejected immediately.
	_, target, stop := newTestServer(t, Options{RotationGrace: -1})
	defer stop()
	relaytest.RunConformance(t, target)
}

func TestServer_Healthz(t *testing.T) {
	_, target, stop := newTestServer(t, Options{})
	defer stop()
	resp, err := http.Get(target.BaseURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want 200", resp.StatusCode)
	}
}

func TestServer_PairJoin_Denied(t *testing.T) {
	_, target, stop := newTestServer(t, Options{})
	defer stop()
	startSession(t, target, "s-deny", "join-deny", "desktop-deny")
	desktop := dialDesktop(t, target, "desktop-deny")

	done := make(chan error, 1)
	go func() {
		_ = desktop.SetReadDeadline(time.Now().Add(5 * time.Second))
		var env protocol.Envelope
		if err := desktop.ReadJSON(&env); err != nil {
			done <- err
			return
		}
		approved := false
		done <- desktop.WriteJSON(&protocol.Envelope{
			SchemaVersion: protocol.SchemaVersion,
			Type:          protocol.TypePairDecision,
			RequestID:     env.RequestID,
			Approved:      &approved,
		})
	}()

	resp := postJSON(t, target.BaseURL+"/pair/join", map[string]any{
		"session_id": "s-deny",
		"join_token": "join-deny",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("denied join = %d, want 403", resp.StatusCode)
	}
	if err := <-done; err != nil {
		t.Fatalf("desktop decision: %v", err)
	}

	// Denial still consumed the join token.
	resp = postJSON(t, target.BaseURL+"/pair/join", map[string]any{
		"session_id": "s-deny",
		"join_token": "join-deny",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("join after denial = %d, want 401", resp.StatusCode)
	}
}

func TestServer_PairJoin_DecisionTimeout(t *testing.T) {
	_, target, stop := newTestServer(t, Options{PairDecisionTimeout: 100 * time.Millisecond})
	defer stop()
	startSession(t, target, "s-timeout", "join-timeout", "desktop-timeout")
	dialDesktop(t, target, "desktop-timeout") // connected but never decides

	resp := postJSON(t, target.BaseURL+"/pair/join", map[string]any{
		"session_id": "s-timeout",
		"join_token": "join-timeout",
	})
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Errorf("timed-out join = %d, want 408", resp.StatusCode)
	}

	// Timeout counts as consumption: no retry-based brute forcing.
	resp = postJSON(t, target.BaseURL+"/pair/join", map[string]any{
		"session_id": "s-timeout",
		"join_token": "join-timeout",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("join after timeout = %d, want 401", resp.StatusCode)
	}
}

func TestServer_PairJoin_NoDesktopConnected(t *testing.T) {
	_, target, stop := newTestServer(t, Options{PairDecisionTimeout: 100 * time.Millisecond})
	defer stop()
	startSession(t, target, "s-nodesk", "join-nodesk", "desktop-nodesk")

	resp := postJSON(t, target.BaseURL+"/pair/join", map[string]any{
		"session_id": "s-nodesk",
		"join_token": "join-nodesk",
	})
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Errorf("join without desktop = %d, want 408", resp.StatusCode)
	}
}

func TestServer_PairJoin_ValidationErrors(t *testing.T) {
	_, target, stop := newTestServer(t, Options{})
	defer stop()

	resp := postJSON(t, target.BaseURL+"/pair/join", map[string]any{"session_id": "only"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing join_token = %d, want 400", resp.StatusCode)
	}

	resp, err := http.Post(target.BaseURL+"/pair/join", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", resp.StatusCode)
	}
}

func TestServer_PairStart_ValidationErrors(t *testing.T) {
	_, target, stop := newTestServer(t, Options{})
	defer stop()
	resp := postJSON(t, target.BaseURL+"/pair/start", map[string]any{
		"session_id": "s1",
		"join_token": "j1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing desktop token = %d, want 400", resp.StatusCode)
	}
}

func TestServer_WS_OriginAllowList(t *testing.T) {
	_, target, stop := newTestServer(t, Options{AllowedOrigins: []string{"https://app.example.com"}})
	defer stop()
	startSession(t, target, "s-origin", "join-origin", "desktop-origin")

	disallowed := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, _, err := websocket.DefaultDialer.Dial(target.WSURL, disallowed); err == nil {
		t.Error("upgrade with disallowed origin should fail")
	}

	allowed := http.Header{"Origin": []string{"https://app.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial(target.WSURL, allowed)
	if err != nil {
		t.Fatalf("upgrade with allowed origin failed: %v", err)
	}
	ws.Close()

	// Empty Origin is a non-browser client and is always allowed.
	ws, _, err = websocket.DefaultDialer.Dial(target.WSURL, nil)
	if err != nil {
		t.Fatalf("upgrade without origin failed: %v", err)
	}
	ws.Close()
}

func TestServer_WS_AuthTimeout(t *testing.T) {
	_, target, stop := newTestServer(t, Options{AuthTimeout: 100 * time.Millisecond})
	defer stop()

	ws, _, err := websocket.DefaultDialer.Dial(target.WSURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	// Send nothing; the server must close the socket rather than leak it.
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("server should close an unauthenticated socket after the auth timeout")
	}
}

func TestServer_WS_FirstFrameMustBeAuth(t *testing.T) {
	_, target, stop := newTestServer(t, Options{})
	defer stop()
	startSession(t, target, "s-first", "join-first", "desktop-first")

	ws, _, err := websocket.DefaultDialer.Dial(target.WSURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	env := protocol.Envelope{SchemaVersion: protocol.SchemaVersion, Type: protocol.TypeCommand}
	if err := ws.WriteJSON(&env); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply protocol.Envelope
	if err := ws.ReadJSON(&reply); err == nil {
		t.Errorf("non-auth first frame got a reply: %+v", reply)
	}
}

func TestServer_ControlAPI_RequiresDesktopToken(t *testing.T) {
	_, target, stop := newTestServer(t, Options{})
	defer stop()
	startSession(t, target, "s-ctl", "join-ctl", "desktop-ctl")

	req, _ := http.NewRequest(http.MethodGet, target.BaseURL+"/devices?session_id=s-ctl", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /devices: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong bearer = %d, want 401", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, target.BaseURL+"/devices?session_id=s-ctl", nil)
	req.Header.Set("Authorization", "Bearer desktop-ctl")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /devices: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid bearer = %d, want 200", resp.StatusCode)
	}
	var devices []deviceEntry
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("devices = %v, want none before pairing", devices)
	}
}
