// Package relay implements the relay server: the only network-exposed
// process. It runs the pairing HTTP endpoints and the WebSocket hub,
// forwards envelopes between a desktop and its paired mobile devices, and
// enforces identity so the relay's clients cannot impersonate each other.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"remotelink/internal/protocol"
)

// Options configures a relay Server. Zero values get serviceable defaults.
type Options struct {
	Logger              *slog.Logger
	AllowedOrigins      []string      // WebSocket Origin allow-list; empty allows all
	AuthTimeout         time.Duration // wait for the first relay.auth frame (default 10s)
	PairDecisionTimeout time.Duration // wait for the desktop's pair decision (default 45s)
	RotationGrace       time.Duration // superseded device tokens stay valid this long (default 10s, negative disables)
	SweepInterval       time.Duration // idle-session janitor period (default 30s)
	NowFunc             func() time.Time
}

// Server is the relay process: pairing HTTP API plus the WebSocket hub.
// All session state lives in one in-memory table; the process is not
// horizontally scalable by design.
type Server struct {
	logger              *slog.Logger
	table               *table
	pending             *pendingJoins
	upgrader            websocket.Upgrader
	authTimeout         time.Duration
	pairDecisionTimeout time.Duration
	sweepInterval       time.Duration
}

// New returns a Server ready to serve Routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authTimeout := opts.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = 10 * time.Second
	}
	decisionTimeout := opts.PairDecisionTimeout
	if decisionTimeout <= 0 {
		decisionTimeout = 45 * time.Second
	}
	// A negative RotationGrace disables the grace window entirely.
	grace := opts.RotationGrace
	if grace == 0 {
		grace = 10 * time.Second
	}
	if grace < 0 {
		grace = 0
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	return &Server{
		logger:              logger.With("component", "relay"),
		table:               newTable(opts.NowFunc, grace),
		pending:             newPendingJoins(),
		upgrader:            makeUpgrader(opts.AllowedOrigins),
		authTimeout:         authTimeout,
		pairDecisionTimeout: decisionTimeout,
		sweepInterval:       sweep,
	}
}

// Routes returns the relay's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/pair/start", s.handlePairStart).Methods(http.MethodPost)
	r.HandleFunc("/pair/join", s.handlePairJoin).Methods(http.MethodPost)
	r.HandleFunc("/pair/stop", s.handlePairStop).Methods(http.MethodPost)
	r.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/revoke", s.handleRevokeDevice).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	return r
}

// Run blocks until ctx is done, sweeping idle sessions periodically.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			doomed := s.table.sweepIdle()
			for _, c := range doomed {
				c.close()
			}
			if len(doomed) > 0 {
				s.logger.Info("idle sweep closed connections", "count", len(doomed))
			}
		}
	}
}

type pairStartRequest struct {
	SessionID           string `json:"session_id"`
	JoinToken           string `json:"join_token"`
	DesktopSessionToken string `json:"desktop_session_token"`
	JoinTokenExpiresAt  string `json:"join_token_expires_at"` // RFC 3339
	RelayWebSocketURL   string `json:"relay_ws_url"`
	IdleTimeoutSeconds  int    `json:"idle_timeout_seconds"`
}

func (s *Server) handlePairStart(w http.ResponseWriter, r *http.Request) {
	var req pairStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.SessionID == "" || req.JoinToken == "" || req.DesktopSessionToken == "" {
		writeError(w, http.StatusBadRequest, "missing required field")
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, req.JoinTokenExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid join_token_expires_at")
		return
	}
	s.table.start(req.SessionID, req.DesktopSessionToken, req.JoinToken, expiresAt,
		req.RelayWebSocketURL, time.Duration(req.IdleTimeoutSeconds)*time.Second)
	s.logger.Info("pairing session registered", "session_id", req.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

type pairJoinRequest struct {
	SessionID  string `json:"session_id"`
	JoinToken  string `json:"join_token"`
	DeviceName string `json:"device_name,omitempty"`
}

type pairJoinResponse struct {
	SessionID          string `json:"session_id"`
	DeviceID           string `json:"device_id"`
	DeviceSessionToken string `json:"device_session_token"`
	WSURL              string `json:"ws_url"`
}

// handlePairJoin is the asynchronous rendezvous: the HTTP call suspends on
// the desktop's pair_decision arriving over a different connection. The
// join token is consumed exactly once by this call regardless of outcome,
// so a timed-out join cannot be retried for brute forcing.
func (s *Server) handlePairJoin(w http.ResponseWriter, r *http.Request) {
	var req pairJoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.SessionID == "" || req.JoinToken == "" {
		writeError(w, http.StatusBadRequest, "missing required field")
		return
	}
	if err := s.table.consumeJoin(req.SessionID, req.JoinToken); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID := uuid.New().String()
	decision := s.pending.add(requestID)
	defer s.pending.drop(requestID)

	if d := s.table.desktopConn(req.SessionID); d != nil {
		notice := protocol.Envelope{
			SchemaVersion: protocol.SchemaVersion,
			Type:          protocol.TypePairRequest,
			SessionID:     req.SessionID,
			RequestID:     requestID,
		}
		if err := d.writeJSON(&notice); err != nil {
			s.logger.Warn("pair_request notify failed", "session_id", req.SessionID, "error", err)
		}
	}

	timer := time.NewTimer(s.pairDecisionTimeout)
	defer timer.Stop()
	select {
	case approved := <-decision:
		if !approved {
			writeError(w, http.StatusForbidden, "pairing denied")
			return
		}
	case <-timer.C:
		writeError(w, http.StatusRequestTimeout, "pairing decision timed out")
		return
	case <-r.Context().Done():
		return
	}

	deviceID, token, err := s.table.addDevice(req.SessionID, req.DeviceName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	wsURL := s.table.sessionWSURL(req.SessionID)
	s.logger.Info("device paired", "session_id", req.SessionID, "device_id", deviceID)
	writeJSON(w, http.StatusOK, pairJoinResponse{
		SessionID:          req.SessionID,
		DeviceID:           deviceID,
		DeviceSessionToken: token,
		WSURL:              wsURL,
	})
}

type pairStopRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handlePairStop(w http.ResponseWriter, r *http.Request) {
	var req pairStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.table.authorizeDesktop(req.SessionID, bearerToken(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	for _, c := range s.table.stop(req.SessionID) {
		c.close()
	}
	s.logger.Info("pairing session stopped", "session_id", req.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

type deviceEntry struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Connected  bool      `json:"connected"`
	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session_id")
		return
	}
	if err := s.table.authorizeDesktop(sessionID, bearerToken(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	devices, err := s.table.listDevices(sessionID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	out := make([]deviceEntry, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceEntry{
			DeviceID:   d.DeviceID,
			DeviceName: d.DeviceName,
			Connected:  d.Connected,
			JoinedAt:   d.JoinedAt,
			LastSeenAt: d.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type revokeDeviceRequest struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	var req revokeDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.table.authorizeDesktop(req.SessionID, bearerToken(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	doomed, err := s.table.revokeDevice(req.SessionID, req.DeviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	for _, c := range doomed {
		c.close()
	}
	s.logger.Info("device revoked", "session_id", req.SessionID, "device_id", req.DeviceID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
