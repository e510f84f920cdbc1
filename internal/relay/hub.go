package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"remotelink/internal/protocol"
)

const (
	roleDesktop = protocol.RoleDesktop
	roleMobile  = protocol.RoleMobile
)

const maxFrameBytes = 1 << 20 // 1MB; snapshots are the largest frames

// conn is one authenticated WebSocket connection. Writes go through
// writeJSON: gorilla connections do not allow concurrent writers.
type conn struct {
	id        string
	role      string
	sessionID string
	deviceID  string // mobile only

	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *conn) close() {
	_ = c.ws.Close()
}

// closePolicyViolation closes the socket with close code 1008 and no detail,
// so a failed credential and an unknown session are indistinguishable.
func closePolicyViolation(ws *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""), deadline)
	_ = ws.Close()
}

// makeUpgrader builds a WebSocket upgrader enforcing the origin allow-list.
// An empty Origin header is a non-browser client and is allowed.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// handleWS runs the auth-first WebSocket protocol: the first frame must be
// relay.auth within the auth timeout, then the connection joins its
// session's hub until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	_ = ws.SetReadDeadline(time.Now().Add(s.authTimeout))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		closePolicyViolation(ws)
		return
	}
	var authEnv protocol.Envelope
	if err := json.Unmarshal(frame, &authEnv); err != nil || authEnv.Type != protocol.TypeAuth || authEnv.Token == "" {
		closePolicyViolation(ws)
		return
	}

	res, err := s.table.authenticate(authEnv.Token)
	if err != nil {
		closePolicyViolation(ws)
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &conn{
		id:        uuid.New().String(),
		role:      res.role,
		sessionID: res.sessionID,
		deviceID:  res.deviceID,
		ws:        ws,
	}
	ok := protocol.Envelope{
		SchemaVersion:          protocol.SchemaVersion,
		Type:                   protocol.TypeAuthOK,
		SessionID:              res.sessionID,
		Role:                   res.role,
		DeviceID:               res.deviceID,
		NextDeviceSessionToken: res.nextToken,
	}
	if err := c.writeJSON(&ok); err != nil {
		c.close()
		return
	}

	if replaced := s.table.attach(c); replaced != nil {
		replaced.close()
	}
	s.logger.Info("connection authenticated",
		"session_id", res.sessionID, "role", res.role, "conn_id", c.id)

	s.readLoop(c)

	s.table.detach(c)
	c.close()
	s.logger.Info("connection closed",
		"session_id", c.sessionID, "role", c.role, "conn_id", c.id)
}

func (s *Server) readLoop(c *conn) {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.logger.Debug("dropping unparseable frame", "conn_id", c.id)
			continue
		}
		s.table.touch(c)

		// Anti-spoofing: attribution and session identity come from the
		// authenticated connection, never from the frame.
		env.SessionID = c.sessionID
		env.RelayConnID = c.id
		env.RelayDeviceID = c.deviceID

		switch c.role {
		case roleDesktop:
			s.handleDesktopFrame(c, &env)
		case roleMobile:
			s.handleMobileFrame(c, &env)
		}
	}
}

// handleDesktopFrame routes frames from the desktop control socket:
// pair decisions resolve suspended joins; events and snapshots fan out to
// the session's mobile sockets.
func (s *Server) handleDesktopFrame(c *conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePairDecision:
		if env.RequestID == "" || env.Approved == nil {
			return
		}
		if !s.pending.resolve(env.RequestID, *env.Approved) {
			s.logger.Debug("pair decision for unknown request", "request_id", env.RequestID)
		}
	case protocol.TypeEvent, protocol.TypeSnapshot:
		for _, m := range s.table.mobileConns(c.sessionID) {
			if err := m.writeJSON(env); err != nil {
				s.logger.Debug("forward to mobile failed", "conn_id", m.id, "error", err)
			}
		}
	default:
		s.logger.Debug("dropping unexpected desktop frame", "type", env.Type)
	}
}

// handleMobileFrame routes frames from mobile sockets: commands and snapshot
// requests go to the desktop with truthful attribution already applied.
func (s *Server) handleMobileFrame(c *conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCommand, protocol.TypeSnapshotRequest:
		d := s.table.desktopConn(c.sessionID)
		if d == nil {
			s.logger.Debug("no desktop socket; dropping frame",
				"session_id", c.sessionID, "type", env.Type)
			return
		}
		if err := d.writeJSON(env); err != nil {
			s.logger.Debug("forward to desktop failed", "error", err)
		}
	default:
		s.logger.Debug("dropping unexpected mobile frame", "type", env.Type)
	}
}
