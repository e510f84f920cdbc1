package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"remotelink/internal/security"
	"remotelink/internal/session/domain"
)

// Sentinel errors; the HTTP and WebSocket layers map them to codes without
// adding detail that would distinguish unknown sessions from wrong tokens.
var (
	ErrUnauthorized = errors.New("relay: unauthorized")
)

// deviceRecord is the relay's state for one paired device. The current and
// superseded tokens are stored as hashes only; the raw value is returned to
// the device once and never kept.
type deviceRecord struct {
	id            string
	name          string
	tokenHash     string
	prevTokenHash string    // superseded by rotation; honored until prevDeadline
	prevDeadline  time.Time // wall-clock bound, not a one-shot flag
	joinedAt      time.Time
	lastSeenAt    time.Time
	conns         int // live WebSocket connections
}

// sessionRecord is the relay-side state for one pairing session. Mutated
// only under the owning table's lock.
type sessionRecord struct {
	id               string
	desktopTokenHash string
	joinTokenHash    string
	joinExpiresAt    time.Time
	joinUsed         bool
	wsURL            string
	idleTimeout      time.Duration
	createdAt        time.Time
	lastActivity     time.Time

	desktop *conn
	mobiles map[string]*conn // conn ID -> conn
	devices map[string]*deviceRecord
}

// authResult identifies an authenticated WebSocket connection.
type authResult struct {
	role      string
	sessionID string
	deviceID  string
	nextToken string // rotated device token; mobile only
}

// table is the single in-memory session store of the relay process.
type table struct {
	nowF  func() time.Time
	grace time.Duration // rotation grace window for superseded device tokens

	mu       sync.RWMutex
	sessions map[string]*sessionRecord
}

func newTable(nowF func() time.Time, grace time.Duration) *table {
	if nowF == nil {
		nowF = func() time.Time { return time.Now().UTC() }
	}
	return &table{
		nowF:     nowF,
		grace:    grace,
		sessions: make(map[string]*sessionRecord),
	}
}

// start registers a session record. Re-registering a session ID replaces the
// old record and closes its sockets (the desktop restarted pairing).
func (t *table) start(sessionID, desktopToken, joinToken string, joinExpiresAt time.Time, wsURL string, idleTimeout time.Duration) {
	t.mu.Lock()
	old := t.sessions[sessionID]
	now := t.nowF()
	t.sessions[sessionID] = &sessionRecord{
		id:               sessionID,
		desktopTokenHash: security.HashToken(desktopToken),
		joinTokenHash:    security.HashToken(joinToken),
		joinExpiresAt:    joinExpiresAt,
		wsURL:            wsURL,
		idleTimeout:      idleTimeout,
		createdAt:        now,
		lastActivity:     now,
		mobiles:          make(map[string]*conn),
		devices:          make(map[string]*deviceRecord),
	}
	t.mu.Unlock()

	if old != nil {
		closeSessionConns(old)
	}
}

// consumeJoin validates and consumes the session's join token. The token is
// consumed on a successful match regardless of how the pairing decision
// later resolves; failures are uniformly ErrUnauthorized.
func (t *table) consumeJoin(sessionID, joinToken string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.sessions[sessionID]
	if !ok {
		return ErrUnauthorized
	}
	if !security.TokenHashEqual(joinToken, rec.joinTokenHash) {
		return ErrUnauthorized
	}
	if rec.joinUsed || !t.nowF().Before(rec.joinExpiresAt) {
		return ErrUnauthorized
	}
	rec.joinUsed = true
	rec.lastActivity = t.nowF()
	return nil
}

// addDevice mints a new device with a fresh rotating session token after an
// approved join. Returns the device ID and the raw token.
func (t *table) addDevice(sessionID, name string) (deviceID, token string, err error) {
	token, err = security.RandomToken(nil, security.TokenBytes)
	if err != nil {
		return "", "", err
	}
	deviceID = uuid.New().String()

	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.sessions[sessionID]
	if !ok {
		return "", "", ErrUnauthorized
	}
	now := t.nowF()
	rec.devices[deviceID] = &deviceRecord{
		id:         deviceID,
		name:       name,
		tokenHash:  security.HashToken(token),
		joinedAt:   now,
		lastSeenAt: now,
	}
	rec.lastActivity = now
	return deviceID, token, nil
}

// authenticate resolves a first-frame auth token to a role. A desktop token
// authenticates the control socket; a device's current token, or its
// superseded token inside the grace window, authenticates a mobile socket
// and rotates the token. Every comparison is constant-time and failures are
// indistinguishable.
func (t *table) authenticate(token string) (authResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowF()
	for _, rec := range t.sessions {
		if security.TokenHashEqual(token, rec.desktopTokenHash) {
			rec.lastActivity = now
			return authResult{role: roleDesktop, sessionID: rec.id}, nil
		}
		for _, dev := range rec.devices {
			current := security.TokenHashEqual(token, dev.tokenHash)
			superseded := dev.prevTokenHash != "" &&
				security.TokenHashEqual(token, dev.prevTokenHash) &&
				now.Before(dev.prevDeadline)
			if !current && !superseded {
				continue
			}
			next, err := security.RandomToken(nil, security.TokenBytes)
			if err != nil {
				return authResult{}, err
			}
			// Rotate: the value just used is honored only inside the grace
			// window, and a rotated-out value is never reissued.
			dev.prevTokenHash = security.HashToken(token)
			dev.prevDeadline = now.Add(t.grace)
			dev.tokenHash = security.HashToken(next)
			dev.lastSeenAt = now
			rec.lastActivity = now
			return authResult{
				role:      roleMobile,
				sessionID: rec.id,
				deviceID:  dev.id,
				nextToken: next,
			}, nil
		}
	}
	return authResult{}, ErrUnauthorized
}

// authorizeDesktop checks a bearer token against one session's desktop
// token, for the control API.
func (t *table) authorizeDesktop(sessionID, token string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.sessions[sessionID]
	if !ok || !security.TokenHashEqual(token, rec.desktopTokenHash) {
		return ErrUnauthorized
	}
	return nil
}

// listDevices returns the session's devices sorted by join time.
func (t *table) listDevices(sessionID string) ([]domain.TrustedDevice, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrUnauthorized
	}
	out := make([]domain.TrustedDevice, 0, len(rec.devices))
	for _, dev := range rec.devices {
		out = append(out, domain.TrustedDevice{
			DeviceID:   dev.id,
			DeviceName: dev.name,
			Connected:  dev.conns > 0,
			JoinedAt:   dev.joinedAt,
			LastSeenAt: dev.lastSeenAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// revokeDevice removes the device and returns its live connections for the
// caller to close outside the lock.
func (t *table) revokeDevice(sessionID, deviceID string) ([]*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.sessions[sessionID]
	if !ok {
		return nil, ErrUnauthorized
	}
	if _, ok := rec.devices[deviceID]; !ok {
		return nil, ErrUnauthorized
	}
	delete(rec.devices, deviceID)
	var doomed []*conn
	for id, c := range rec.mobiles {
		if c.deviceID == deviceID {
			delete(rec.mobiles, id)
			doomed = append(doomed, c)
		}
	}
	rec.lastActivity = t.nowF()
	return doomed, nil
}

// stop removes the session record entirely and returns its connections for
// closing. Unknown sessions are not an error: stop is idempotent.
func (t *table) stop(sessionID string) []*conn {
	t.mu.Lock()
	rec, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return sessionConns(rec)
}

// attach registers an authenticated connection with its session. A new
// desktop socket replaces the previous one, which is returned for closing.
func (t *table) attach(c *conn) (replaced *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.sessions[c.sessionID]
	if !ok {
		return nil
	}
	now := t.nowF()
	rec.lastActivity = now
	if c.role == roleDesktop {
		replaced = rec.desktop
		rec.desktop = c
		return replaced
	}
	rec.mobiles[c.id] = c
	if dev, ok := rec.devices[c.deviceID]; ok {
		dev.conns++
		dev.lastSeenAt = now
	}
	return nil
}

// detach unregisters a connection after its read loop ends. A mobile
// disconnect never ends the session; its rotated token stays valid.
func (t *table) detach(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.sessions[c.sessionID]
	if !ok {
		return
	}
	now := t.nowF()
	rec.lastActivity = now
	if c.role == roleDesktop {
		if rec.desktop == c {
			rec.desktop = nil
		}
		return
	}
	delete(rec.mobiles, c.id)
	if dev, ok := rec.devices[c.deviceID]; ok && dev.conns > 0 {
		dev.conns--
		dev.lastSeenAt = now
	}
}

// touch records activity and updates the device's last-seen time.
func (t *table) touch(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.sessions[c.sessionID]
	if !ok {
		return
	}
	now := t.nowF()
	rec.lastActivity = now
	if dev, ok := rec.devices[c.deviceID]; ok {
		dev.lastSeenAt = now
	}
}

// sessionWSURL returns the WebSocket URL recorded at pair/start.
func (t *table) sessionWSURL(sessionID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.sessions[sessionID]; ok {
		return rec.wsURL
	}
	return ""
}

// desktopConn returns the session's current desktop socket, if any.
func (t *table) desktopConn(sessionID string) *conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.sessions[sessionID]; ok {
		return rec.desktop
	}
	return nil
}

// mobileConns returns the session's live mobile sockets.
func (t *table) mobileConns(sessionID string) []*conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]*conn, 0, len(rec.mobiles))
	for _, c := range rec.mobiles {
		out = append(out, c)
	}
	return out
}

// sweepIdle removes sessions idle past their timeout and returns their
// connections for closing.
func (t *table) sweepIdle() []*conn {
	t.mu.Lock()
	now := t.nowF()
	var doomed []*conn
	for id, rec := range t.sessions {
		if rec.idleTimeout <= 0 {
			continue
		}
		if now.Sub(rec.lastActivity) > rec.idleTimeout {
			delete(t.sessions, id)
			doomed = append(doomed, sessionConns(rec)...)
		}
	}
	t.mu.Unlock()
	return doomed
}

func sessionConns(rec *sessionRecord) []*conn {
	var all []*conn
	if rec.desktop != nil {
		all = append(all, rec.desktop)
	}
	for _, c := range rec.mobiles {
		all = append(all, c)
	}
	return all
}

func closeSessionConns(rec *sessionRecord) {
	for _, c := range sessionConns(rec) {
		c.close()
	}
}
