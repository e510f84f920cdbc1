// Package protocol defines the wire envelope exchanged by the desktop,
// the relay, and mobile clients, and the per-connection sequence tracker
// used to detect gaps and stale deliveries.
package protocol

import "encoding/json"

// SchemaVersion is the envelope schema version; every frame carries it.
const SchemaVersion = 1

// Envelope message types.
const (
	TypeCommand         = "command"
	TypeEvent           = "event"
	TypeSnapshot        = "snapshot"
	TypeSnapshotRequest = "relay.snapshot_request"
	TypeAuth            = "relay.auth"
	TypePairRequest     = "relay.pair_request"
	TypePairDecision    = "relay.pair_decision"
	TypeAuthOK          = "auth_ok"
)

// Connection roles reported in auth_ok.
const (
	RoleDesktop = "desktop"
	RoleMobile  = "mobile"
)

// Remotely invocable command names. The set is closed: the desktop rejects
// anything else.
const (
	CommandSendMessage    = "send_message"
	CommandSelectProject  = "select_project"
	CommandSelectThread   = "select_thread"
	CommandNewThread      = "new_thread"
	CommandInterruptTurn  = "interrupt_turn"
	CommandApproveRequest = "approve_request"
	CommandDenyRequest    = "deny_request"
)

var commandNames = map[string]bool{
	CommandSendMessage:    true,
	CommandSelectProject:  true,
	CommandSelectThread:   true,
	CommandNewThread:      true,
	CommandInterruptTurn:  true,
	CommandApproveRequest: true,
	CommandDenyRequest:    true,
}

// CommandPayload is a remote command from a paired device.
type CommandPayload struct {
	Name      string `json:"name"`
	ThreadID  string `json:"thread_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Valid reports whether the command name is in the closed command set.
func (c *CommandPayload) Valid() bool {
	return c != nil && commandNames[c.Name]
}

// SnapshotPayload is a full state dump pushed by the desktop to
// resynchronize a client after a gap or fresh connect. The relay treats
// every section as opaque.
type SnapshotPayload struct {
	Projects         json.RawMessage `json:"projects,omitempty"`
	Threads          json.RawMessage `json:"threads,omitempty"`
	Selection        json.RawMessage `json:"selection,omitempty"`
	Messages         json.RawMessage `json:"messages,omitempty"`
	TurnState        json.RawMessage `json:"turn_state,omitempty"`
	PendingApprovals json.RawMessage `json:"pending_approvals,omitempty"`
}

// Envelope is the outer JSON message wrapping every relay payload. One
// payload field is set per Type; the rest stay empty. RelayConnID and
// RelayDeviceID are attribution fields the relay overwrites on every
// inbound frame before forwarding, so a client can never claim another
// connection's identity.
type Envelope struct {
	SchemaVersion int    `json:"schema_version"`
	Type          string `json:"type"`
	SessionID     string `json:"session_id,omitempty"`
	Seq           int64  `json:"seq,omitempty"`
	TS            int64  `json:"ts,omitempty"` // unix milliseconds at the sender
	RelayConnID   string `json:"relay_conn_id,omitempty"`
	RelayDeviceID string `json:"relay_device_id,omitempty"`

	// relay.auth
	Token string `json:"token,omitempty"`

	// relay.pair_request / relay.pair_decision
	RequestID string `json:"request_id,omitempty"`
	Approved  *bool  `json:"approved,omitempty"`

	// auth_ok
	Role                   string `json:"role,omitempty"`
	DeviceID               string `json:"device_id,omitempty"`
	NextDeviceSessionToken string `json:"next_device_session_token,omitempty"`

	Command  *CommandPayload  `json:"command,omitempty"`
	Event    json.RawMessage  `json:"event,omitempty"`
	Snapshot *SnapshotPayload `json:"snapshot,omitempty"`
}
