package ipc

import "encoding/json"

// Message type constants for the control protocol.
const (
	TypeAuthRequest  = "auth_request"
	TypeAuthResponse = "auth_response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeAck          = "ack"
	TypeError        = "error"
	TypeDisconnect   = "disconnect"

	// Session manager
	TypeSessionRegister   = "session_register"
	TypeSessionUnregister = "session_unregister"
	TypeSessionActivate   = "session_activate"
	TypeSessionList       = "session_list"
	TypeSessionListResult = "session_list_result"

	// Output subsystem
	TypeOutputUpdate = "output_update"
	TypeOutputRemove = "output_remove"

	// Shell surfaces
	TypeClaimRefresh = "claim_refresh"
	TypeClaimDestroy = "claim_destroy"
	TypeOverlapped   = "overlapped"

	// Compositor window geometry
	TypeSurfaceUpdate  = "surface_update"
	TypeSurfaceDestroy = "surface_destroy"

	// Input
	TypeKeyEvent        = "key_event"
	TypeKeyEventResult  = "key_event_result"
	TypeSwitcherChanged = "switcher_changed"
	TypeKeyPressed      = "key_pressed"

	// Wayland client handoff to the compositor
	TypeClientConnected = "client_connected"
)

// Peer roles. A role decides which message types a connection may send.
const (
	RoleLoginManager = "login_manager"
	RoleShell        = "shell"
	RoleInput        = "input"
	RoleCompositor   = "compositor"
	RoleCLI          = "cli"
)

// ValidRole reports whether role is known.
func ValidRole(role string) bool {
	switch role {
	case RoleLoginManager, RoleShell, RoleInput, RoleCompositor, RoleCLI:
		return true
	}
	return false
}

// MaxMessageSize is the maximum size of a JSON control message (1MB).
const MaxMessageSize = 1 * 1024 * 1024

// MaxFDs is the most file descriptors a single message may carry.
const MaxFDs = 4

// ProtocolVersion is the current control protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all control messages. FDs travel
// out of band as SCM_RIGHTS; NumFDs is covered by the HMAC so a receiver can
// tell when descriptors were dropped or injected.
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Error   string          `json:"error,omitempty"`
	NumFDs  int             `json:"fds,omitempty"`
	HMAC    string          `json:"hmac"`

	FDs []int `json:"-"`
}

// AuthRequest is the first message a peer sends after connecting.
type AuthRequest struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Role            string `json:"role"`
	PID             int    `json:"pid"`
	Client          string `json:"client,omitempty"`
}

// AuthResponse answers AuthRequest.
type AuthResponse struct {
	Accepted   bool   `json:"accepted"`
	SessionKey string `json:"sessionKey,omitempty"`
	ConnID     string `json:"connId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SessionRegister hands the daemon a user's listening Wayland socket. The
// socket fd is attached to the envelope.
type SessionRegister struct {
	Username   string `json:"username"`
	SocketPath string `json:"socketPath"`
}

// SessionRef names a user for unregister and activate.
type SessionRef struct {
	Username string `json:"username"`
}

// SessionInfo describes one registered session.
type SessionInfo struct {
	Username   string `json:"username" yaml:"username"`
	SocketPath string `json:"socketPath" yaml:"socketPath"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// SessionListResult answers session_list.
type SessionListResult struct {
	Sessions     []SessionInfo `json:"sessions" yaml:"sessions"`
	ActiveUser   string        `json:"activeUser,omitempty" yaml:"activeUser,omitempty"`
	ActiveSocket string        `json:"activeSocket,omitempty" yaml:"activeSocket,omitempty"`
}

// OutputUpdate adds or resizes an output.
type OutputUpdate struct {
	OutputID string `json:"outputId"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// OutputRef names an output.
type OutputRef struct {
	OutputID string `json:"outputId"`
}

// ClaimRefresh creates or updates a shell surface claim. Anchor uses the
// shell protocol bitmask (top=1, bottom=2, left=4, right=8).
type ClaimRefresh struct {
	ClaimID  string `json:"claimId"`
	OutputID string `json:"outputId"`
	Anchor   uint32 `json:"anchor"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// ClaimRef names a claim.
type ClaimRef struct {
	ClaimID string `json:"claimId"`
}

// Overlapped is sent to a claim's owner after every scan that visits it.
type Overlapped struct {
	ClaimID    string `json:"claimId"`
	Overlapped bool   `json:"overlapped"`
}

// SurfaceUpdate maps a window on first sight and updates its geometry
// afterwards. Monitored is only read when the window is first mapped.
type SurfaceUpdate struct {
	SurfaceID string `json:"surfaceId"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Monitored bool   `json:"monitored"`
}

// SurfaceRef names a window.
type SurfaceRef struct {
	SurfaceID string `json:"surfaceId"`
}

// KeyEvent is a raw key event from the input pipeline.
type KeyEvent struct {
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers,omitempty"` // "ctrl", "alt", "shift", "meta"
	Pressed   bool     `json:"pressed"`
}

// KeyEventResult tells the input pipeline whether to stop propagation.
type KeyEventResult struct {
	Consumed bool `json:"consumed"`
}

// KeyPressed mirrors every key press to the shell, consumed or not.
type KeyPressed struct {
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers,omitempty"`
}

// SwitcherChanged carries the new window-switcher mode.
type SwitcherChanged struct {
	State string `json:"state"`
}

// ClientConnected hands an accepted Wayland client to the compositor. The
// client connection fd is attached to the envelope.
type ClientConnected struct {
	Username string `json:"username"`
	PID      int    `json:"pid,omitempty"`
	UID      uint32 `json:"uid,omitempty"`
	Program  string `json:"program,omitempty"`
}
