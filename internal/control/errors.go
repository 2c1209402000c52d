package control

import "errors"

var (
	ErrServerClosed     = errors.New("control: server is closed")
	ErrNotAllowed       = errors.New("control: message type not allowed for role")
	ErrNoCompositor     = errors.New("control: no compositor connected")
	ErrClaimOwned       = errors.New("control: claim belongs to another connection")
	ErrMissingSocket    = errors.New("control: session_register needs a socket fd or path")
	ErrTooManyFDs       = errors.New("control: unexpected file descriptors")
	ErrPeerQueueFull    = errors.New("control: peer send queue full")
	ErrMaxConnections   = errors.New("control: max connections per UID exceeded")
	ErrUnsupportedProto = errors.New("control: unsupported protocol version")
)
