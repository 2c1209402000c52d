package ipc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// HandshakeTimeout bounds the auth exchange on both sides.
const HandshakeTimeout = 5 * time.Second

// ErrRejected is returned when the daemon refuses the auth request.
var ErrRejected = errors.New("ipc: connection rejected")

// Dial connects to the control socket and authenticates as role. It
// returns the keyed connection and the connection ID the daemon assigned.
func Dial(ctx context.Context, socketPath, role, client string) (*Conn, string, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, "", fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}

	conn := NewConn(raw)
	connID, err := authenticate(conn, role, client)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	return conn, connID, nil
}

func authenticate(conn *Conn, role, client string) (string, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	req := AuthRequest{
		ProtocolVersion: ProtocolVersion,
		Role:            role,
		PID:             os.Getpid(),
		Client:          client,
	}
	if err := conn.SendTyped("auth", TypeAuthRequest, req); err != nil {
		return "", fmt.Errorf("ipc: send auth request: %w", err)
	}

	env, err := conn.Recv()
	if err != nil {
		return "", fmt.Errorf("ipc: recv auth response: %w", err)
	}
	if env.Type != TypeAuthResponse {
		return "", fmt.Errorf("ipc: expected %s, got %s", TypeAuthResponse, env.Type)
	}

	var resp AuthResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return "", fmt.Errorf("ipc: unmarshal auth response: %w", err)
	}
	if !resp.Accepted {
		return "", fmt.Errorf("%w: %s", ErrRejected, resp.Reason)
	}

	key, err := hex.DecodeString(resp.SessionKey)
	if err != nil {
		return "", fmt.Errorf("ipc: decode session key: %w", err)
	}
	conn.SetSessionKey(key)
	return resp.ConnID, nil
}

// Request sends a message and waits for the reply carrying the same ID.
// Unrelated messages that arrive first are dropped. An error reply is
// returned as an error.
func Request(ctx context.Context, conn *Conn, id, msgType string, payload any, fds []int) (*Envelope, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}

	if err := conn.SendWithFDs(id, msgType, payload, fds); err != nil {
		return nil, err
	}

	for {
		env, err := conn.Recv()
		if err != nil {
			return nil, err
		}
		if env.ID != id {
			CloseFDs(env.FDs)
			continue
		}
		if env.Type == TypeError {
			return env, fmt.Errorf("ipc: %s: %s", msgType, env.Error)
		}
		return env, nil
	}
}
