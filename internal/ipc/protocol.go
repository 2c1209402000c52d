package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treeland-project/sessiond/internal/logging"
)

var log = logging.L("ipc")

// ErrFDMismatch is returned when the descriptors received with a message do
// not match the count the sender signed.
var ErrFDMismatch = errors.New("ipc: file descriptor count mismatch")

// zeroKey is used for pre-auth messages (auth_request).
var zeroKey = make([]byte, 32)

// Conn wraps a net.Conn with length-prefixed JSON framing, HMAC signing,
// sequence number validation and, on unix sockets, fd passing.
type Conn struct {
	conn       net.Conn
	sessionKey []byte
	sendSeq    atomic.Uint64
	recvSeq    atomic.Uint64
	mu         sync.Mutex // serializes seq assignment and writes
}

// NewConn wraps a raw connection. Call SetSessionKey after auth completes.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// SetSessionKey sets the HMAC key after the auth handshake.
func (c *Conn) SetSessionKey(key []byte) {
	c.sessionKey = key
}

func (c *Conn) SessionKey() []byte {
	return c.sessionKey
}

// Raw returns the wrapped connection.
func (c *Conn) Raw() net.Conn {
	return c.conn
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Send marshals an Envelope and writes it as [4-byte BE length][JSON], with
// env.FDs attached to the same write. It sets the sequence number and HMAC.
func (c *Conn) Send(env *Envelope) error {
	if len(env.FDs) > MaxFDs {
		return fmt.Errorf("ipc: too many fds: %d > %d", len(env.FDs), MaxFDs)
	}

	// Sequence numbers must hit the wire in order.
	c.mu.Lock()
	defer c.mu.Unlock()

	env.NumFDs = len(env.FDs)
	env.Seq = c.sendSeq.Add(1)
	env.HMAC = c.computeHMAC(env)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("ipc: message too large: %d > %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if err := c.writeFrame(frame, env.FDs); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}

// Recv reads one message, validating HMAC, sequence and fd count. The
// caller owns any descriptors in the returned envelope's FDs.
func (c *Conn) Recv() (*Envelope, error) {
	header := make([]byte, 4)
	fds, err := c.readHeader(header)
	if err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}

	env, err := c.readBody(header)
	if err != nil {
		CloseFDs(fds)
		return nil, err
	}

	if env.NumFDs != len(fds) {
		CloseFDs(fds)
		return nil, fmt.Errorf("%w: signed %d, received %d", ErrFDMismatch, env.NumFDs, len(fds))
	}
	env.FDs = fds
	return env, nil
}

func (c *Conn) readBody(header []byte) (*Envelope, error) {
	length := binary.BigEndian.Uint32(header)
	if length > uint32(MaxMessageSize) {
		return nil, fmt.Errorf("ipc: message too large: %d > %d", length, MaxMessageSize)
	}
	if length == 0 {
		return nil, fmt.Errorf("ipc: zero-length message")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}

	expected := c.computeHMAC(&env)
	if !hmac.Equal([]byte(env.HMAC), []byte(expected)) {
		return nil, fmt.Errorf("ipc: HMAC mismatch")
	}

	// Sequence numbers must be strictly increasing.
	prevSeq := c.recvSeq.Load()
	if env.Seq <= prevSeq && prevSeq > 0 {
		return nil, fmt.Errorf("ipc: sequence number %d <= last %d (replay/duplicate)", env.Seq, prevSeq)
	}
	c.recvSeq.Store(env.Seq)

	return &env, nil
}

// SendTyped wraps a typed payload into an Envelope and sends it.
func (c *Conn) SendTyped(id, msgType string, payload any) error {
	return c.SendWithFDs(id, msgType, payload, nil)
}

// SendWithFDs is SendTyped with descriptors attached.
func (c *Conn) SendWithFDs(id, msgType string, payload any, fds []int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return c.Send(&Envelope{
		ID:      id,
		Type:    msgType,
		Payload: raw,
		FDs:     fds,
	})
}

// SendError sends an error envelope answering request id.
func (c *Conn) SendError(id, errMsg string) error {
	return c.Send(&Envelope{
		ID:    id,
		Type:  TypeError,
		Error: errMsg,
	})
}

// computeHMAC calculates HMAC-SHA256(key, id||seq||type||fds||payload).
func (c *Conn) computeHMAC(env *Envelope) string {
	key := c.sessionKey
	if key == nil {
		key = zeroKey
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(env.ID))
	mac.Write([]byte(strconv.FormatUint(env.Seq, 10)))
	mac.Write([]byte(env.Type))
	mac.Write([]byte(strconv.Itoa(env.NumFDs)))
	mac.Write(env.Payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateSessionKey creates a cryptographically random 256-bit key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ipc: generate session key: %w", err)
	}
	return key, nil
}
