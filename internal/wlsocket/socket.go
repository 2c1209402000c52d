// Package wlsocket serves one user's Wayland display socket. A socket only
// hands clients on while it is enabled; clients that connect to a disabled
// socket wait until their user is switched to.
package wlsocket

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/treeland-project/sessiond/internal/clientinfo"
	"github.com/treeland-project/sessiond/internal/ipc"
	"github.com/treeland-project/sessiond/internal/logging"
)

var log = logging.L("wlsocket")

// MaxPending is how many clients a disabled socket holds before it starts
// turning new ones away.
const MaxPending = 32

var (
	ErrNotUnix = errors.New("wlsocket: descriptor is not a unix listener")
	ErrClosed  = errors.New("wlsocket: socket closed")
)

// Client is an accepted Wayland client. The handler owns Conn.
type Client struct {
	Username string
	Conn     *net.UnixConn
	PID      int
	UID      uint32
	Program  string
}

// Handler receives clients accepted while the socket is enabled.
type Handler func(s *Socket, c *Client)

// Socket is a per-user display socket. It implements socketproxy.Endpoint
// and is compared by pointer.
type Socket struct {
	username string
	path     string
	owned    bool
	listener *net.UnixListener
	handler  Handler

	mu          sync.Mutex
	enabled     bool
	closed      bool
	pending     []*net.UnixConn
	ready       []*net.UnixConn // handed off in order by one drainer
	dispatching bool
}

// FromFD adopts an already listening socket handed over by the session
// manager. The descriptor is owned by the Socket afterwards.
func FromFD(username, path string, fd int, handler Handler) (*Socket, error) {
	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		return nil, fmt.Errorf("wlsocket: bad descriptor %d", fd)
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("wlsocket: adopt fd %d: %w", fd, err)
	}
	ul, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, ErrNotUnix
	}
	ul.SetUnlinkOnClose(false)

	return newSocket(username, path, ul, false, handler), nil
}

// Listen creates the socket file at path itself. The file is removed on
// Close.
func Listen(username, path string, handler Handler) (*Socket, error) {
	os.Remove(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("wlsocket: mkdir: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("wlsocket: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0777); err != nil {
		ln.Close()
		return nil, fmt.Errorf("wlsocket: chmod %s: %w", path, err)
	}

	return newSocket(username, path, ln, true, handler), nil
}

func newSocket(username, path string, ln *net.UnixListener, owned bool, handler Handler) *Socket {
	return &Socket{
		username: username,
		path:     path,
		owned:    owned,
		listener: ln,
		handler:  handler,
	}
}

func (s *Socket) Username() string { return s.username }
func (s *Socket) Path() string     { return s.path }

// Serve accepts clients until the socket is closed.
func (s *Socket) Serve() error {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Warn("accept failed", logging.KeyUsername, s.username, logging.KeyError, err)
			return err
		}
		s.admit(conn)
	}
}

func (s *Socket) admit(conn *net.UnixConn) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		conn.Close()
		return
	case !s.enabled:
		if len(s.pending) >= MaxPending {
			s.mu.Unlock()
			log.Warn("disabled socket backlog full, dropping client", logging.KeyUsername, s.username)
			conn.Close()
			return
		}
		s.pending = append(s.pending, conn)
		s.mu.Unlock()
		log.Debug("client waiting on disabled socket", logging.KeyUsername, s.username)
		return
	}
	s.ready = append(s.ready, conn)
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	s.mu.Unlock()

	s.drain()
}

// SetEnabled gates client handoff. Enabling releases clients that
// connected while the socket was disabled.
func (s *Socket) SetEnabled(enabled bool) {
	s.mu.Lock()
	if s.closed || s.enabled == enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = enabled
	start := false
	if enabled && len(s.pending) > 0 {
		s.ready = append(s.ready, s.pending...)
		s.pending = nil
		if !s.dispatching {
			s.dispatching = true
			start = true
		}
	}
	s.mu.Unlock()

	log.Debug("socket enabled changed", logging.KeyUsername, s.username, "enabled", enabled)

	if start {
		go s.drain()
	}
}

// drain hands off ready clients in arrival order until none are left.
// Only one drainer runs at a time, so clients released on enable go out
// before clients accepted after it.
func (s *Socket) drain() {
	for {
		s.mu.Lock()
		if len(s.ready) == 0 {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		conn := s.ready[0]
		s.ready = s.ready[1:]
		closed := s.closed
		s.mu.Unlock()

		if closed {
			conn.Close()
			continue
		}
		s.dispatch(conn)
	}
}

func (s *Socket) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Pending returns the number of clients held by a disabled socket.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Socket) dispatch(conn *net.UnixConn) {
	c := &Client{Username: s.username, Conn: conn}
	if creds, err := ipc.GetPeerCredentials(conn); err == nil {
		c.PID = creds.PID
		c.UID = creds.UID
		c.Program = clientinfo.ProgramName(creds.PID)
	} else {
		log.Debug("no peer credentials for client", logging.KeyUsername, s.username, logging.KeyError, err)
	}

	log.Info("client connected",
		logging.KeyUsername, s.username,
		"pid", c.PID,
		"program", c.Program,
	)

	if s.handler == nil {
		conn.Close()
		return
	}
	s.handler(s, c)
}

// Close stops accepting and drops clients still waiting.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	if !s.dispatching {
		pending = append(pending, s.ready...)
		s.ready = nil
	}
	s.mu.Unlock()

	for _, conn := range pending {
		conn.Close()
	}
	err := s.listener.Close()
	if s.owned {
		os.Remove(s.path)
	}
	log.Info("socket closed", logging.KeyUsername, s.username, "path", s.path)
	return err
}
