// Package control serves the daemon's control socket. Login managers, the
// shell, the compositor and the input pipeline connect here, authenticate
// with kernel-verified credentials, and drive the coordinator through
// length-prefixed, HMAC-signed messages.
package control

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/treeland-project/sessiond/internal/coordinator"
	"github.com/treeland-project/sessiond/internal/eventloop"
	"github.com/treeland-project/sessiond/internal/ipc"
	"github.com/treeland-project/sessiond/internal/logging"
	"github.com/treeland-project/sessiond/internal/metrics"
	"github.com/treeland-project/sessiond/internal/socketproxy"
	"github.com/treeland-project/sessiond/internal/switcher"
	"github.com/treeland-project/sessiond/internal/wlsocket"
)

var log = logging.L("control")

const (
	// MaxConnectionsPerUID limits concurrent connections per user.
	MaxConnectionsPerUID = 8

	// RateLimitAttempts is max connection attempts per UID per window.
	RateLimitAttempts = 20

	// RateLimitWindow is the sliding window for rate limiting.
	RateLimitWindow = 60 * time.Second

	// RequestTimeout bounds how long a request waits for the event loop.
	RequestTimeout = 5 * time.Second
)

type Options struct {
	SocketPath  string
	AllowedUIDs []uint32
	Loop        *eventloop.Loop
	Coordinator *coordinator.Coordinator
	Clock       clockwork.Clock

	// RequestTimeout overrides the package default when positive.
	RequestTimeout time.Duration
}

// Server accepts control connections.
type Server struct {
	socketPath  string
	allowed     map[uint32]bool
	loop        *eventloop.Loop
	coord       *coordinator.Coordinator
	clock       clockwork.Clock
	timeout     time.Duration
	rateLimiter *ipc.RateLimiter
	listener    net.Listener

	mu     sync.RWMutex
	peers  map[string]*Peer
	byUID  map[uint32]int
	closed bool
}

// New creates a server and subscribes it to the coordinator. Call it on the
// event loop, or before the loop runs anything touching the coordinator.
func New(opts Options) *Server {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = RequestTimeout
	}

	allowed := map[uint32]bool{0: true, uint32(os.Getuid()): true}
	for _, uid := range opts.AllowedUIDs {
		allowed[uid] = true
	}

	s := &Server{
		socketPath:  opts.SocketPath,
		allowed:     allowed,
		loop:        opts.Loop,
		coord:       opts.Coordinator,
		clock:       clock,
		timeout:     timeout,
		rateLimiter: ipc.NewRateLimiter(RateLimitAttempts, RateLimitWindow, clock),
		peers:       make(map[string]*Peer),
		byUID:       make(map[uint32]int),
	}

	s.coord.Registry().Subscribe(s.onRegistryEvent)
	s.coord.Switcher().Subscribe(s.onSwitcherChanged)
	s.coord.OnKeyPressed(s.onKeyPressed)
	return s
}

// Start binds the control socket and begins accepting connections.
func (s *Server) Start() error {
	if err := s.setupUnixSocket(); err != nil {
		return fmt.Errorf("control: setup socket: %w", err)
	}
	log.Info("control server listening", "path", s.socketPath)

	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				s.mu.RLock()
				closed := s.closed
				s.mu.RUnlock()
				if closed {
					return
				}
				log.Warn("accept error", logging.KeyError, err)
				continue
			}
			go s.handleConnection(conn)
		}
	}()
	return nil
}

// Listen starts the server and blocks until stopChan is closed.
func (s *Server) Listen(stopChan <-chan struct{}) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-stopChan
	s.Close()
	return nil
}

// Close shuts down the listener and all peers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.socketPath)

	log.Info("control server closed")
}

// Peers returns info about all connected peers ordered by connect time.
func (s *Server) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) peersWithRole(roles ...string) []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Peer
	for _, p := range s.peers {
		for _, r := range roles {
			if p.Role == r {
				out = append(out, p)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

func (s *Server) reject(rawConn net.Conn, reason string, attrs ...any) {
	metrics.ControlRejectedTotal.WithLabelValues(reason).Inc()
	log.Warn("control connection rejected", append([]any{"reason", reason}, attrs...)...)
	rawConn.Close()
}

func (s *Server) handleConnection(rawConn net.Conn) {
	rawConn.SetDeadline(time.Now().Add(ipc.HandshakeTimeout))

	creds, err := ipc.GetPeerCredentials(rawConn)
	if err != nil {
		s.reject(rawConn, "credentials", logging.KeyError, err)
		return
	}

	if !s.allowed[creds.UID] {
		s.reject(rawConn, "uid", logging.KeyPeerUID, creds.UID, "pid", creds.PID)
		return
	}

	if !s.rateLimiter.Allow(creds.IdentityKey()) {
		s.reject(rawConn, "rate_limited", logging.KeyPeerUID, creds.UID, "pid", creds.PID)
		return
	}

	s.mu.RLock()
	uidCount := s.byUID[creds.UID]
	s.mu.RUnlock()
	if uidCount >= MaxConnectionsPerUID {
		s.reject(rawConn, "max_connections", logging.KeyPeerUID, creds.UID, "count", uidCount)
		return
	}

	conn := ipc.NewConn(rawConn)

	env, err := conn.Recv()
	if err != nil {
		s.reject(rawConn, "handshake", logging.KeyPeerUID, creds.UID, logging.KeyError, err)
		return
	}
	if env.Type != ipc.TypeAuthRequest {
		ipc.CloseFDs(env.FDs)
		s.reject(rawConn, "handshake", logging.KeyPeerUID, creds.UID, "type", env.Type)
		return
	}

	var authReq ipc.AuthRequest
	if err := json.Unmarshal(env.Payload, &authReq); err != nil {
		s.reject(rawConn, "handshake", logging.KeyError, err)
		return
	}

	refuse := func(reason string) {
		conn.SendTyped(env.ID, ipc.TypeAuthResponse, ipc.AuthResponse{Accepted: false, Reason: reason})
		s.reject(rawConn, "auth", logging.KeyPeerUID, creds.UID, "detail", reason)
	}
	if authReq.ProtocolVersion != ipc.ProtocolVersion {
		refuse(ErrUnsupportedProto.Error())
		return
	}
	if !ipc.ValidRole(authReq.Role) {
		refuse("unknown role " + authReq.Role)
		return
	}
	if authReq.PID != 0 && authReq.PID != creds.PID {
		refuse("PID mismatch")
		return
	}

	sessionKey, err := ipc.GenerateSessionKey()
	if err != nil {
		log.Error("failed to generate session key", logging.KeyError, err)
		rawConn.Close()
		return
	}

	connID := uuid.NewString()
	authResp := ipc.AuthResponse{
		Accepted:   true,
		SessionKey: hex.EncodeToString(sessionKey),
		ConnID:     connID,
	}
	if err := conn.SendTyped(env.ID, ipc.TypeAuthResponse, authResp); err != nil {
		log.Warn("failed to send auth response", logging.KeyError, err)
		rawConn.Close()
		return
	}

	conn.SetSessionKey(sessionKey)
	rawConn.SetDeadline(time.Time{})

	peer := newPeer(conn, connID, authReq.Role, creds, authReq.Client, s.clock.Now())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		peer.Close()
		return
	}
	s.peers[connID] = peer
	s.byUID[creds.UID]++
	s.mu.Unlock()
	metrics.ControlConnectionsCurrent.WithLabelValues(peer.Role).Inc()

	log.Info("control peer connected",
		"connId", connID,
		"role", peer.Role,
		logging.KeyPeerUID, creds.UID,
		"pid", creds.PID,
		"client", authReq.Client,
	)

	s.recvLoop(peer)

	s.removePeer(peer)
	log.Info("control peer disconnected", "connId", connID, "role", peer.Role)
}

func (s *Server) recvLoop(p *Peer) {
	for {
		env, err := p.conn.Recv()
		if err != nil {
			log.Debug("peer recv loop ended", "connId", p.ID, logging.KeyError, err)
			return
		}
		p.touch(s.clock.Now())

		if env.Type == ipc.TypeDisconnect {
			ipc.CloseFDs(env.FDs)
			return
		}
		s.dispatch(p, env)
	}
}

func (s *Server) removePeer(p *Peer) {
	p.Close()

	s.mu.Lock()
	if _, ok := s.peers[p.ID]; ok {
		delete(s.peers, p.ID)
		s.byUID[p.UID]--
		if s.byUID[p.UID] <= 0 {
			delete(s.byUID, p.UID)
		}
		metrics.ControlConnectionsCurrent.WithLabelValues(p.Role).Dec()
	}
	s.mu.Unlock()

	// Claims die with the connection that made them. The cleanup waits for
	// queue space; a dropped task would leave stale claims in the scan.
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := s.loop.Post(ctx, func() {
		for _, c := range s.coord.Claims().Claims() {
			if o, ok := c.Owner.(claimOwner); ok && o.peer == p {
				s.coord.Claims().DestroyOwner(o)
			}
		}
		metrics.ClaimsCurrent.Set(float64(s.coord.Claims().Len()))
	})
	if err != nil {
		log.Warn("claim cleanup not queued", "peer", p.ID, logging.KeyError, err)
	}
}

func (s *Server) setupUnixSocket() error {
	os.Remove(s.socketPath)

	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}

	// Peers are checked by uid after connecting, so the socket itself is
	// world-connectable.
	if err := os.Chmod(s.socketPath, 0666); err != nil {
		listener.Close()
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}

	s.listener = listener
	return nil
}

// onRegistryEvent runs on the loop. Sockets of removed sessions are closed.
func (s *Server) onRegistryEvent(ev socketproxy.Event) {
	if ev.Kind != socketproxy.SessionDestroyed {
		return
	}
	if sock, ok := ev.Endpoint.(*wlsocket.Socket); ok {
		sock.Close()
	}
}

// onSwitcherChanged runs on the loop.
func (s *Server) onSwitcherChanged(state switcher.State) {
	msg := ipc.SwitcherChanged{State: state.String()}
	for _, p := range s.peersWithRole(ipc.RoleShell, ipc.RoleCompositor) {
		p.Notify(ipc.TypeSwitcherChanged, msg)
	}
}

// onKeyPressed runs on the loop.
func (s *Server) onKeyPressed(ev switcher.KeyEvent) {
	msg := ipc.KeyPressed{Key: ev.Key, Modifiers: ev.Modifiers.Names()}
	for _, p := range s.peersWithRole(ipc.RoleShell) {
		p.Notify(ipc.TypeKeyPressed, msg)
	}
}

// handoff passes a Wayland client accepted on a user socket to the
// compositor. It runs on the socket's accept goroutine.
func (s *Server) handoff(sock *wlsocket.Socket, c *wlsocket.Client) {
	defer c.Conn.Close()

	compositors := s.peersWithRole(ipc.RoleCompositor)
	if len(compositors) == 0 {
		metrics.WaylandClientsTotal.WithLabelValues("no_compositor").Inc()
		log.Warn("dropping wayland client, no compositor connected", logging.KeyUsername, c.Username, "program", c.Program)
		return
	}

	f, err := c.Conn.File()
	if err != nil {
		metrics.WaylandClientsTotal.WithLabelValues("error").Inc()
		log.Warn("failed to dup client connection", logging.KeyUsername, c.Username, logging.KeyError, err)
		return
	}
	defer f.Close()

	msg := ipc.ClientConnected{
		Username: c.Username,
		PID:      c.PID,
		UID:      c.UID,
		Program:  c.Program,
	}
	if err := compositors[0].conn.SendWithFDs(uuid.NewString(), ipc.TypeClientConnected, msg, []int{int(f.Fd())}); err != nil {
		metrics.WaylandClientsTotal.WithLabelValues("error").Inc()
		log.Warn("failed to hand client to compositor", logging.KeyUsername, c.Username, logging.KeyError, err)
		return
	}
	metrics.WaylandClientsTotal.WithLabelValues("handed_off").Inc()
}

func (s *Server) runSync(fn func()) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.loop.RunSync(ctx, fn)
}
