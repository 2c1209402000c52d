//go:build linux

package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/treeland-project/sessiond/internal/coordinator"
	"github.com/treeland-project/sessiond/internal/eventloop"
	"github.com/treeland-project/sessiond/internal/ipc"
)

type harness struct {
	srv   *Server
	coord *coordinator.Coordinator
	loop  *eventloop.Loop
	path  string
	dir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, 64, 0)
}

func newHarnessWith(t *testing.T, queueSize int, timeout time.Duration) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		loop: eventloop.New(clockwork.NewRealClock(), queueSize),
		path: filepath.Join(dir, "ctl.sock"),
		dir:  dir,
	}

	err := h.loop.RunSync(context.Background(), func() {
		h.coord = coordinator.New(coordinator.Options{
			Scheduler: coordinator.LoopScheduler(h.loop),
			Debounce:  20 * time.Millisecond,
		})
		h.srv = New(Options{SocketPath: h.path, Loop: h.loop, Coordinator: h.coord, RequestTimeout: timeout})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := h.srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	t.Cleanup(func() {
		h.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.loop.Drain(ctx)
	})
	return h
}

func (h *harness) dial(t *testing.T, role string) *ipc.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, connID, err := ipc.Dial(ctx, h.path, role, "test")
	if err != nil {
		t.Fatalf("Dial(%s): %v", role, err)
	}
	if connID == "" {
		t.Fatal("expected a connection ID")
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func request(t *testing.T, conn *ipc.Conn, msgType string, payload any, fds ...int) (*ipc.Envelope, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ipc.Request(ctx, conn, uuid.NewString(), msgType, payload, fds)
}

func mustRequest(t *testing.T, conn *ipc.Conn, msgType string, payload any, fds ...int) *ipc.Envelope {
	t.Helper()
	env, err := request(t, conn, msgType, payload, fds...)
	if err != nil {
		t.Fatalf("%s: %v", msgType, err)
	}
	return env
}

// recvType reads until a message of msgType arrives.
func recvType(t *testing.T, conn *ipc.Conn, msgType string) *ipc.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		env, err := conn.Recv()
		if err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if env.Type == msgType {
			return env
		}
		ipc.CloseFDs(env.FDs)
	}
}

func listenFD(t *testing.T, path string) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		unix.Close(fd)
		t.Fatalf("listen: %v", err)
	}
	return fd
}

func sessionList(t *testing.T, conn *ipc.Conn) ipc.SessionListResult {
	t.Helper()
	env := mustRequest(t, conn, ipc.TypeSessionList, nil)
	var res ipc.SessionListResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		t.Fatalf("unmarshal session list: %v", err)
	}
	return res
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	lm := h.dial(t, ipc.RoleLoginManager)
	comp := h.dial(t, ipc.RoleCompositor)
	mustRequest(t, comp, ipc.TypePing, nil)

	alicePath := filepath.Join(h.dir, "wayland-alice")
	fd := listenFD(t, alicePath)
	mustRequest(t, lm, ipc.TypeSessionRegister, ipc.SessionRegister{Username: "alice", SocketPath: alicePath}, fd)
	unix.Close(fd)

	bobPath := filepath.Join(h.dir, "wayland-bob")
	mustRequest(t, lm, ipc.TypeSessionRegister, ipc.SessionRegister{Username: "bob", SocketPath: bobPath})

	res := sessionList(t, lm)
	if len(res.Sessions) != 2 || res.Sessions[0].Username != "alice" || res.Sessions[1].Username != "bob" {
		t.Fatalf("sessions = %+v", res.Sessions)
	}
	if res.ActiveUser != "" {
		t.Fatalf("new sessions should start disabled, active = %q", res.ActiveUser)
	}

	mustRequest(t, lm, ipc.TypeSessionActivate, ipc.SessionRef{Username: "alice"})
	res = sessionList(t, lm)
	if res.ActiveUser != "alice" || res.ActiveSocket != alicePath {
		t.Fatalf("active = %q at %q, want alice at %s", res.ActiveUser, res.ActiveSocket, alicePath)
	}

	client, err := net.Dial("unix", alicePath)
	if err != nil {
		t.Fatalf("dial wayland socket: %v", err)
	}
	defer client.Close()

	env := recvType(t, comp, ipc.TypeClientConnected)
	defer ipc.CloseFDs(env.FDs)
	var cc ipc.ClientConnected
	if err := json.Unmarshal(env.Payload, &cc); err != nil {
		t.Fatalf("unmarshal client_connected: %v", err)
	}
	if cc.Username != "alice" || len(env.FDs) != 1 {
		t.Fatalf("client_connected = %+v with %d fds", cc, len(env.FDs))
	}

	mustRequest(t, lm, ipc.TypeSessionUnregister, ipc.SessionRef{Username: "bob"})
	if _, err := os.Stat(bobPath); !os.IsNotExist(err) {
		t.Fatalf("bob's socket should be removed on unregister, stat err = %v", err)
	}
	if _, err := request(t, lm, ipc.TypeSessionUnregister, ipc.SessionRef{Username: "bob"}); err == nil {
		t.Fatal("unregistering an unknown user should fail")
	}
}

func TestSessionRegisterNeedsSocket(t *testing.T) {
	h := newHarness(t)
	lm := h.dial(t, ipc.RoleLoginManager)

	_, err := request(t, lm, ipc.TypeSessionRegister, ipc.SessionRegister{Username: "alice"})
	if err == nil || !strings.Contains(err.Error(), ErrMissingSocket.Error()) {
		t.Fatalf("register without socket = %v, want ErrMissingSocket", err)
	}
}

func TestClaimOverlapAndSwitcher(t *testing.T) {
	h := newHarness(t)
	shell := h.dial(t, ipc.RoleShell)
	comp := h.dial(t, ipc.RoleCompositor)

	claim := ipc.ClaimRefresh{ClaimID: "top", OutputID: "DP-1", Anchor: 1, Width: 100, Height: 10}
	if _, err := request(t, shell, ipc.TypeClaimRefresh, claim); err == nil {
		t.Fatal("claim on unknown output should be rejected")
	}

	mustRequest(t, comp, ipc.TypeOutputUpdate, ipc.OutputUpdate{OutputID: "DP-1", Width: 100, Height: 100})
	mustRequest(t, shell, ipc.TypeClaimRefresh, claim)
	mustRequest(t, comp, ipc.TypeSurfaceUpdate, ipc.SurfaceUpdate{SurfaceID: "win", Width: 20, Height: 20, Monitored: true})

	env := recvType(t, shell, ipc.TypeOverlapped)
	var ov ipc.Overlapped
	if err := json.Unmarshal(env.Payload, &ov); err != nil {
		t.Fatalf("unmarshal overlapped: %v", err)
	}
	if ov.ClaimID != "top" || !ov.Overlapped {
		t.Fatalf("overlapped = %+v, want top=true", ov)
	}

	env = mustRequest(t, comp, ipc.TypeKeyEvent, ipc.KeyEvent{Key: "Tab", Modifiers: []string{"alt"}, Pressed: true})
	var kr ipc.KeyEventResult
	json.Unmarshal(env.Payload, &kr)
	if !kr.Consumed {
		t.Fatal("Alt+Tab should be consumed")
	}

	env = recvType(t, shell, ipc.TypeKeyPressed)
	var kp ipc.KeyPressed
	json.Unmarshal(env.Payload, &kp)
	if kp.Key != "Tab" || len(kp.Modifiers) != 1 || kp.Modifiers[0] != "alt" {
		t.Fatalf("key_pressed = %+v, want Tab with alt", kp)
	}

	env = recvType(t, shell, ipc.TypeSwitcherChanged)
	var sc ipc.SwitcherChanged
	json.Unmarshal(env.Payload, &sc)
	if sc.State != "visible" {
		t.Fatalf("switcher state = %q, want visible", sc.State)
	}

	shell.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var n int
		h.loop.RunSync(context.Background(), func() { n = h.coord.Claims().Len() })
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("claims of a disconnected shell were not destroyed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// blockLoop parks the loop on a task, optionally filling its queue. The
// returned func unblocks it.
func blockLoop(t *testing.T, h *harness, fill bool) func() {
	t.Helper()
	started := make(chan struct{})
	release := make(chan struct{})
	if !h.loop.Submit(func() {
		close(started)
		<-release
	}) {
		t.Fatal("blocking task rejected")
	}
	<-started
	for fill && h.loop.Submit(func() {}) {
	}
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	return unblock
}

func TestClaimsDestroyedWhenLoopQueueIsFull(t *testing.T) {
	h := newHarnessWith(t, 1, 0)
	comp := h.dial(t, ipc.RoleCompositor)
	shell := h.dial(t, ipc.RoleShell)

	mustRequest(t, comp, ipc.TypeOutputUpdate, ipc.OutputUpdate{OutputID: "DP-1", Width: 100, Height: 100})
	mustRequest(t, shell, ipc.TypeClaimRefresh, ipc.ClaimRefresh{ClaimID: "top", OutputID: "DP-1", Anchor: 1, Width: 100, Height: 10})

	unblock := blockLoop(t, h, true)
	shell.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.srv.PeerCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("peer count = %d, want 1", h.srv.PeerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	unblock()

	deadline = time.Now().Add(2 * time.Second)
	for {
		var n int
		h.loop.RunSync(context.Background(), func() { n = h.coord.Claims().Len() })
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("claims of a shell that left during a full queue were kept")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionRegisterTimeoutLeavesNoSession(t *testing.T) {
	h := newHarnessWith(t, 4, 50*time.Millisecond)
	lm := h.dial(t, ipc.RoleLoginManager)

	unblock := blockLoop(t, h, false)
	path := filepath.Join(h.dir, "wayland-alice")
	_, err := request(t, lm, ipc.TypeSessionRegister, ipc.SessionRegister{Username: "alice", SocketPath: path})
	unblock()
	if err == nil {
		t.Fatal("register on a stalled loop should time out")
	}

	// The register task is still queued and runs after the handler gave up.
	var registered bool
	if err := h.loop.RunSync(context.Background(), func() {
		_, registered = h.coord.Registry().Session("alice")
	}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if registered {
		t.Fatal("a register that timed out should not leave a session behind")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("abandoned socket file should be removed, stat err = %v", err)
	}
}

func TestClaimOwnedByAnotherShell(t *testing.T) {
	h := newHarness(t)
	comp := h.dial(t, ipc.RoleCompositor)
	first := h.dial(t, ipc.RoleShell)
	second := h.dial(t, ipc.RoleShell)

	mustRequest(t, comp, ipc.TypeOutputUpdate, ipc.OutputUpdate{OutputID: "DP-1", Width: 100, Height: 100})
	claim := ipc.ClaimRefresh{ClaimID: "dock", OutputID: "DP-1", Anchor: 2, Width: 100, Height: 40}
	mustRequest(t, first, ipc.TypeClaimRefresh, claim)

	if _, err := request(t, second, ipc.TypeClaimRefresh, claim); err == nil {
		t.Fatal("refreshing another connection's claim should fail")
	}
	if _, err := request(t, second, ipc.TypeClaimDestroy, ipc.ClaimRef{ClaimID: "dock"}); err == nil {
		t.Fatal("destroying another connection's claim should fail")
	}
	mustRequest(t, first, ipc.TypeClaimDestroy, ipc.ClaimRef{ClaimID: "dock"})
}

func TestRoleEnforcement(t *testing.T) {
	h := newHarness(t)
	input := h.dial(t, ipc.RoleInput)

	_, err := request(t, input, ipc.TypeSessionActivate, ipc.SessionRef{Username: "alice"})
	if err == nil || !strings.Contains(err.Error(), ErrNotAllowed.Error()) {
		t.Fatalf("input activating a session = %v, want ErrNotAllowed", err)
	}

	env := mustRequest(t, input, ipc.TypeKeyEvent, ipc.KeyEvent{Key: "a", Pressed: true})
	var kr ipc.KeyEventResult
	json.Unmarshal(env.Payload, &kr)
	if kr.Consumed {
		t.Fatal("plain key without a dispatcher should not be consumed")
	}

	if env := mustRequest(t, input, ipc.TypePing, nil); env.Type != ipc.TypePong {
		t.Fatalf("ping answered with %s", env.Type)
	}
}

func TestAuthRejectsUnknownRole(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := ipc.Dial(ctx, h.path, "admin", "test")
	if !errors.Is(err, ipc.ErrRejected) {
		t.Fatalf("Dial with unknown role = %v, want ErrRejected", err)
	}
}

func TestPeersListing(t *testing.T) {
	h := newHarness(t)
	h.dial(t, ipc.RoleShell)
	h.dial(t, ipc.RoleCLI)

	deadline := time.Now().Add(2 * time.Second)
	for h.srv.PeerCount() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("peer count = %d, want 2", h.srv.PeerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	roles := map[string]bool{}
	for _, p := range h.srv.Peers() {
		roles[p.Role] = true
		if p.PID != os.Getpid() {
			t.Errorf("peer pid = %d, want %d", p.PID, os.Getpid())
		}
	}
	if !roles[ipc.RoleShell] || !roles[ipc.RoleCLI] {
		t.Fatalf("roles = %v", roles)
	}
}
