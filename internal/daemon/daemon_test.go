//go:build linux

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/treeland-project/sessiond/internal/audit"
	"github.com/treeland-project/sessiond/internal/config"
	"github.com/treeland-project/sessiond/internal/coordinator"
	"github.com/treeland-project/sessiond/internal/metrics"
	"github.com/treeland-project/sessiond/internal/sessionwatch"
)

type endpoint struct {
	enabled bool
}

func (e *endpoint) SetEnabled(enabled bool) { e.enabled = enabled }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ControlSocket = filepath.Join(dir, "ctl.sock")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.HTTPListen = ""
	cfg.DebounceMs = 20
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, Options{Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func onLoop(t *testing.T, d *Daemon, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Loop().RunSync(ctx, fn); err != nil {
		t.Fatalf("RunSync: %v", err)
	}
}

func TestNewRejectsUnknownScanMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScanMode = "sometimes"
	if _, err := New(cfg, Options{}); err == nil {
		t.Fatal("expected an error for an unknown scan mode")
	}
}

func TestAttachRejectsSecondCoordinator(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	var err error
	onLoop(t, d, func() {
		err = d.Attach(coordinator.New(coordinator.Options{}))
	})
	if !errors.Is(err, coordinator.ErrDuplicateSingleton) {
		t.Fatalf("second Attach = %v, want ErrDuplicateSingleton", err)
	}
}

func TestRegistryEventsAreRecorded(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	created := testutil.ToFloat64(metrics.SessionEventsTotal.WithLabelValues("session_created"))
	orphaned := testutil.ToFloat64(metrics.ActivationsWithoutSession)

	alice := &endpoint{}
	onLoop(t, d, func() {
		d.Coordinator().RegisterSession("alice", alice)
		d.Coordinator().ActivateUser("alice")
		d.Coordinator().ActivateUser("mallory")
	})

	if alice.enabled {
		t.Fatal("activating an unregistered user should leave alice disabled")
	}
	if got := testutil.ToFloat64(metrics.SessionEventsTotal.WithLabelValues("session_created")); got != created+1 {
		t.Fatalf("session_created = %v, want %v", got, created+1)
	}
	if got := testutil.ToFloat64(metrics.SessionsRegistered); got != 1 {
		t.Fatalf("sessions_registered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ActivationsWithoutSession); got != orphaned+1 {
		t.Fatalf("activations_without_session = %v, want %v", got, orphaned+1)
	}

	n, err := audit.Verify(d.Audit().Path())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 3 {
		t.Fatalf("audit entries = %d, want 3", n)
	}
	data, err := os.ReadFile(d.Audit().Path())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(data), `"session_registered"`) || !strings.Contains(string(data), `"user_activated"`) {
		t.Fatalf("audit log missing events:\n%s", data)
	}
}

func TestLogoutUnregistersSession(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	onLoop(t, d, func() {
		d.Coordinator().RegisterSession("alice", &endpoint{})
		d.Coordinator().RegisterSession("bob", &endpoint{})
	})

	d.onSessionEvent(sessionwatch.Event{Type: sessionwatch.Logout, UID: 1001, Username: "bob"})
	d.onSessionEvent(sessionwatch.Event{Type: sessionwatch.Logout, UID: 1002, Username: "carol"})

	var names []string
	onLoop(t, d, func() {
		for _, s := range d.Coordinator().Registry().Sessions() {
			names = append(names, s.Username)
		}
	})
	if len(names) != 1 || names[0] != "alice" {
		t.Fatalf("sessions = %v, want [alice]", names)
	}
}

func TestLogoutWaitsForQueueSpace(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventQueueSize = 1
	d := newTestDaemon(t, cfg)
	onLoop(t, d, func() { d.Coordinator().RegisterSession("bob", &endpoint{}) })

	started := make(chan struct{})
	release := make(chan struct{})
	d.Loop().Submit(func() {
		close(started)
		<-release
	})
	<-started
	for d.Loop().Submit(func() {}) {
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.onSessionEvent(sessionwatch.Event{Type: sessionwatch.Logout, UID: 1001, Username: "bob"})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logout handling did not return")
	}

	var registered bool
	onLoop(t, d, func() { _, registered = d.Coordinator().Registry().Session("bob") })
	if registered {
		t.Fatal("logout during a full queue should still remove the session")
	}
}

func TestSnapshot(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	onLoop(t, d, func() {
		d.Coordinator().RegisterSession("alice", &endpoint{})
		d.Coordinator().RegisterSession("bob", &endpoint{})
		d.Coordinator().ActivateUser("bob")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := d.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if r.ActiveUser != "bob" || len(r.Sessions) != 2 || r.Sessions[0].Username != "alice" {
		t.Fatalf("snapshot = %+v", r)
	}
	if r.Switcher != "hidden" || r.Version != "test" {
		t.Fatalf("snapshot = %+v", r)
	}
}

func TestStartServesHTTPAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPListen = "127.0.0.1:0"
	d, err := New(cfg, Options{Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := os.Stat(cfg.ControlSocket); err != nil {
		t.Fatalf("control socket missing: %v", err)
	}

	resp, err := http.Get("http://" + d.HTTPAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status = %d: %s", resp.StatusCode, body)
	}
	var r StatusReport
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if r.Version != "test" || r.Switcher != "hidden" {
		t.Fatalf("status = %+v", r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(cfg.ControlSocket); !os.IsNotExist(err) {
		t.Fatalf("control socket should be removed, stat err = %v", err)
	}

	n, err := audit.Verify(filepath.Join(cfg.DataDir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 2 {
		t.Fatalf("audit entries = %d, want daemon_start and daemon_stop", n)
	}
}

func TestSessionWatchBackendSelectsLister(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionWatch = true
	cfg.SessionWatchBackend = config.SessionWatchLoginctl
	d := newTestDaemon(t, cfg)
	if d.logind != nil {
		t.Fatal("loginctl backend should not open a bus connection")
	}
	if _, ok := d.defaultLister().(*sessionwatch.Loginctl); !ok {
		t.Fatal("loginctl backend should list sessions with loginctl")
	}

	cfg = testConfig(t)
	cfg.SessionWatch = true
	d = newTestDaemon(t, cfg)
	if d.logind == nil {
		t.Fatal("default backend should use logind over D-Bus")
	}
	if d.watcher == nil {
		t.Fatal("session watch enabled but no watcher built")
	}
}
