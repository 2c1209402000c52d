// Package daemon assembles the session daemon: the event loop and the
// coordinator it owns, the control socket, the loopback HTTP surface, the
// audit trail and the logind watcher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdnotify "github.com/coreos/go-systemd/daemon"
	"github.com/jonboulle/clockwork"

	"github.com/treeland-project/sessiond/internal/audit"
	"github.com/treeland-project/sessiond/internal/config"
	"github.com/treeland-project/sessiond/internal/control"
	"github.com/treeland-project/sessiond/internal/coordinator"
	"github.com/treeland-project/sessiond/internal/eventfeed"
	"github.com/treeland-project/sessiond/internal/eventloop"
	"github.com/treeland-project/sessiond/internal/health"
	"github.com/treeland-project/sessiond/internal/httpapi"
	"github.com/treeland-project/sessiond/internal/logging"
	"github.com/treeland-project/sessiond/internal/overlap"
	"github.com/treeland-project/sessiond/internal/sessionwatch"
)

var log = logging.L("daemon")

const (
	healthInterval = 15 * time.Second
	probeTimeout   = 2 * time.Second
	startTimeout   = 5 * time.Second
	logoutTimeout  = 5 * time.Second
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	Clock   clockwork.Clock
	Lister  sessionwatch.Lister
	Version string
}

// Daemon owns every long-lived component.
type Daemon struct {
	cfg     *config.Config
	clock   clockwork.Clock
	version string

	loop    *eventloop.Loop
	coord   *coordinator.Coordinator
	control *control.Server
	audit   *audit.Logger
	health  *health.Monitor
	feed    *eventfeed.Hub
	http    *httpapi.Server
	watcher *sessionwatch.Watcher
	logind  *sessionwatch.Logind

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New builds the daemon from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	scanMode, err := overlap.ParseScanMode(cfg.ScanMode)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:     cfg,
		clock:   clock,
		version: opts.Version,
		loop:    eventloop.New(clock, cfg.EventQueueSize),
		health:  health.NewMonitor(clock),
		feed:    eventfeed.NewHub(clock),
	}

	if cfg.AuditEnabled {
		d.audit, err = audit.NewLogger(cfg.DataDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups, clock)
		if err != nil {
			d.loop.Drain(context.Background())
			return nil, fmt.Errorf("daemon: open audit log: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	var attachErr error
	err = d.loop.RunSync(ctx, func() {
		coord := coordinator.New(coordinator.Options{
			Scheduler: coordinator.LoopScheduler(d.loop),
			Debounce:  cfg.Debounce(),
			ScanMode:  scanMode,
		})
		if attachErr = d.Attach(coord); attachErr != nil {
			return
		}
		d.control = control.New(control.Options{
			SocketPath:  cfg.ControlSocket,
			AllowedUIDs: cfg.AllowedUIDs,
			Loop:        d.loop,
			Coordinator: coord,
			Clock:       clock,
		})
	})
	if err == nil {
		err = attachErr
	}
	if err != nil {
		d.audit.Close()
		d.loop.Drain(context.Background())
		return nil, fmt.Errorf("daemon: build coordinator: %w", err)
	}

	if cfg.HTTPListen != "" {
		d.http = httpapi.New(httpapi.Options{
			Listen: cfg.HTTPListen,
			Feed:   d.feed,
			Health: d.health,
			Status: func(ctx context.Context) (any, error) { return d.Snapshot(ctx) },
		})
	}

	if cfg.SessionWatch {
		lister := opts.Lister
		if lister == nil {
			lister = d.defaultLister()
		}
		d.watcher = sessionwatch.NewWatcher(lister, clock, cfg.SessionWatchInterval(), d.onSessionEvent)
	}

	d.registerProbes()
	return d, nil
}

func (d *Daemon) defaultLister() sessionwatch.Lister {
	if d.cfg.SessionWatchBackend == config.SessionWatchLoginctl {
		return sessionwatch.NewLoginctl(d.cfg.Seat)
	}
	d.logind = sessionwatch.NewLogind(d.cfg.Seat)
	return d.logind
}

// Attach gives the daemon its coordinator and subscribes the daemon's
// observers to it. A daemon owns exactly one coordinator. Call on the loop.
func (d *Daemon) Attach(coord *coordinator.Coordinator) error {
	if d.coord != nil {
		return coordinator.ErrDuplicateSingleton
	}
	d.coord = coord

	coord.Registry().Subscribe(d.onRegistryEvent)
	coord.Claims().Subscribe(d.onOverlapChanged)
	coord.Monitor().OnScan(d.onScan)
	coord.Switcher().Subscribe(d.onSwitcherChanged)
	return nil
}

func (d *Daemon) Loop() *eventloop.Loop                { return d.loop }
func (d *Daemon) Coordinator() *coordinator.Coordinator { return d.coord }
func (d *Daemon) Control() *control.Server              { return d.control }
func (d *Daemon) Health() *health.Monitor               { return d.health }
func (d *Daemon) Feed() *eventfeed.Hub                  { return d.feed }
func (d *Daemon) Audit() *audit.Logger                  { return d.audit }

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled.
func (d *Daemon) HTTPAddr() string {
	if d.http == nil {
		return ""
	}
	return d.http.Addr()
}

// Start opens the control socket and HTTP listener and starts background
// workers.
func (d *Daemon) Start() error {
	if err := d.control.Start(); err != nil {
		return err
	}
	if d.http != nil {
		if err := d.http.Start(); err != nil {
			d.control.Close()
			return fmt.Errorf("daemon: start http api: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.startedAt = d.clock.Now()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.health.Run(ctx, healthInterval)
	}()

	if d.watcher != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.watcher.Run(ctx)
		}()
	}

	d.audit.Log(audit.EventDaemonStart, "", map[string]any{
		"version":       d.version,
		"controlSocket": d.cfg.ControlSocket,
		"scanMode":      d.cfg.ScanMode,
	})
	log.Info("daemon started", "controlSocket", d.cfg.ControlSocket, "http", d.HTTPAddr())
	notify(sdnotify.SdNotifyReady)
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.Stop(stopCtx)
}

// Stop shuts everything down in reverse start order. Queued loop tasks are
// drained within ctx.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	d.stopOnce.Do(func() {
		log.Info("daemon stopping")
		notify(sdnotify.SdNotifyStopping)
		d.control.Close()
		if d.http != nil {
			if err := d.http.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		d.feed.Close()
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		if d.logind != nil {
			d.logind.Close()
		}

		d.loop.RunSync(ctx, d.closeSessions)
		d.loop.Drain(ctx)

		d.audit.Log(audit.EventDaemonStop, "", nil)
		if err := d.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit close: %w", err))
		}
		log.Info("daemon stopped")
	})
	return errors.Join(errs...)
}

// closeSessions unregisters every session so their sockets are closed.
// Runs on the loop.
func (d *Daemon) closeSessions() {
	for _, s := range d.coord.Registry().Sessions() {
		d.coord.UnregisterSession(s.Username)
	}
}

// notify reports state to systemd when running under a Type=notify unit.
func notify(state string) {
	sent, err := sdnotify.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", "state", state, logging.KeyError, err)
		return
	}
	if sent {
		log.Debug("sd_notify sent", "state", state)
	}
}
