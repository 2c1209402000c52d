package daemon

import (
	"context"
	"time"

	"github.com/treeland-project/sessiond/internal/audit"
	"github.com/treeland-project/sessiond/internal/control"
	"github.com/treeland-project/sessiond/internal/eventfeed"
	"github.com/treeland-project/sessiond/internal/health"
	"github.com/treeland-project/sessiond/internal/ipc"
	"github.com/treeland-project/sessiond/internal/logging"
	"github.com/treeland-project/sessiond/internal/metrics"
	"github.com/treeland-project/sessiond/internal/overlap"
	"github.com/treeland-project/sessiond/internal/sessionwatch"
	"github.com/treeland-project/sessiond/internal/socketproxy"
	"github.com/treeland-project/sessiond/internal/switcher"
	"github.com/treeland-project/sessiond/internal/wlsocket"
)

// onRegistryEvent runs on the loop.
func (d *Daemon) onRegistryEvent(ev socketproxy.Event) {
	reg := d.coord.Registry()
	metrics.SessionEventsTotal.WithLabelValues(ev.Kind.String()).Inc()
	metrics.SessionsRegistered.Set(float64(reg.Len()))

	details := map[string]any{}
	if sock, ok := ev.Endpoint.(*wlsocket.Socket); ok {
		details["socketPath"] = sock.Path()
	}

	feedEv := eventfeed.Event{Username: ev.Username}
	switch ev.Kind {
	case socketproxy.SessionCreated:
		feedEv.Kind = eventfeed.KindSessionCreated
		d.audit.Log(audit.EventSessionRegistered, ev.Username, details)
	case socketproxy.SessionDestroyed:
		feedEv.Kind = eventfeed.KindSessionDestroyed
		d.audit.Log(audit.EventSessionUnregistered, ev.Username, details)
	case socketproxy.UserActivated:
		feedEv.Kind = eventfeed.KindUserActivated
		active, ok := reg.Active()
		if !ok {
			metrics.ActivationsWithoutSession.Inc()
			log.Warn("activated user has no session, no endpoint enabled", logging.KeyUsername, ev.Username)
		} else if sock, isSock := active.Endpoint.(*wlsocket.Socket); isSock {
			details["socketPath"] = sock.Path()
		}
		details["enabled"] = ok
		d.audit.Log(audit.EventUserActivated, ev.Username, details)
	default:
		return
	}
	d.feed.Publish(feedEv)
}

// onOverlapChanged runs on the loop.
func (d *Daemon) onOverlapChanged(ev overlap.OverlapEvent) {
	overlapped := ev.Overlapped
	d.feed.Publish(eventfeed.Event{
		Kind:       eventfeed.KindOverlapChanged,
		ClaimID:    string(ev.ClaimID),
		Overlapped: &overlapped,
	})
}

// onScan runs on the loop after every debounced scan.
func (d *Daemon) onScan(surfaceID string, res overlap.ScanResult) {
	outcome := "none"
	switch {
	case res.Matched:
		outcome = "match"
	case len(res.Visited) == 0:
		outcome = "empty"
	}
	metrics.OverlapScansTotal.WithLabelValues(outcome).Inc()
	if n := len(res.Skipped); n > 0 {
		metrics.ClaimsSkippedTotal.Add(float64(n))
	}
	metrics.ClaimsCurrent.Set(float64(d.coord.Claims().Len()))
}

// onSwitcherChanged runs on the loop.
func (d *Daemon) onSwitcherChanged(state switcher.State) {
	metrics.SwitcherChangesTotal.WithLabelValues(state.String()).Inc()
	d.feed.Publish(eventfeed.Event{Kind: eventfeed.KindSwitcherChanged, State: state.String()})
}

// onSessionEvent runs on the watcher goroutine. A user who logged out of
// logind loses their endpoint.
func (d *Daemon) onSessionEvent(ev sessionwatch.Event) {
	switch ev.Type {
	case sessionwatch.Login:
		log.Debug("logind session appeared", logging.KeyUsername, ev.Username, logging.KeyPeerUID, ev.UID)
	case sessionwatch.Logout:
		username := ev.Username
		d.audit.Log(audit.EventUserLoggedOut, username, map[string]any{"uid": ev.UID})
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		defer cancel()
		err := d.loop.Post(ctx, func() {
			if _, registered := d.coord.Registry().Session(username); !registered {
				return
			}
			log.Info("user logged out, removing session", logging.KeyUsername, username)
			d.coord.UnregisterSession(username)
		})
		if err != nil {
			log.Warn("logout not queued, session kept", logging.KeyUsername, username, logging.KeyError, err)
		}
	}
}

func (d *Daemon) registerProbes() {
	d.health.Register("event_loop", func(ctx context.Context) (health.Status, string) {
		metrics.EventLoopQueueDepth.Set(float64(d.loop.Len()))
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := d.loop.RunSync(ctx, func() {}); err != nil {
			return health.Unhealthy, "event loop unresponsive: " + err.Error()
		}
		return health.Healthy, ""
	})

	d.health.Register("audit", func(ctx context.Context) (health.Status, string) {
		switch dropped := d.audit.DroppedCount(); {
		case dropped < 0:
			return health.Healthy, "disabled"
		case dropped > 0:
			return health.Degraded, "audit entries dropped"
		}
		return health.Healthy, ""
	})

	d.health.Register("control", func(ctx context.Context) (health.Status, string) {
		if len(d.control.Peers()) == 0 {
			return health.Degraded, "no control peers connected"
		}
		return health.Healthy, ""
	})
}

// StatusReport is the /status document.
type StatusReport struct {
	Version      string             `json:"version" yaml:"version"`
	StartedAt    time.Time          `json:"startedAt" yaml:"startedAt"`
	Health       health.Status      `json:"health" yaml:"health"`
	ActiveUser   string             `json:"activeUser,omitempty" yaml:"activeUser,omitempty"`
	ActiveSocket string             `json:"activeSocket,omitempty" yaml:"activeSocket,omitempty"`
	Sessions     []ipc.SessionInfo  `json:"sessions" yaml:"sessions"`
	Claims       int                `json:"claims" yaml:"claims"`
	Surfaces     int                `json:"surfaces" yaml:"surfaces"`
	Switcher     string             `json:"switcher" yaml:"switcher"`
	Peers        []control.PeerInfo `json:"peers" yaml:"peers"`
}

// Snapshot reads the core state on the loop.
func (d *Daemon) Snapshot(ctx context.Context) (StatusReport, error) {
	r := StatusReport{
		Version:   d.version,
		StartedAt: d.startedAt,
		Health:    d.health.Overall(),
		Peers:     d.control.Peers(),
	}
	err := d.loop.RunSync(ctx, func() {
		list := d.control.SessionList()
		r.ActiveUser = list.ActiveUser
		r.ActiveSocket = list.ActiveSocket
		r.Sessions = list.Sessions
		r.Claims = d.coord.Claims().Len()
		r.Surfaces = d.coord.SurfaceCount()
		r.Switcher = d.coord.Switcher().State().String()
	})
	if err != nil {
		return StatusReport{}, err
	}
	return r, nil
}
