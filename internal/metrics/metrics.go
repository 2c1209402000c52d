// Package metrics holds the daemon's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "treeland_sessiond"

// Session metrics
var (
	// SessionsRegistered tracks the number of registered user sessions
	SessionsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_registered",
			Help:      "Number of user sessions with a registered endpoint",
		},
	)

	// SessionEventsTotal counts registry events by kind
	SessionEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session registry events by kind",
		},
		[]string{"kind"},
	)

	// ActivationsWithoutSession counts activations of users with no session
	ActivationsWithoutSession = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_without_session_total",
			Help:      "Activations that left no session enabled",
		},
	)
)

// Overlap metrics
var (
	// ClaimsCurrent tracks the number of shell surface claims
	ClaimsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "claims_current",
			Help:      "Number of shell surface claims in the table",
		},
	)

	// OverlapScansTotal counts scans by outcome (match/none)
	OverlapScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlap_scans_total",
			Help:      "Overlap scans by outcome",
		},
		[]string{"outcome"},
	)

	// ClaimsSkippedTotal counts claims skipped during scans
	ClaimsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_skipped_total",
			Help:      "Claims skipped during scans because their geometry could not be derived",
		},
	)

	// ClaimRejectionsTotal counts rejected claim refreshes
	ClaimRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_rejections_total",
			Help:      "Claim refresh requests rejected for invalid geometry",
		},
	)
)

// Input metrics
var (
	// SwitcherChangesTotal counts switcher notifications by state
	SwitcherChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switcher_changes_total",
			Help:      "Window switcher notifications by state",
		},
		[]string{"state"},
	)

	// KeyEventsTotal counts key events by disposition (consumed/passed)
	KeyEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_events_total",
			Help:      "Key events by disposition",
		},
		[]string{"disposition"},
	)
)

// Control server metrics
var (
	// ControlConnectionsCurrent tracks connected control peers by role
	ControlConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_connections_current",
			Help:      "Connected control peers by role",
		},
		[]string{"role"},
	)

	// ControlRequestsTotal counts control requests by type and status
	ControlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_requests_total",
			Help:      "Control requests by message type and status",
		},
		[]string{"type", "status"},
	)

	// ControlRejectedTotal counts connections refused before the handshake finished
	ControlRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_rejected_total",
			Help:      "Control connections rejected by reason",
		},
		[]string{"reason"},
	)

	// EventLoopQueueDepth tracks queued tasks on the event loop
	EventLoopQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_loop_queue_depth",
			Help:      "Tasks waiting on the event loop",
		},
	)

	// EventFeedClients tracks connected event feed subscribers
	EventFeedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_feed_clients",
			Help:      "Connected event feed subscribers",
		},
	)

	// WaylandClientsTotal counts client connections handed to the compositor
	WaylandClientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wayland_clients_total",
			Help:      "Wayland client connections accepted on user sockets by result",
		},
		[]string{"result"},
	)
)
