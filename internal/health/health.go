// Package health tracks the daemon's component health for /healthz and the
// status command.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/treeland-project/sessiond/internal/logging"
)

var log = logging.L("health")

type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

func (s Status) Valid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check is the latest result for a named component.
type Check struct {
	Name      string    `json:"name" yaml:"name"`
	Status    Status    `json:"status" yaml:"status"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Probe reports a component's current state.
type Probe func(ctx context.Context) (Status, string)

// Monitor holds checks for all components.
type Monitor struct {
	clock clockwork.Clock

	mu     sync.RWMutex
	checks map[string]Check
	probes map[string]Probe
}

func NewMonitor(clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		clock:  clock,
		checks: make(map[string]Check),
		probes: make(map[string]Probe),
	}
}

// Update records name's status. Transitions are logged.
func (m *Monitor) Update(name string, status Status, message string) {
	m.mu.Lock()
	prev, had := m.checks[name]
	m.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		UpdatedAt: m.clock.Now(),
	}
	m.mu.Unlock()

	if had && prev.Status == status {
		return
	}
	if status == Healthy {
		log.Info("component healthy", logging.KeyComponent, name)
	} else {
		log.Warn("component not healthy", logging.KeyComponent, name, "status", string(status), "message", message)
	}
}

// Register adds a probe run by RunProbes and Run.
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	m.probes[name] = probe
	m.mu.Unlock()
}

// RunProbes runs every registered probe once, in name order.
func (m *Monitor) RunProbes(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		status, msg := probes[name](ctx)
		m.Update(name, status, msg)
	}
}

// Run probes every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.RunProbes(ctx)

	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.RunProbes(ctx)
		}
	}
}

func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall returns the worst status across all checks, or Unknown when
// nothing has reported yet.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range m.checks {
		if statusRank(c.Status) > statusRank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns the checks sorted by name.
func (m *Monitor) All() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Report is the /healthz body.
type Report struct {
	Status Status  `json:"status" yaml:"status"`
	Checks []Check `json:"checks" yaml:"checks"`
}

func (m *Monitor) Report() Report {
	return Report{Status: m.Overall(), Checks: m.All()}
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
