package overlap

import (
	"image"
	"time"

	"github.com/treeland-project/sessiond/internal/logging"
)

// DefaultDebounce is the settle time between a window's first geometry
// change and the scan it triggers.
const DefaultDebounce = 300 * time.Millisecond

// Timer is a pending single-fire callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Callbacks must be delivered on the same
// goroutine that drives the Monitor.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// GeometrySource reads a window's live geometry. ok is false once the
// window is gone.
type GeometrySource func() (geometry image.Rectangle, ok bool)

// Target is a window under overlap observation.
type Target struct {
	SurfaceID string

	source GeometrySource
	armed  bool
	timer  Timer
}

// Monitor debounces geometry changes per window. Once a target's timer is
// armed further changes are dropped until it fires; the scan then reads the
// geometry the window has at fire time.
type Monitor struct {
	table   *ClaimTable
	sched   Scheduler
	delay   time.Duration
	targets map[string]*Target
	onScan  func(surfaceID string, res ScanResult)
}

func NewMonitor(table *ClaimTable, sched Scheduler, delay time.Duration) *Monitor {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Monitor{
		table:   table,
		sched:   sched,
		delay:   delay,
		targets: make(map[string]*Target),
	}
}

// OnScan sets a hook called after every scan.
func (m *Monitor) OnScan(fn func(surfaceID string, res ScanResult)) {
	m.onScan = fn
}

// Watch starts observing a window. Watching an already watched surface
// replaces its target and cancels any pending scan.
func (m *Monitor) Watch(surfaceID string, source GeometrySource) {
	if old, ok := m.targets[surfaceID]; ok {
		m.cancel(old)
	}
	m.targets[surfaceID] = &Target{SurfaceID: surfaceID, source: source}
	log.Debug("watching surface", logging.KeySurfaceID, surfaceID)
}

// Unwatch stops observing a window and cancels its pending scan.
func (m *Monitor) Unwatch(surfaceID string) error {
	t, ok := m.targets[surfaceID]
	if !ok {
		return ErrNotFound
	}
	m.cancel(t)
	delete(m.targets, surfaceID)
	log.Debug("unwatched surface", logging.KeySurfaceID, surfaceID)
	return nil
}

// GeometryChanged notes that a watched window moved or resized.
func (m *Monitor) GeometryChanged(surfaceID string) error {
	t, ok := m.targets[surfaceID]
	if !ok {
		return ErrNotFound
	}
	if t.armed {
		return nil
	}

	t.armed = true
	t.timer = m.sched.AfterFunc(m.delay, func() { m.fire(t) })
	return nil
}

// Armed reports whether surfaceID has a pending scan.
func (m *Monitor) Armed(surfaceID string) bool {
	t, ok := m.targets[surfaceID]
	return ok && t.armed
}

func (m *Monitor) Len() int {
	return len(m.targets)
}

func (m *Monitor) fire(t *Target) {
	if cur, ok := m.targets[t.SurfaceID]; !ok || cur != t || !t.armed {
		log.Debug("dropping stale debounce fire", logging.KeySurfaceID, t.SurfaceID)
		return
	}
	t.armed = false
	t.timer = nil

	geometry, ok := t.source()
	if !ok {
		log.Debug("surface geometry unavailable at scan", logging.KeySurfaceID, t.SurfaceID)
		return
	}

	res := m.table.Scan(geometry)
	if m.onScan != nil {
		m.onScan(t.SurfaceID, res)
	}
}

func (m *Monitor) cancel(t *Target) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed = false
	t.timer = nil
}
