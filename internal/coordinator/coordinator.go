// Package coordinator is the seat's arbitration core. It sees every raw key
// event before the rest of the input pipeline, tracks window geometry for
// overlap checks, and fronts the session registry and claim table.
//
// All methods must be called on the event loop.
package coordinator

import (
	"image"
	"time"

	"github.com/treeland-project/sessiond/internal/logging"
	"github.com/treeland-project/sessiond/internal/overlap"
	"github.com/treeland-project/sessiond/internal/socketproxy"
	"github.com/treeland-project/sessiond/internal/switcher"
)

var log = logging.L("coordinator")

// InputDispatcher is the default input path for events the switcher does
// not consume. It reports whether the event was handled.
type InputDispatcher interface {
	DispatchInput(ev switcher.KeyEvent) bool
}

// DispatcherFunc adapts a function to InputDispatcher.
type DispatcherFunc func(ev switcher.KeyEvent) bool

func (f DispatcherFunc) DispatchInput(ev switcher.KeyEvent) bool {
	return f(ev)
}

// Surface is a mapped window.
type Surface struct {
	ID        string
	Geometry  image.Rectangle
	Monitored bool
}

type Options struct {
	Scheduler  overlap.Scheduler
	Debounce   time.Duration
	ScanMode   overlap.ScanMode
	Dispatcher InputDispatcher
}

type Coordinator struct {
	registry   *socketproxy.Registry
	outputs    *overlap.Outputs
	claims     *overlap.ClaimTable
	monitor    *overlap.Monitor
	switcher   *switcher.Machine
	dispatcher InputDispatcher

	surfaces     map[string]*Surface
	keyListeners []func(switcher.KeyEvent)
}

func New(opts Options) *Coordinator {
	outputs := overlap.NewOutputs()
	claims := overlap.NewClaimTable(outputs, opts.ScanMode)

	return &Coordinator{
		registry:   socketproxy.NewRegistry(),
		outputs:    outputs,
		claims:     claims,
		monitor:    overlap.NewMonitor(claims, opts.Scheduler, opts.Debounce),
		switcher:   switcher.New(),
		dispatcher: opts.Dispatcher,
		surfaces:   make(map[string]*Surface),
	}
}

func (c *Coordinator) Registry() *socketproxy.Registry { return c.registry }
func (c *Coordinator) Claims() *overlap.ClaimTable     { return c.claims }
func (c *Coordinator) Monitor() *overlap.Monitor       { return c.monitor }
func (c *Coordinator) Switcher() *switcher.Machine     { return c.switcher }
func (c *Coordinator) Outputs() *overlap.Outputs       { return c.outputs }

// SetDispatcher replaces the default input path.
func (c *Coordinator) SetDispatcher(d InputDispatcher) {
	c.dispatcher = d
}

// OnKeyPressed registers fn for every key press, consumed or not.
func (c *Coordinator) OnKeyPressed(fn func(switcher.KeyEvent)) {
	c.keyListeners = append(c.keyListeners, fn)
}

// HandleInput routes one raw key event and reports whether it was consumed.
// Alt+Tab and Alt+Shift+Tab are consumed on press and release; everything
// else goes to the default dispatcher, whose answer is returned.
func (c *Coordinator) HandleInput(ev switcher.KeyEvent) bool {
	if ev.Pressed {
		for _, fn := range c.keyListeners {
			fn(ev)
		}
	}

	if c.switcher.Handle(ev) {
		return true
	}
	if c.dispatcher == nil {
		return false
	}
	return c.dispatcher.DispatchInput(ev)
}

// MapSurface records a new window. Monitored windows are checked against
// the claim table after the debounce delay.
func (c *Coordinator) MapSurface(id string, geometry image.Rectangle, monitored bool) {
	if old, ok := c.surfaces[id]; ok && old.Monitored {
		c.monitor.Unwatch(id)
	}

	s := &Surface{ID: id, Geometry: geometry, Monitored: monitored}
	c.surfaces[id] = s

	if monitored {
		c.monitor.Watch(id, c.geometrySource(s))
		c.monitor.GeometryChanged(id)
	}
	log.Debug("surface mapped", logging.KeySurfaceID, id, "geometry", geometry.String(), "monitored", monitored)
}

// UpdateSurface stores the window's new geometry. The stored value is what
// a pending overlap scan reads when it fires.
func (c *Coordinator) UpdateSurface(id string, geometry image.Rectangle) error {
	s, ok := c.surfaces[id]
	if !ok {
		return ErrSurfaceNotFound
	}
	if s.Geometry == geometry {
		return nil
	}
	s.Geometry = geometry

	if s.Monitored {
		c.monitor.GeometryChanged(id)
	}
	return nil
}

// DestroySurface forgets the window and cancels its pending scan.
func (c *Coordinator) DestroySurface(id string) error {
	s, ok := c.surfaces[id]
	if !ok {
		return ErrSurfaceNotFound
	}
	if s.Monitored {
		c.monitor.Unwatch(id)
	}
	delete(c.surfaces, id)
	log.Debug("surface destroyed", logging.KeySurfaceID, id)
	return nil
}

// Surface returns a copy of the mapped window.
func (c *Coordinator) Surface(id string) (Surface, bool) {
	s, ok := c.surfaces[id]
	if !ok {
		return Surface{}, false
	}
	return *s, true
}

func (c *Coordinator) SurfaceCount() int {
	return len(c.surfaces)
}

// geometrySource reads s while it is still the surface mapped under its id.
func (c *Coordinator) geometrySource(s *Surface) overlap.GeometrySource {
	return func() (image.Rectangle, bool) {
		cur, ok := c.surfaces[s.ID]
		if !ok || cur != s {
			return image.Rectangle{}, false
		}
		return s.Geometry, true
	}
}

// UpdateOutput adds or resizes an output. Claim regions follow on the next
// scan.
func (c *Coordinator) UpdateOutput(id string, width, height int) error {
	if err := c.outputs.Update(id, width, height); err != nil {
		log.Warn("rejected output update", logging.KeyOutputID, id, logging.KeyError, err)
		return err
	}
	return nil
}

// RemoveOutput drops an output. Claims on it are skipped until it returns.
func (c *Coordinator) RemoveOutput(id string) error {
	return c.outputs.Remove(id)
}

// RefreshClaim creates or updates a shell surface claim.
func (c *Coordinator) RefreshClaim(id overlap.ClaimID, owner overlap.ClaimOwner, outputID string, anchor overlap.Anchor, size overlap.Size) error {
	if err := c.claims.Refresh(id, owner, outputID, anchor, size); err != nil {
		log.Warn("rejected claim refresh", logging.KeyClaimID, string(id), logging.KeyError, err)
		return err
	}
	return nil
}

func (c *Coordinator) DestroyClaim(id overlap.ClaimID) error {
	return c.claims.Destroy(id)
}

func (c *Coordinator) RegisterSession(username string, endpoint socketproxy.Endpoint) error {
	return c.registry.Register(username, endpoint)
}

func (c *Coordinator) UnregisterSession(username string) error {
	return c.registry.Unregister(username)
}

// ActivateUser switches the seat to username's session. The switcher is
// hidden across a user switch.
func (c *Coordinator) ActivateUser(username string) {
	c.registry.Activate(username)
	c.switcher.Reset()
}
