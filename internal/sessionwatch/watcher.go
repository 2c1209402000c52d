package sessionwatch

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/treeland-project/sessiond/internal/logging"
)

// Watcher polls a Lister and reports per-user login and logout.
type Watcher struct {
	lister   Lister
	clock    clockwork.Clock
	interval time.Duration
	onEvent  func(Event)

	known map[string]uint32 // username -> uid
}

func NewWatcher(lister Lister, clock clockwork.Clock, interval time.Duration, onEvent func(Event)) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watcher{
		lister:   lister,
		clock:    clock,
		interval: interval,
		onEvent:  onEvent,
	}
}

// Run polls until ctx is cancelled. The first successful listing sets the
// baseline and reports nothing.
func (w *Watcher) Run(ctx context.Context) {
	log.Info("session watcher started", "interval", w.interval.String())
	w.poll(ctx)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("session watcher stopped")
			return
		case <-ticker.Chan():
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	sessions, err := w.lister.ListSessions(ctx)
	if err != nil {
		log.Warn("listing sessions failed", logging.KeyError, err)
		return
	}

	current := make(map[string]uint32, len(sessions))
	for _, s := range sessions {
		current[s.Username] = s.UID
	}

	if w.known == nil {
		w.known = current
		return
	}

	for _, name := range sortedNames(current) {
		if _, ok := w.known[name]; !ok {
			w.emit(Event{Type: Login, UID: current[name], Username: name})
		}
	}
	for _, name := range sortedNames(w.known) {
		if _, ok := current[name]; !ok {
			w.emit(Event{Type: Logout, UID: w.known[name], Username: name})
		}
	}
	w.known = current
}

func (w *Watcher) emit(ev Event) {
	log.Info("user session change", "type", string(ev.Type), logging.KeyUsername, ev.Username)
	if w.onEvent != nil {
		w.onEvent(ev)
	}
}

func sortedNames(m map[string]uint32) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
