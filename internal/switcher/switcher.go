// Package switcher selects the window-switcher mode from Alt+Tab style key
// combinations.
package switcher

import "github.com/treeland-project/sessiond/internal/logging"

var log = logging.L("switcher")

// State is the window-switcher mode.
type State int

const (
	Hidden State = iota
	Visible
	Next
	Previous
)

func (s State) String() string {
	switch s {
	case Hidden:
		return "hidden"
	case Visible:
		return "visible"
	case Next:
		return "next"
	case Previous:
		return "previous"
	default:
		return "unknown"
	}
}

// Machine holds one seat's switcher state.
type Machine struct {
	state     State
	listeners []func(State)
}

func New() *Machine {
	return &Machine{}
}

func (m *Machine) State() State {
	return m.state
}

// Subscribe registers fn for switcher notifications.
func (m *Machine) Subscribe(fn func(State)) {
	m.listeners = append(m.listeners, fn)
}

// IsSwitcherKey reports whether ev is Tab with exactly Alt or Alt+Shift
// held. Such events belong to the switcher on press and release.
func IsSwitcherKey(ev KeyEvent) bool {
	if !ev.isTab() {
		return false
	}
	return ev.Modifiers == ModAlt || ev.Modifiers == ModAlt|ModShift
}

// Handle applies a key event and reports whether it was a switcher key.
// Every switcher key press emits, including a repeated Next or Previous.
// Tab with any other modifiers leaves the state alone. Other presses emit
// only when they hide the switcher. Releases never change state.
func (m *Machine) Handle(ev KeyEvent) bool {
	switcherKey := IsSwitcherKey(ev)
	if !ev.Pressed {
		return switcherKey
	}

	if !switcherKey {
		if !ev.isTab() {
			m.set(Hidden)
		}
		return false
	}

	next := Previous
	switch {
	case m.state == Hidden:
		next = Visible
	case ev.Modifiers == ModAlt:
		next = Next
	}
	m.state = next
	m.notify()
	return true
}

// Reset hides the switcher.
func (m *Machine) Reset() {
	m.set(Hidden)
}

func (m *Machine) set(s State) {
	if s == m.state {
		return
	}
	m.state = s
	m.notify()
}

func (m *Machine) notify() {
	log.Debug("switcher changed", "state", m.state.String())
	for _, fn := range m.listeners {
		fn(m.state)
	}
}
