package switcher

import (
	"fmt"
	"strings"
)

// Modifiers is a bitmask of held modifier keys.
type Modifiers uint8

const (
	ModShift Modifiers = 1 << iota
	ModCtrl
	ModAlt
	ModMeta
)

var modifierNames = []struct {
	mod  Modifiers
	name string
}{
	{ModCtrl, "ctrl"},
	{ModAlt, "alt"},
	{ModShift, "shift"},
	{ModMeta, "meta"},
}

func (m Modifiers) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, n := range modifierNames {
		if m&n.mod != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "+")
}

// Names returns the modifier names in ctrl, alt, shift, meta order.
func (m Modifiers) Names() []string {
	var out []string
	for _, n := range modifierNames {
		if m&n.mod != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

// ParseModifiers accepts names like "ctrl", "alt", "shift", "meta"
// ("super" and "control" are aliases).
func ParseModifiers(names []string) (Modifiers, error) {
	var m Modifiers
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "shift":
			m |= ModShift
		case "ctrl", "control":
			m |= ModCtrl
		case "alt":
			m |= ModAlt
		case "meta", "super":
			m |= ModMeta
		default:
			return 0, fmt.Errorf("switcher: unknown modifier %q", name)
		}
	}
	return m, nil
}

// KeyEvent is a raw key press or release with the modifiers held at the time.
type KeyEvent struct {
	Key       string
	Modifiers Modifiers
	Pressed   bool
}

const keyTab = "tab"

func (e KeyEvent) isTab() bool {
	return strings.EqualFold(e.Key, keyTab)
}
