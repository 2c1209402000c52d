package switcher

import "testing"

func press(key string, mods Modifiers) KeyEvent {
	return KeyEvent{Key: key, Modifiers: mods, Pressed: true}
}

func release(key string, mods Modifiers) KeyEvent {
	return KeyEvent{Key: key, Modifiers: mods}
}

func record(m *Machine) *[]State {
	var got []State
	m.Subscribe(func(s State) { got = append(got, s) })
	return &got
}

func TestAltTabSequence(t *testing.T) {
	m := New()
	got := record(m)

	steps := []struct {
		ev   KeyEvent
		want State
	}{
		{press("Tab", ModAlt), Visible},
		{press("Tab", ModAlt), Next},
		{press("Escape", 0), Hidden},
	}
	for i, step := range steps {
		m.Handle(step.ev)
		if m.State() != step.want {
			t.Fatalf("step %d: state = %s, want %s", i, m.State(), step.want)
		}
	}

	want := []State{Visible, Next, Hidden}
	if len(*got) != len(want) {
		t.Fatalf("emitted %v, want %v", *got, want)
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Fatalf("emitted %v, want %v", *got, want)
		}
	}
}

func TestAltShiftTabSequence(t *testing.T) {
	m := New()
	got := record(m)

	m.Handle(press("Tab", ModAlt|ModShift))
	if m.State() != Visible {
		t.Fatalf("state = %s, want visible", m.State())
	}
	m.Handle(press("Tab", ModAlt|ModShift))
	if m.State() != Previous {
		t.Fatalf("state = %s, want previous", m.State())
	}
	if len(*got) != 2 {
		t.Fatalf("emitted %v, want [visible previous]", *got)
	}
}

func TestRepeatedStepEmitsEachPress(t *testing.T) {
	m := New()
	got := record(m)

	m.Handle(press("Tab", ModAlt))
	m.Handle(press("Tab", ModAlt))
	m.Handle(press("Tab", ModAlt))
	m.Handle(press("Tab", ModAlt|ModShift))

	want := []State{Visible, Next, Next, Previous}
	if len(*got) != len(want) {
		t.Fatalf("emitted %v, want %v", *got, want)
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Fatalf("emitted %v, want %v", *got, want)
		}
	}
}

func TestReleasesNeverEmit(t *testing.T) {
	m := New()
	got := record(m)

	if !m.Handle(release("Tab", ModAlt)) {
		t.Fatal("Alt+Tab release should be claimed by the switcher")
	}
	if m.State() != Hidden || len(*got) != 0 {
		t.Fatalf("release changed state to %s / emitted %v", m.State(), *got)
	}

	m.Handle(press("Tab", ModAlt))
	m.Handle(release("Tab", ModAlt))
	m.Handle(release("Escape", 0))
	if m.State() != Visible {
		t.Fatalf("state = %s, want visible", m.State())
	}
	if len(*got) != 1 {
		t.Fatalf("emitted %v, want only [visible]", *got)
	}
}

func TestOtherKeyWhileHiddenDoesNothing(t *testing.T) {
	m := New()
	got := record(m)

	if m.Handle(press("a", 0)) {
		t.Fatal("plain key should not be a switcher key")
	}
	if m.State() != Hidden || len(*got) != 0 {
		t.Fatalf("state = %s, emitted %v", m.State(), *got)
	}
}

func TestModifierMatchIsExact(t *testing.T) {
	tests := []struct {
		name string
		ev   KeyEvent
		want bool
	}{
		{"alt", press("Tab", ModAlt), true},
		{"alt shift", press("Tab", ModAlt|ModShift), true},
		{"lowercase key", press("tab", ModAlt), true},
		{"alt ctrl", press("Tab", ModAlt|ModCtrl), false},
		{"shift only", press("Tab", ModShift), false},
		{"no modifiers", press("Tab", 0), false},
		{"alt meta shift", press("Tab", ModAlt|ModShift|ModMeta), false},
		{"alt other key", press("Q", ModAlt), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSwitcherKey(tt.ev); got != tt.want {
				t.Fatalf("IsSwitcherKey = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOtherTabCombosKeepSwitcherState(t *testing.T) {
	for _, mods := range []Modifiers{0, ModCtrl, ModAlt | ModCtrl, ModShift} {
		t.Run(mods.String(), func(t *testing.T) {
			m := New()
			got := record(m)
			m.Handle(press("Tab", ModAlt))

			if m.Handle(press("Tab", mods)) {
				t.Fatalf("Tab with %s should not be consumed", mods)
			}
			if m.State() != Visible {
				t.Fatalf("state = %s, want visible", m.State())
			}
			if len(*got) != 1 {
				t.Fatalf("emitted %v, want only [visible]", *got)
			}
		})
	}
}

func TestNonTabKeyHidesVisibleSwitcher(t *testing.T) {
	m := New()
	m.Handle(press("Tab", ModAlt))
	if m.Handle(press("Q", ModAlt)) {
		t.Fatal("Alt+Q should not be consumed")
	}
	if m.State() != Hidden {
		t.Fatalf("state = %s, want hidden", m.State())
	}
}

func TestParseModifiers(t *testing.T) {
	m, err := ParseModifiers([]string{"Alt", "shift"})
	if err != nil {
		t.Fatalf("ParseModifiers: %v", err)
	}
	if m != ModAlt|ModShift {
		t.Fatalf("ParseModifiers = %s, want alt+shift", m)
	}
	if m.String() != "alt+shift" {
		t.Fatalf("String() = %q, want alt+shift", m.String())
	}
	if _, err := ParseModifiers([]string{"hyper"}); err == nil {
		t.Fatal("unknown modifier should fail")
	}
	names := (ModCtrl | ModMeta).Names()
	if len(names) != 2 || names[0] != "ctrl" || names[1] != "meta" {
		t.Fatalf("Names() = %v", names)
	}
}
