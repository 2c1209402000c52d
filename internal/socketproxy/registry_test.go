package socketproxy

import (
	"errors"
	"math/rand"
	"testing"
)

// fakeEndpoint is comparable by value: two endpoints with the same path are
// equal even when registered under different users.
type fakeEndpoint struct {
	path  string
	state *[]bool
}

func newFakeEndpoint(path string) fakeEndpoint {
	return fakeEndpoint{path: path, state: new([]bool)}
}

func (e fakeEndpoint) SetEnabled(enabled bool) {
	*e.state = append(*e.state, enabled)
}

func (e fakeEndpoint) last() (bool, bool) {
	if len(*e.state) == 0 {
		return false, false
	}
	return (*e.state)[len(*e.state)-1], true
}

func recordEvents(r *Registry) *[]Event {
	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })
	return &events
}

func enabledCount(r *Registry) int {
	n := 0
	for _, s := range r.Sessions() {
		if s.Enabled {
			n++
		}
	}
	return n
}

func TestRegisterStartsDisabledAndEmitsCreated(t *testing.T) {
	r := NewRegistry()
	events := recordEvents(r)

	ep := newFakeEndpoint("/run/user/1000/wayland-0")
	if err := r.Register("alice", ep); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s, ok := r.Session("alice")
	if !ok {
		t.Fatal("session not found after Register")
	}
	if s.Enabled {
		t.Fatal("new session should start disabled")
	}
	if got, ok := ep.last(); !ok || got {
		t.Fatalf("endpoint should have been disabled, got %v (pushed=%v)", got, ok)
	}
	if len(*events) != 1 || (*events)[0].Kind != SessionCreated || (*events)[0].Endpoint != ep {
		t.Fatalf("events = %+v, want one SessionCreated carrying the endpoint", *events)
	}
}

func TestRegisterRejectsEmptyInput(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("", newFakeEndpoint("x")); !errors.Is(err, ErrEmptyUsername) {
		t.Fatalf("Register empty username = %v, want ErrEmptyUsername", err)
	}
	if err := r.Register("alice", nil); !errors.Is(err, ErrNilEndpoint) {
		t.Fatalf("Register nil endpoint = %v, want ErrNilEndpoint", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRegisterReplacesLastWriteWins(t *testing.T) {
	r := NewRegistry()
	first := newFakeEndpoint("a")
	second := newFakeEndpoint("b")
	r.Register("alice", first)
	r.Activate("alice")
	r.Register("alice", second)

	s, _ := r.Session("alice")
	if s.Endpoint != second {
		t.Fatal("Register should replace the endpoint")
	}
	if s.Enabled {
		t.Fatal("replacement entry should start disabled")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRegisterLeavesOtherFlagsAlone(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", newFakeEndpoint("a"))
	r.Activate("alice")
	r.Register("bob", newFakeEndpoint("b"))

	active, ok := r.Active()
	if !ok || active.Username != "alice" {
		t.Fatalf("Active() = %+v, %v; want alice", active, ok)
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	ep := newFakeEndpoint("a")
	r.Register("alice", ep)
	events := recordEvents(r)

	if err := r.Unregister("alice"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := r.Session("alice"); ok {
		t.Fatal("session should be gone")
	}
	if len(*events) != 1 || (*events)[0].Kind != SessionDestroyed || (*events)[0].Endpoint != ep {
		t.Fatalf("events = %+v, want one SessionDestroyed carrying the endpoint", *events)
	}

	if err := r.Unregister("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Unregister = %v, want ErrNotFound", err)
	}
	if len(*events) != 1 {
		t.Fatal("unregistering an absent user should not emit")
	}
}

func TestActivateSwitchesSingleSession(t *testing.T) {
	r := NewRegistry()
	alice := newFakeEndpoint("a")
	bob := newFakeEndpoint("b")
	r.Register("alice", alice)
	r.Register("bob", bob)

	r.Activate("alice")
	if got, _ := alice.last(); !got {
		t.Fatal("alice endpoint should be enabled")
	}
	if got, _ := bob.last(); got {
		t.Fatal("bob endpoint should be disabled")
	}

	r.Activate("bob")
	if got, _ := alice.last(); got {
		t.Fatal("alice endpoint should be disabled after switching")
	}
	if got, _ := bob.last(); !got {
		t.Fatal("bob endpoint should be enabled after switching")
	}
	if enabledCount(r) != 1 {
		t.Fatalf("enabled sessions = %d, want 1", enabledCount(r))
	}
}

func TestActivateUnregisteredUserDisablesAll(t *testing.T) {
	r := NewRegistry()
	r.Register("alice", newFakeEndpoint("a"))
	r.Activate("alice")
	events := recordEvents(r)

	r.Activate("carol")

	if enabledCount(r) != 0 {
		t.Fatalf("enabled sessions = %d, want 0", enabledCount(r))
	}
	if len(*events) != 1 || (*events)[0].Kind != UserActivated || (*events)[0].Username != "carol" {
		t.Fatalf("events = %+v, want UserActivated(carol)", *events)
	}

	// Registering carol afterwards does not enable her: no desired user is remembered.
	r.Register("carol", newFakeEndpoint("c"))
	if enabledCount(r) != 0 {
		t.Fatal("late registration should not be enabled automatically")
	}
}

func TestAtMostOneEnabledAfterActivate(t *testing.T) {
	users := []string{"alice", "bob", "carol", "dave"}
	rng := rand.New(rand.NewSource(7))

	r := NewRegistry()
	for i := 0; i < 500; i++ {
		u := users[rng.Intn(len(users))]
		switch rng.Intn(3) {
		case 0:
			r.Register(u, newFakeEndpoint(u))
		case 1:
			r.Unregister(u)
		case 2:
			r.Activate(u)
			if n := enabledCount(r); n > 1 {
				t.Fatalf("step %d: %d sessions enabled after Activate(%s)", i, n, u)
			}
		}
	}
}

func TestLookupByEndpoint(t *testing.T) {
	r := NewRegistry()
	a := newFakeEndpoint("a")
	r.Register("alice", a)

	if u, ok := r.LookupByEndpoint(a); !ok || u != "alice" {
		t.Fatalf("LookupByEndpoint = %q, %v; want alice", u, ok)
	}
	if _, ok := r.LookupByEndpoint(newFakeEndpoint("missing")); ok {
		t.Fatal("lookup of unknown endpoint should fail")
	}
	if _, ok := r.LookupByEndpoint(nil); ok {
		t.Fatal("lookup of nil endpoint should fail")
	}
}

func TestLookupByEqualEndpointsReturnsFirstInUsernameOrder(t *testing.T) {
	r := NewRegistry()
	shared := &[]bool{}
	r.Register("zed", fakeEndpoint{path: "/shared", state: shared})
	r.Register("bob", fakeEndpoint{path: "/shared", state: shared})
	r.Register("mia", fakeEndpoint{path: "/shared", state: shared})

	u, ok := r.LookupByEndpoint(fakeEndpoint{path: "/shared", state: shared})
	if !ok || u != "bob" {
		t.Fatalf("LookupByEndpoint = %q, %v; want bob", u, ok)
	}
}

func TestSessionsSortedAndUnsubscribe(t *testing.T) {
	r := NewRegistry()
	count := 0
	unsubscribe := r.Subscribe(func(Event) { count++ })

	r.Register("carol", newFakeEndpoint("c"))
	r.Register("alice", newFakeEndpoint("a"))
	unsubscribe()
	r.Register("bob", newFakeEndpoint("b"))

	if count != 2 {
		t.Fatalf("listener saw %d events, want 2", count)
	}

	got := r.Sessions()
	want := []string{"alice", "bob", "carol"}
	for i, s := range got {
		if s.Username != want[i] {
			t.Fatalf("Sessions()[%d] = %s, want %s", i, s.Username, want[i])
		}
	}
}
