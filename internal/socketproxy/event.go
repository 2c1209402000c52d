package socketproxy

// EventKind identifies a registry notification.
type EventKind int

const (
	SessionCreated EventKind = iota + 1
	SessionDestroyed
	UserActivated
)

func (k EventKind) String() string {
	switch k {
	case SessionCreated:
		return "session_created"
	case SessionDestroyed:
		return "session_destroyed"
	case UserActivated:
		return "user_activated"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners synchronously, in emission order.
// Endpoint is nil for UserActivated.
type Event struct {
	Kind     EventKind
	Username string
	Endpoint Endpoint
}

// Listener receives registry events on the event loop.
type Listener func(Event)

type subscription struct {
	id int
	fn Listener
}

// Subscribe adds a listener and returns a function that removes it.
func (r *Registry) Subscribe(fn Listener) func() {
	r.nextSub++
	id := r.nextSub
	r.listeners = append(r.listeners, subscription{id: id, fn: fn})
	return func() {
		for i, sub := range r.listeners {
			if sub.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) emit(ev Event) {
	for _, sub := range r.listeners {
		sub.fn(ev)
	}
}
