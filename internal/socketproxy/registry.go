// Package socketproxy maps usernames to their per-user display endpoints and
// keeps at most one of them enabled, which is how fast user switching hands
// the seat from one session to another.
//
// A Registry is owned by the event loop and takes no locks.
package socketproxy

import (
	"sort"

	"github.com/treeland-project/sessiond/internal/logging"
)

var log = logging.L("socketproxy")

// Endpoint is a per-user connection endpoint. Implementations must be
// comparable with == so reverse lookup can match them.
type Endpoint interface {
	SetEnabled(enabled bool)
}

// UserSession is a registered user's endpoint and its enabled flag.
type UserSession struct {
	Username string
	Endpoint Endpoint
	Enabled  bool
}

// Registry holds one UserSession per username.
type Registry struct {
	sessions  map[string]*UserSession
	listeners []subscription
	nextSub   int
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*UserSession),
	}
}

// Register inserts or replaces the session for username. The new entry
// starts disabled and other entries are left as they were. Replacing an
// entry does not emit SessionDestroyed for the old endpoint; its owner is
// expected to close it.
func (r *Registry) Register(username string, endpoint Endpoint) error {
	if username == "" {
		return ErrEmptyUsername
	}
	if endpoint == nil {
		return ErrNilEndpoint
	}

	if old, ok := r.sessions[username]; ok {
		log.Info("replacing session", logging.KeyUsername, username, "wasEnabled", old.Enabled)
	}

	r.sessions[username] = &UserSession{Username: username, Endpoint: endpoint}
	endpoint.SetEnabled(false)

	log.Info("session registered", logging.KeyUsername, username)
	r.emit(Event{Kind: SessionCreated, Username: username, Endpoint: endpoint})
	return nil
}

// Unregister removes the session for username. An absent username is a
// no-op reported as ErrNotFound.
func (r *Registry) Unregister(username string) error {
	s, ok := r.sessions[username]
	if !ok {
		log.Debug("unregister for unknown user", logging.KeyUsername, username)
		return ErrNotFound
	}

	delete(r.sessions, username)

	log.Info("session unregistered", logging.KeyUsername, username)
	r.emit(Event{Kind: SessionDestroyed, Username: username, Endpoint: s.Endpoint})
	return nil
}

// Activate enables the session for username and disables every other one
// in a single pass. UserActivated is emitted even when no session matched,
// in which case no session is left enabled.
func (r *Registry) Activate(username string) {
	matched := false
	for _, s := range r.sorted() {
		enabled := s.Username == username
		if enabled {
			matched = true
		}
		s.Enabled = enabled
		s.Endpoint.SetEnabled(enabled)
	}

	if !matched {
		log.Warn("activated user has no session, all sessions disabled", logging.KeyUsername, username)
	} else {
		log.Info("user activated", logging.KeyUsername, username)
	}
	r.emit(Event{Kind: UserActivated, Username: username})
}

// LookupByEndpoint returns the username whose endpoint equals endpoint.
// Entries are visited in ascending username order and the first match wins.
func (r *Registry) LookupByEndpoint(endpoint Endpoint) (string, bool) {
	if endpoint == nil {
		return "", false
	}
	for _, s := range r.sorted() {
		if s.Endpoint == endpoint {
			return s.Username, true
		}
	}
	return "", false
}

// Session returns a copy of the session for username.
func (r *Registry) Session(username string) (UserSession, bool) {
	s, ok := r.sessions[username]
	if !ok {
		return UserSession{}, false
	}
	return *s, true
}

// Sessions returns a snapshot of all sessions sorted by username.
func (r *Registry) Sessions() []UserSession {
	out := make([]UserSession, 0, len(r.sessions))
	for _, s := range r.sorted() {
		out = append(out, *s)
	}
	return out
}

// Active returns the enabled session, if any.
func (r *Registry) Active() (UserSession, bool) {
	for _, s := range r.sessions {
		if s.Enabled {
			return *s, true
		}
	}
	return UserSession{}, false
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

func (r *Registry) sorted() []*UserSession {
	out := make([]*UserSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Username < out[j].Username
	})
	return out
}
