// Package sessionwatch follows logind sessions so a user whose last session
// ends is unregistered from the seat.
package sessionwatch

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/treeland-project/sessiond/internal/logging"
)

var log = logging.L("sessionwatch")

// EventType identifies login/logout events.
type EventType string

const (
	Login  EventType = "login"
	Logout EventType = "logout"
)

// Event is a user-level change: Login when a user's first session
// appears, Logout when their last one goes away.
type Event struct {
	Type     EventType `json:"type"`
	UID      uint32    `json:"uid"`
	Username string    `json:"username"`
}

// DetectedSession is a snapshot of a logged-in session.
type DetectedSession struct {
	UID      uint32 `json:"uid"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Seat     string `json:"seat,omitempty"`
	State    string `json:"state,omitempty"`
}

// Lister enumerates current sessions.
type Lister interface {
	ListSessions(ctx context.Context) ([]DetectedSession, error)
}

// Runner runs a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Loginctl lists sessions through systemd-logind's loginctl. Seat, when
// set, restricts the listing to that seat.
type Loginctl struct {
	Seat string
	Run  Runner
}

func NewLoginctl(seat string) *Loginctl {
	return &Loginctl{Seat: seat, Run: execRunner}
}

func (l *Loginctl) ListSessions(ctx context.Context) ([]DetectedSession, error) {
	out, err := l.Run(ctx, "loginctl", "list-sessions", "--no-legend", "--no-pager")
	if err != nil {
		return nil, fmt.Errorf("loginctl list-sessions: %w", err)
	}

	var sessions []DetectedSession
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		uid, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			continue
		}
		sess := DetectedSession{
			UID:      uint32(uid),
			Username: fields[2],
			Session:  fields[0],
		}
		if propOut, err := l.Run(ctx, "loginctl", "show-session", sess.Session, "--property=Seat,State"); err == nil {
			applyProperties(&sess, string(propOut))
		}

		if keep(sess, l.Seat) {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// keep drops sessions on other seats and sessions logind is tearing down.
func keep(sess DetectedSession, seat string) bool {
	if seat != "" && sess.Seat != seat {
		return false
	}
	return sess.State != "closing"
}

func applyProperties(sess *DetectedSession, out string) {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "Seat":
			sess.Seat = value
		case "State":
			sess.State = value
		}
	}
}
