package sessionwatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/treeland-project/sessiond/internal/logging"
)

const (
	logindDest         = "org.freedesktop.login1"
	logindPath         = dbus.ObjectPath("/org/freedesktop/login1")
	logindListSessions = "org.freedesktop.login1.Manager.ListSessions"
	logindSessionState = "org.freedesktop.login1.Session.State"
)

// logindSession is one row of Manager.ListSessions, signature a(susso).
type logindSession struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

// Logind lists sessions over the system bus. The connection is opened on
// first use and reopened after a failed call.
type Logind struct {
	Seat string

	mu   sync.Mutex
	conn *dbus.Conn
}

func NewLogind(seat string) *Logind {
	return &Logind{Seat: seat}
}

func (l *Logind) bus() (*dbus.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil && l.conn.Connected() {
		return l.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("logind: connect system bus: %w", err)
	}
	l.conn = conn
	return conn, nil
}

func (l *Logind) ListSessions(ctx context.Context) ([]DetectedSession, error) {
	conn, err := l.bus()
	if err != nil {
		return nil, err
	}

	var raw []logindSession
	call := conn.Object(logindDest, logindPath).CallWithContext(ctx, logindListSessions, 0)
	if err := call.Store(&raw); err != nil {
		l.Close()
		return nil, fmt.Errorf("logind: list sessions: %w", err)
	}

	return fromLogind(raw, l.Seat, func(path dbus.ObjectPath) string {
		v, err := conn.Object(logindDest, path).GetProperty(logindSessionState)
		if err != nil {
			log.Debug("logind session state unavailable", "path", string(path), logging.KeyError, err)
			return ""
		}
		state, _ := v.Value().(string)
		return state
	}), nil
}

// Close drops the bus connection.
func (l *Logind) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

func fromLogind(raw []logindSession, seat string, state func(dbus.ObjectPath) string) []DetectedSession {
	var sessions []DetectedSession
	for _, r := range raw {
		sess := DetectedSession{
			UID:      r.UID,
			Username: r.User,
			Session:  r.ID,
			Seat:     r.Seat,
		}
		if seat != "" && sess.Seat != seat {
			continue
		}
		sess.State = state(r.Path)
		if keep(sess, seat) {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}
