// Package audit keeps a tamper-evident record of seat ownership changes:
// which user's session was registered, removed, or given the seat, and
// when the daemon started and stopped.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/treeland-project/sessiond/internal/logging"
)

var log = logging.L("audit")

const (
	EventSessionRegistered   = "session_registered"
	EventSessionUnregistered = "session_unregistered"
	EventUserActivated       = "user_activated"
	EventUserLoggedOut       = "user_logged_out"
	EventDaemonStart         = "daemon_start"
	EventDaemonStop          = "daemon_stop"
	EventLogRotated          = "log_rotated"
)

const genesisHash = "genesis"

// syncedEvents are fsynced after writing.
var syncedEvents = map[string]bool{
	EventUserActivated: true,
	EventDaemonStart:   true,
	EventDaemonStop:    true,
}

var ErrChainBroken = errors.New("audit: hash chain broken")

// Entry is one JSONL record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Username  string         `json:"username,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger appends hash-chained entries to {dataDir}/audit.jsonl. When the
// file is rotated the new file opens with an EventLogRotated entry linked
// to the last entry of the old one.
type Logger struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger opens the audit log in dataDir, continuing the hash chain of
// an existing file.
func NewLogger(dataDir string, maxSizeMB, maxBackups int, clock clockwork.Clock) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create data dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	l := &Logger{
		clock:      clock,
		filePath:   filepath.Join(dataDir, "audit.jsonl"),
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
	}

	last, err := lastEntry(l.filePath)
	if err != nil {
		log.Warn("could not read previous audit log, starting a new chain", logging.KeyError, err)
	} else if last != nil {
		l.prevHash = last.EntryHash
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", l.filePath)
	return l, nil
}

func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log appends an entry. The chain only advances after a successful write.
// Safe to call on a nil receiver.
func (l *Logger) Log(eventType, username string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, data, err := l.seal(Entry{
		Timestamp: l.clock.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Username:  username,
		Details:   details,
		PrevHash:  l.prevHash,
	})
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
		// The sentinel moved the chain; relink.
		entry.PrevHash = l.prevHash
		if entry, data, err = l.seal(entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	if err := l.write(data); err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.prevHash = entry.EntryHash

	if syncedEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync audit entry", logging.KeyError, err, "eventType", eventType)
		}
	}
}

// Close closes the log file. Safe to call on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

func (l *Logger) seal(entry Entry) (Entry, []byte, error) {
	hash, err := computeHash(entry)
	if err != nil {
		return entry, nil, err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return entry, nil, fmt.Errorf("marshal entry: %w", err)
	}
	return entry, append(data, '\n'), nil
}

func (l *Logger) write(data []byte) error {
	if l.file == nil {
		return os.ErrClosed
	}
	n, err := l.file.Write(data)
	l.written += int64(n)
	return err
}

// computeHash hashes length-prefixed fields so no two field splits collide.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Username, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat log: %w", err)
	}

	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if err := logging.ShiftBackups(l.filePath, l.maxBackups); err != nil {
		log.Warn("failed to shift audit backups", logging.KeyError, err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel, data, err := l.seal(Entry{
		Timestamp: l.clock.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  l.prevHash,
		Details:   map[string]any{"previousFile": logging.BackupName(l.filePath, 1)},
	})
	if err == nil {
		err = l.write(data)
	}
	if err != nil {
		log.Error("rotation sentinel failed, hash chain broken", logging.KeyError, err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.prevHash = sentinel.EntryHash
	return nil
}

// readEntries decodes every line of an audit file.
func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return entries, fmt.Errorf("audit: line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func lastEntry(path string) (*Entry, error) {
	entries, err := readEntries(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[len(entries)-1], nil
}

// Verify checks the hash chain of one audit file and returns the number of
// entries it holds. The first entry may link to anything; every later
// entry must link to its predecessor and hash to its own EntryHash.
func Verify(path string) (int, error) {
	entries, err := readEntries(path)
	if err != nil {
		return len(entries), err
	}
	for i, e := range entries {
		want, err := computeHash(e)
		if err != nil {
			return i, err
		}
		if want != e.EntryHash {
			return i, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i+1)
		}
		if i > 0 && e.PrevHash != entries[i-1].EntryHash {
			return i, fmt.Errorf("%w: entry %d does not link to entry %d", ErrChainBroken, i+1, i)
		}
	}
	return len(entries), nil
}
