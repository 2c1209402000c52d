package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultLogSizeMB  = 50
	defaultLogBackups = 3
)

// BackupName returns the path of the n-th rotated copy of path. n == 0 is
// path itself.
func BackupName(path string, n int) string {
	if n == 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, n)
}

// ShiftBackups makes room for a fresh file at path: path.keep is dropped,
// each path.N moves to path.N+1 and path becomes path.1. Missing files are
// skipped; other failures are joined and returned after every step ran.
func ShiftBackups(path string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	var errs []error
	if err := os.Remove(BackupName(path, keep)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	for n := keep - 1; n >= 0; n-- {
		err := os.Rename(BackupName(path, n), BackupName(path, n+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RotatingWriter appends to the daemon's log file and rotates it by size.
// It is safe for concurrent use.
type RotatingWriter struct {
	path  string
	limit int64
	keep  int

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewRotatingWriter opens path for appending. Non-positive limits fall back
// to 50 MB and 3 backups.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultLogSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultLogBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("logging: create log directory: %w", err)
	}

	w := &RotatingWriter{path: path, limit: int64(maxSizeMB) << 20, keep: maxBackups}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write rotates first when p would take a non-empty file past the limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		w.f.Close()
		if err := ShiftBackups(w.path, w.keep); err != nil {
			fmt.Fprintf(os.Stderr, "logging: rotate %s: %v\n", w.path, err)
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		w.f = nil
		return fmt.Errorf("logging: open %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		w.f = nil
		return fmt.Errorf("logging: stat %s: %w", w.path, err)
	}
	w.f, w.size = f, info.Size()
	return nil
}
