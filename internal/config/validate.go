package config

import (
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether startup must be aborted.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; values the daemon cannot run with are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ControlSocket == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("control_socket must not be empty"))
	} else if !filepath.IsAbs(c.ControlSocket) {
		r.Fatals = append(r.Fatals, fmt.Errorf("control_socket %q must be an absolute path", c.ControlSocket))
	}

	switch c.ScanMode {
	case ScanModeStrict, ScanModeEvaluateAll:
	case "":
		c.ScanMode = ScanModeStrict
	default:
		r.Fatals = append(r.Fatals, fmt.Errorf("scan_mode %q is not valid (use %s or %s)", c.ScanMode, ScanModeStrict, ScanModeEvaluateAll))
	}

	if c.HTTPListen != "" {
		if _, _, err := net.SplitHostPort(c.HTTPListen); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("http_listen %q is not a host:port address: %w", c.HTTPListen, err))
		}
	}

	if c.DebounceMs < 10 {
		r.Warnings = append(r.Warnings, fmt.Errorf("debounce_ms %d is below minimum 10, clamping", c.DebounceMs))
		c.DebounceMs = 10
	} else if c.DebounceMs > 5000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("debounce_ms %d exceeds maximum 5000, clamping", c.DebounceMs))
		c.DebounceMs = 5000
	}

	if c.EventQueueSize < 16 {
		r.Warnings = append(r.Warnings, fmt.Errorf("event_queue_size %d is below minimum 16, clamping", c.EventQueueSize))
		c.EventQueueSize = 16
	} else if c.EventQueueSize > 65536 {
		r.Warnings = append(r.Warnings, fmt.Errorf("event_queue_size %d exceeds maximum 65536, clamping", c.EventQueueSize))
		c.EventQueueSize = 65536
	}

	if c.SessionWatchIntervalSeconds < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("session_watch_interval_seconds %d is below minimum 1, clamping", c.SessionWatchIntervalSeconds))
		c.SessionWatchIntervalSeconds = 1
	} else if c.SessionWatchIntervalSeconds > 300 {
		r.Warnings = append(r.Warnings, fmt.Errorf("session_watch_interval_seconds %d exceeds maximum 300, clamping", c.SessionWatchIntervalSeconds))
		c.SessionWatchIntervalSeconds = 300
	}

	switch c.SessionWatchBackend {
	case SessionWatchLogind, SessionWatchLoginctl:
	case "":
		c.SessionWatchBackend = SessionWatchLogind
	default:
		r.Warnings = append(r.Warnings, fmt.Errorf("session_watch_backend %q is not valid, using %s", c.SessionWatchBackend, SessionWatchLogind))
		c.SessionWatchBackend = SessionWatchLogind
	}

	if c.AuditEnabled && c.DataDir == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("data_dir is required when audit_enabled is set"))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}
