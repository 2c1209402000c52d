package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Session watch backends.
const (
	SessionWatchLogind   = "logind"
	SessionWatchLoginctl = "loginctl"
)

// Scan modes for the overlap checker.
const (
	ScanModeStrict      = "strict"
	ScanModeEvaluateAll = "evaluate_all"
)

type Config struct {
	ControlSocket               string   `mapstructure:"control_socket"`
	AllowedUIDs                 []uint32 `mapstructure:"allowed_uids"`
	DebounceMs                  int      `mapstructure:"debounce_ms"`
	ScanMode                    string   `mapstructure:"scan_mode"`
	EventQueueSize              int      `mapstructure:"event_queue_size"`
	HTTPListen                  string   `mapstructure:"http_listen"`
	SessionWatch                bool     `mapstructure:"session_watch"`
	SessionWatchIntervalSeconds int      `mapstructure:"session_watch_interval_seconds"`
	SessionWatchBackend         string   `mapstructure:"session_watch_backend"`
	Seat                        string   `mapstructure:"seat"`
	AuditEnabled                bool     `mapstructure:"audit_enabled"`
	AuditMaxSizeMB              int      `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups             int      `mapstructure:"audit_max_backups"`
	DataDir                     string   `mapstructure:"data_dir"`
	LogLevel                    string   `mapstructure:"log_level"`
	LogFormat                   string   `mapstructure:"log_format"`
	LogFile                     string   `mapstructure:"log_file"`
	LogMaxSizeMB                int      `mapstructure:"log_max_size_mb"`
	LogMaxBackups               int      `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		ControlSocket:               "/run/treeland/sessiond.sock",
		DebounceMs:                  300,
		ScanMode:                    ScanModeStrict,
		EventQueueSize:              1024,
		HTTPListen:                  "127.0.0.1:9470",
		SessionWatchIntervalSeconds: 5,
		SessionWatchBackend:         SessionWatchLogind,
		Seat:                        "seat0",
		AuditEnabled:                true,
		AuditMaxSizeMB:              10,
		AuditMaxBackups:             3,
		DataDir:                     "/var/lib/treeland",
		LogLevel:                    "info",
		LogFormat:                   "text",
		LogMaxSizeMB:                50,
		LogMaxBackups:               3,
	}
}

// Debounce returns the overlap debounce delay.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// SessionWatchInterval returns the logind polling interval.
func (c *Config) SessionWatchInterval() time.Duration {
	return time.Duration(c.SessionWatchIntervalSeconds) * time.Second
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("sessiond")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TREELAND")
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv makes every key overridable through TREELAND_<KEY> even when the
// key is absent from the config file; AutomaticEnv alone only covers keys
// viper already knows about.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"control_socket", "allowed_uids", "debounce_ms", "scan_mode",
		"event_queue_size", "http_listen", "session_watch",
		"session_watch_interval_seconds", "session_watch_backend", "seat",
		"audit_enabled", "audit_max_size_mb",
		"audit_max_backups", "data_dir", "log_level", "log_format", "log_file",
		"log_max_size_mb", "log_max_backups",
	} {
		v.BindEnv(key)
	}
}

// SaveTo writes cfg as YAML. An empty cfgFile writes the default location.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("control_socket", cfg.ControlSocket)
	v.Set("allowed_uids", cfg.AllowedUIDs)
	v.Set("debounce_ms", cfg.DebounceMs)
	v.Set("scan_mode", cfg.ScanMode)
	v.Set("event_queue_size", cfg.EventQueueSize)
	v.Set("http_listen", cfg.HTTPListen)
	v.Set("session_watch", cfg.SessionWatch)
	v.Set("session_watch_interval_seconds", cfg.SessionWatchIntervalSeconds)
	v.Set("session_watch_backend", cfg.SessionWatchBackend)
	v.Set("seat", cfg.Seat)
	v.Set("audit_enabled", cfg.AuditEnabled)
	v.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.Set("audit_max_backups", cfg.AuditMaxBackups)
	v.Set("data_dir", cfg.DataDir)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(ConfigDir(), "sessiond.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}
	return os.Chmod(cfgPath, 0o644)
}

// ConfigDir is the system configuration directory.
func ConfigDir() string {
	return "/etc/treeland"
}
