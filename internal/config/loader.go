package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables that override file settings.
const EnvPrefix = "FLIGHT_SCHEDULER_"

// LoadConfig loads and validates the configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data)
}

// LoadOrDefault behaves like LoadConfig but treats a missing file as empty.
func LoadOrDefault(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return parse(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	cfg.Status.Enabled = true
	cfg.Hooks.FailOnError = true
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyEnv(&cfg, os.LookupEnv)

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnv overlays FLIGHT_SCHEDULER_* variables on top of the file values.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	overrides := map[string]*string{
		"CONTROLLER_URL": &cfg.ControllerURL,
		"NODE_NAME":      &cfg.NodeName,
		"LOG_LEVEL":      &cfg.Log.Level,
		"SPOOL_DIR":      &cfg.SpoolDir,
		"AUTH_TYPE":      &cfg.AuthType,
	}
	for name, field := range overrides {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}
}

func applyDefaults(cfg *Config) error {
	if cfg.ControllerURL == "" {
		cfg.ControllerURL = "ws://127.0.0.1:6307/v0/ws"
	}
	if cfg.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to determine node name: %w", err)
		}
		cfg.NodeName, _, _ = strings.Cut(host, ".")
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = "/var/spool/flightd"
	}
	if cfg.AuthType == "" {
		cfg.AuthType = "basic"
	}
	if cfg.StepPortRange.Start == 0 && cfg.StepPortRange.End == 0 {
		cfg.StepPortRange = PortRange{Start: 50000, End: 51000}
	}
	if cfg.MaxConnectionSleep == 0 {
		cfg.MaxConnectionSleep = 60 * time.Second
	}
	if cfg.PollIntervalShort == 0 {
		cfg.PollIntervalShort = 500 * time.Millisecond
	}
	if cfg.PollIntervalLong == 0 {
		cfg.PollIntervalLong = 5 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stderr"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 50
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 28
	}

	if cfg.History.Driver == "" {
		cfg.History.Driver = "bbolt"
	}
	if cfg.History.Path == "" {
		name := "history.db"
		if cfg.History.Driver == "json" {
			name = "history.json"
		}
		cfg.History.Path = filepath.Join(cfg.SpoolDir, name)
	}
	if cfg.History.Retention == 0 {
		cfg.History.Retention = 1000
	}
	if cfg.History.PruneSchedule == "" {
		cfg.History.PruneSchedule = "@hourly"
	}

	if cfg.Status.Listen == "" {
		cfg.Status.Listen = "127.0.0.1:6308"
	}
	if cfg.Hooks.Timeout == 0 {
		cfg.Hooks.Timeout = 60 * time.Second
	}
	if cfg.Munge.Binary == "" {
		cfg.Munge.Binary = "munge"
	}
	if cfg.Munge.Timeout == 0 {
		cfg.Munge.Timeout = 2 * time.Second
	}
	return nil
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.ControllerURL)
	if err != nil {
		return fmt.Errorf("invalid controller_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("invalid controller_url scheme %q (must be ws, wss, http or https)", u.Scheme)
	}
	cfg.ControllerURL = u.String()

	if !filepath.IsAbs(cfg.SpoolDir) {
		return fmt.Errorf("spool_dir must be an absolute path: %s", cfg.SpoolDir)
	}

	switch cfg.AuthType {
	case "basic", "munge":
	default:
		return fmt.Errorf("invalid auth_type: %s (must be 'basic' or 'munge')", cfg.AuthType)
	}

	r := cfg.StepPortRange
	if r.Start < 1 || r.End > 65535 || r.Start > r.End {
		return fmt.Errorf("invalid step_port_range %d-%d", r.Start, r.End)
	}

	durations := map[string]time.Duration{
		"max_connection_sleep": cfg.MaxConnectionSleep,
		"poll_interval_short":  cfg.PollIntervalShort,
		"poll_interval_long":   cfg.PollIntervalLong,
		"hooks.timeout":        cfg.Hooks.Timeout,
		"munge.timeout":        cfg.Munge.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.MaxConnectionSleep < time.Second {
		return fmt.Errorf("max_connection_sleep must be at least 1s")
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %s (must be 'text' or 'json')", cfg.Log.Format)
	}

	if !isSupportedDriver(cfg.History.Driver) {
		return fmt.Errorf("invalid history driver: %s (must be 'bbolt' or 'json')", cfg.History.Driver)
	}
	if cfg.History.Retention < 0 {
		return fmt.Errorf("history.retention must be non-negative")
	}

	return nil
}

func isSupportedDriver(driver string) bool {
	return driver == "bbolt" || driver == "json"
}

// StateDir is the directory holding per-job spool state.
func (c *Config) StateDir() string {
	return filepath.Join(c.SpoolDir, "state")
}

// SnapshotPath is the live registry snapshot file.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.SpoolDir, "job_state")
}
