package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master's YAML-loadable configuration
type Config struct {
	// ListenAddr is the address the combined HTTP surface (REST API, agent
	// hub, metrics) binds to.
	ListenAddr string `yaml:"listenAddr"`

	// Environment names the managed environment; journal trees live under it.
	Environment string `yaml:"environment"`

	// DataDir holds the journal root and the inventory database.
	DataDir string `yaml:"dataDir"`

	// HeartbeatIntervalSeconds is the cadence advertised to agents.
	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds"`

	// Dispatch tunes the stage execution windows.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Log controls level and output format.
	Log LogConfig `yaml:"log"`
}

// DispatchConfig mirrors the dispatcher's timing windows
type DispatchConfig struct {
	ReadinessTimeout    time.Duration `yaml:"readinessTimeout"`
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	CancelWaitWindow    time.Duration `yaml:"cancelWaitWindow"`
	CancelPollInterval  time.Duration `yaml:"cancelPollInterval"`
	FlushWaitWindow     time.Duration `yaml:"flushWaitWindow"`
}

// UnmarshalYAML accepts the windows as duration strings ("30s", "200ms").
// Absent keys keep whatever value the struct already holds, so the file
// overlays the defaults.
func (d *DispatchConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ReadinessTimeout    string `yaml:"readinessTimeout"`
		HealthCheckInterval string `yaml:"healthCheckInterval"`
		CancelWaitWindow    string `yaml:"cancelWaitWindow"`
		CancelPollInterval  string `yaml:"cancelPollInterval"`
		FlushWaitWindow     string `yaml:"flushWaitWindow"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parse := func(name, s string, into *time.Duration) error {
		if s == "" {
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration for dispatch.%s: %w", name, err)
		}
		*into = v
		return nil
	}
	if err := parse("readinessTimeout", raw.ReadinessTimeout, &d.ReadinessTimeout); err != nil {
		return err
	}
	if err := parse("healthCheckInterval", raw.HealthCheckInterval, &d.HealthCheckInterval); err != nil {
		return err
	}
	if err := parse("cancelWaitWindow", raw.CancelWaitWindow, &d.CancelWaitWindow); err != nil {
		return err
	}
	if err := parse("cancelPollInterval", raw.CancelPollInterval, &d.CancelPollInterval); err != nil {
		return err
	}
	return parse("flushWaitWindow", raw.FlushWaitWindow, &d.FlushWaitWindow)
}

// LogConfig controls the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the defaults used when no file is given
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               ":7070",
		Environment:              "default",
		DataDir:                  "/var/lib/drover",
		HeartbeatIntervalSeconds: 15,
		Dispatch: DispatchConfig{
			ReadinessTimeout:    30 * time.Second,
			HealthCheckInterval: 15 * time.Second,
			CancelWaitWindow:    15 * time.Second,
			CancelPollInterval:  200 * time.Millisecond,
			FlushWaitWindow:     30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the master cannot run with
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr is required")
	}
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeatIntervalSeconds must be positive")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	for name, d := range map[string]time.Duration{
		"dispatch.readinessTimeout":    c.Dispatch.ReadinessTimeout,
		"dispatch.healthCheckInterval": c.Dispatch.HealthCheckInterval,
		"dispatch.cancelWaitWindow":    c.Dispatch.CancelWaitWindow,
		"dispatch.cancelPollInterval":  c.Dispatch.CancelPollInterval,
		"dispatch.flushWaitWindow":     c.Dispatch.FlushWaitWindow,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}
