package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite
	Path   string `yaml:"path"`   // sqlite database path
}

// RouterConfig holds task routing settings.
type RouterConfig struct {
	// Routes maps task actions to agent types. Actions without a mapping
	// are unroutable.
	Routes map[string]string `yaml:"routes"`
	// DefaultTimeout is applied to dispatched envelopes when the task does
	// not carry its own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// DegradedFallback controls whether routing falls back to the
	// unfiltered candidate set when every candidate reports error/stopped.
	// Disabling it makes such routes fail instead of dispatching to a
	// known-bad agent.
	DegradedFallback *bool `yaml:"degraded_fallback"`
	// DispatchRate limits dispatches per agent per second. 0 disables
	// rate limiting.
	DispatchRate  float64 `yaml:"dispatch_rate"`
	DispatchBurst int     `yaml:"dispatch_burst"`
}

// BreakerConfig configures the health-check circuit breakers.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	TTL      time.Duration `yaml:"ttl"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// WorkflowConfig holds workflow engine settings.
type WorkflowConfig struct {
	// Dir is scanned for YAML workflow definitions at startup.
	Dir        string `yaml:"dir"`
	MaxRunning int    `yaml:"max_running"`
}

// MaintenanceConfig holds recurring maintenance schedules. Schedules are cron
// expressions or duration strings.
type MaintenanceConfig struct {
	SnapshotSchedule string `yaml:"snapshot_schedule"`
	HealthSweep      string `yaml:"health_sweep"`
}

// Config is the top-level application configuration.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Store       StoreConfig       `yaml:"store"`
	Router      RouterConfig      `yaml:"router"`
	Health      HealthConfig      `yaml:"health"`
	Workflows   WorkflowConfig    `yaml:"workflows"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// Default returns a configuration with sensible defaults applied.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
		Store:  StoreConfig{Driver: "memory"},
		Router: RouterConfig{
			DefaultTimeout: 30 * time.Second,
			DispatchBurst:  1,
		},
		Health: HealthConfig{
			Interval: 10 * time.Second,
			TTL:      30 * time.Second,
		},
		Workflows: WorkflowConfig{MaxRunning: 10},
		Maintenance: MaintenanceConfig{
			SnapshotSchedule: "5m",
			HealthSweep:      "1m",
		},
	}
}

// Load reads a YAML configuration file and applies defaults to unset fields.
// A missing file is not an error; defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Logger.Level == "" {
		c.Logger.Level = d.Logger.Level
	}
	if c.Logger.Output == "" {
		c.Logger.Output = d.Logger.Output
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Router.DefaultTimeout <= 0 {
		c.Router.DefaultTimeout = d.Router.DefaultTimeout
	}
	if c.Router.DispatchBurst <= 0 {
		c.Router.DispatchBurst = d.Router.DispatchBurst
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = d.Health.Interval
	}
	if c.Health.TTL <= 0 {
		c.Health.TTL = d.Health.TTL
	}
	if c.Workflows.MaxRunning <= 0 {
		c.Workflows.MaxRunning = d.Workflows.MaxRunning
	}
	if c.Maintenance.SnapshotSchedule == "" {
		c.Maintenance.SnapshotSchedule = d.Maintenance.SnapshotSchedule
	}
	if c.Maintenance.HealthSweep == "" {
		c.Maintenance.HealthSweep = d.Maintenance.HealthSweep
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Router.DispatchRate < 0 {
		return fmt.Errorf("config: router.dispatch_rate must not be negative")
	}
	return nil
}

// DegradedFallbackEnabled reports the effective fallback policy. Falling back
// to the unfiltered candidate set is the default.
func (r RouterConfig) DegradedFallbackEnabled() bool {
	if r.DegradedFallback == nil {
		return true
	}
	return *r.DegradedFallback
}
