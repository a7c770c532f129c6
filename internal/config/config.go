package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andywolf/autopilot/internal/audit"
	"github.com/andywolf/autopilot/internal/events"
	"github.com/andywolf/autopilot/internal/executor"
	"github.com/andywolf/autopilot/internal/scheduler"
	"github.com/spf13/viper"
)

// Config represents the full Autopilot configuration
type Config struct {
	Agents    AgentsConfig    `mapstructure:"agents"`
	Bus       BusConfig       `mapstructure:"bus"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AgentsConfig locates agent definition files
type AgentsConfig struct {
	Dir string `mapstructure:"dir"`
}

// BusConfig contains event bus settings
type BusConfig struct {
	Workers int `mapstructure:"workers"`
}

// ExecutorConfig contains command execution settings
type ExecutorConfig struct {
	ElevationHelper string        `mapstructure:"elevation_helper"`
	ElevationArgs   []string      `mapstructure:"elevation_args"`
	HostBridge      []string      `mapstructure:"host_bridge"`
	Sandbox         string        `mapstructure:"sandbox"` // auto, always or never
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	DryRun          bool          `mapstructure:"dry_run"`
}

// AuditConfig contains audit log settings
type AuditConfig struct {
	Path       string           `mapstructure:"path"`
	MaxRecords int              `mapstructure:"max_records"`
	Cloud      AuditCloudConfig `mapstructure:"cloud"`
}

// AuditCloudConfig enables mirroring audit entries to Cloud Logging
type AuditCloudConfig struct {
	Project string `mapstructure:"project"` // GCP project ID; empty disables the mirror
	LogID   string `mapstructure:"log_id"`
}

// SchedulerConfig contains agent scheduler settings
type SchedulerConfig struct {
	ConfirmationTTL      time.Duration `mapstructure:"confirmation_ttl"`
	DefaultActionTimeout time.Duration `mapstructure:"default_action_timeout"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // e.g. "127.0.0.1:9464"; empty disables
}

// envKeys are bound explicitly so environment overrides reach Unmarshal
// even when the key is absent from the config file.
var envKeys = []string{
	"agents.dir",
	"bus.workers",
	"executor.elevation_helper",
	"executor.sandbox",
	"executor.default_timeout",
	"executor.dry_run",
	"audit.path",
	"audit.max_records",
	"audit.cloud.project",
	"audit.cloud.log_id",
	"scheduler.confirmation_ttl",
	"scheduler.default_action_timeout",
	"metrics.addr",
}

// Load loads configuration from file and environment
func Load() (*Config, error) {
	cfg := &Config{}

	for _, key := range envKeys {
		if err := viper.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Agents.Dir == "" {
		cfg.Agents.Dir = filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "autopilot", "agents")
	}
	cfg.Agents.Dir = expandHome(cfg.Agents.Dir)

	if cfg.Bus.Workers == 0 {
		cfg.Bus.Workers = events.DefaultWorkers
	}

	if cfg.Executor.ElevationHelper == "" {
		cfg.Executor.ElevationHelper = executor.DefaultElevationHelper
	}
	if cfg.Executor.HostBridge == nil {
		cfg.Executor.HostBridge = append([]string(nil), executor.DefaultHostBridge...)
	}
	if cfg.Executor.Sandbox == "" {
		cfg.Executor.Sandbox = string(executor.SandboxAuto)
	}
	if cfg.Executor.DefaultTimeout == 0 {
		cfg.Executor.DefaultTimeout = executor.DefaultTimeout
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = filepath.Join(xdgDir("XDG_STATE_HOME", ".local/state"), "autopilot", audit.DefaultFilename)
	}
	cfg.Audit.Path = expandHome(cfg.Audit.Path)
	if cfg.Audit.MaxRecords == 0 {
		cfg.Audit.MaxRecords = audit.DefaultMaxRecords
	}
	if cfg.Audit.Cloud.LogID == "" {
		cfg.Audit.Cloud.LogID = audit.DefaultCloudLogID
	}

	if cfg.Scheduler.ConfirmationTTL == 0 {
		cfg.Scheduler.ConfirmationTTL = scheduler.DefaultConfirmationTTL
	}
	if cfg.Scheduler.DefaultActionTimeout == 0 {
		cfg.Scheduler.DefaultActionTimeout = scheduler.DefaultActionTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Bus.Workers < 1 {
		return fmt.Errorf("bus workers must be at least 1, got %d", c.Bus.Workers)
	}

	if _, err := executor.ParseSandboxMode(c.Executor.Sandbox); err != nil {
		return err
	}

	if c.Executor.DefaultTimeout < 0 {
		return fmt.Errorf("executor default_timeout must be positive")
	}

	if c.Audit.Path == "" {
		return fmt.Errorf("audit path is required")
	}

	if c.Audit.MaxRecords < 1 {
		return fmt.Errorf("audit max_records must be at least 1, got %d", c.Audit.MaxRecords)
	}

	if c.Scheduler.ConfirmationTTL < 0 || c.Scheduler.DefaultActionTimeout < 0 {
		return fmt.Errorf("scheduler durations must be positive")
	}

	return nil
}

// xdgDir returns the XDG base directory from env, or ~/fallback.
func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	return filepath.Join("~", fallback)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
