// Package config loads the daemon configuration from
// <home>/config.yaml and applies defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// OtelConfig controls the metrics pipeline.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// MonitorConfig controls the task health monitor.
type MonitorConfig struct {
	ScanIntervalSeconds int `yaml:"scan_interval_seconds"`
	StaleTimeoutMinutes int `yaml:"stale_timeout_minutes"`
	KillGraceSeconds    int `yaml:"kill_grace_seconds"`
	PendingMaxAgeHours  int `yaml:"pending_max_age_hours"`
	RetentionDays       int `yaml:"retention_days"`
}

// GitConfig controls branch isolation.
type GitConfig struct {
	RepoPath          string `yaml:"repo_path"`
	IntegrationBranch string `yaml:"integration_branch"`
	UseWorktrees      bool   `yaml:"use_worktrees"`
	WorktreeDir       string `yaml:"worktree_dir"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath      string `yaml:"db_path"`
	WorkerCount int    `yaml:"worker_count"`
	LogLevel    string `yaml:"log_level"`
	Quiet       bool   `yaml:"quiet"`

	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`

	Git     GitConfig     `yaml:"git"`
	Monitor MonitorConfig `yaml:"monitor"`
	Otel    OtelConfig    `yaml:"otel"`
}

// DefaultHomeDir resolves the overseer home directory. The
// OVERSEER_HOME environment variable overrides ~/.overseer.
func DefaultHomeDir() string {
	if dir := os.Getenv("OVERSEER_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".overseer")
}

// Load reads <homeDir>/config.yaml. A missing file yields pure defaults.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "overseer.db")
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SchedulerIntervalSeconds <= 0 {
		c.SchedulerIntervalSeconds = 60
	}
	if c.Git.IntegrationBranch == "" {
		c.Git.IntegrationBranch = "main"
	}
	if c.Git.UseWorktrees && c.Git.WorktreeDir == "" {
		c.Git.WorktreeDir = filepath.Join(c.HomeDir, "worktrees")
	}
	if c.Monitor.ScanIntervalSeconds <= 0 {
		c.Monitor.ScanIntervalSeconds = 30
	}
	if c.Monitor.StaleTimeoutMinutes <= 0 {
		c.Monitor.StaleTimeoutMinutes = 30
	}
	if c.Monitor.KillGraceSeconds <= 0 {
		c.Monitor.KillGraceSeconds = 5
	}
	if c.Monitor.PendingMaxAgeHours <= 0 {
		c.Monitor.PendingMaxAgeHours = 24
	}
	if c.Monitor.RetentionDays <= 0 {
		c.Monitor.RetentionDays = 30
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "overseer"
	}
}

// ScanInterval returns the monitor scan interval as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Monitor.ScanIntervalSeconds) * time.Second
}

// StaleTimeout returns how long a running task may go without an
// update before the monitor reaps it.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.Monitor.StaleTimeoutMinutes) * time.Minute
}

// KillGrace returns the SIGTERM-to-SIGKILL grace period.
func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.Monitor.KillGraceSeconds) * time.Second
}

// PendingMaxAge returns the maximum age a task may sit in pending.
func (c *Config) PendingMaxAge() time.Duration {
	return time.Duration(c.Monitor.PendingMaxAgeHours) * time.Hour
}

// Retention returns the terminal-task retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Monitor.RetentionDays) * 24 * time.Hour
}

// SchedulerInterval returns the cron scheduler tick interval.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}
