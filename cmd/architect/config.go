package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the daemon and CLI configuration, loaded from a TOML file.
// Every field has a usable default so a bare `architect serve` works.
type Config struct {
	DBPath         string `toml:"db_path"`
	SpoolDir       string `toml:"spool_dir"`
	DefaultWorkDir string `toml:"default_work_dir"`
	RulesFile      string `toml:"rules_file"`
	ListenAddr     string `toml:"listen_addr"`

	TaskTimeoutMinutes int `toml:"task_timeout_minutes"`
	LockTTLMinutes     int `toml:"lock_ttl_minutes"`
	PollSeconds        int `toml:"poll_seconds"`
	MonitorSeconds     int `toml:"monitor_seconds"`
	StaleMinutes       int `toml:"stale_minutes"`
	CooldownSeconds    int `toml:"cooldown_seconds"`

	Verbose bool `toml:"verbose"`
}

func defaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".architect")
	return Config{
		DBPath:             filepath.Join(base, "architect.db"),
		SpoolDir:           filepath.Join(base, "spool"),
		DefaultWorkDir:     home,
		RulesFile:          filepath.Join(base, "rules.yaml"),
		ListenAddr:         "127.0.0.1:8391",
		TaskTimeoutMinutes: 30,
		LockTTLMinutes:     120,
		PollSeconds:        5,
		MonitorSeconds:     15,
		StaleMinutes:       10,
		CooldownSeconds:    15,
	}
}

// loadConfig reads the TOML config at path, or returns defaults when path
// is empty or the file does not exist.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) taskTimeout() time.Duration { return time.Duration(c.TaskTimeoutMinutes) * time.Minute }
func (c Config) lockTTL() time.Duration     { return time.Duration(c.LockTTLMinutes) * time.Minute }
func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}
func (c Config) monitorInterval() time.Duration {
	return time.Duration(c.MonitorSeconds) * time.Second
}
func (c Config) staleThreshold() time.Duration {
	return time.Duration(c.StaleMinutes) * time.Minute
}
func (c Config) cooldownDuration() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}
