package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every knob of the monitoring subsystem. The correlation
// window and path separator describe the external tool's on-disk format and
// are deliberately configuration, not constants.
type Config struct {
	WatchRoot string `toml:"watch_root"` // external tool's session log tree
	DataDir   string `toml:"data_dir"`   // agentwatch's own session store
	IndexPath string `toml:"index_path"` // sqlite search index
	AgentType string `toml:"agent_type"` // label stored on tracked sessions

	PathSeparator            string `toml:"path_separator"`
	CorrelationWindowSeconds int    `toml:"correlation_window_seconds"`
	DebounceMillis           int    `toml:"debounce_millis"`
	IdleTimeoutSeconds       int    `toml:"idle_timeout_seconds"`
	ResyncIntervalSeconds    int    `toml:"resync_interval_seconds"`

	ListenAddr string `toml:"listen_addr"`
}

func defaults(home string) *Config {
	return &Config{
		WatchRoot:                filepath.Join(home, ".claude", "projects"),
		DataDir:                  filepath.Join(home, ".agentwatch", "sessions"),
		IndexPath:                filepath.Join(home, ".agentwatch", "index.db"),
		AgentType:                "claude-code",
		PathSeparator:            "-",
		CorrelationWindowSeconds: 30,
		DebounceMillis:           200,
		IdleTimeoutSeconds:       300,
		ResyncIntervalSeconds:    60,
		ListenAddr:               "127.0.0.1:8314",
	}
}

// Load reads ~/.config/agentwatch/config.toml if present, then applies
// AGENTWATCH_WATCH_ROOT and AGENTWATCH_DATA_DIR environment overrides.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	cfg := defaults(home)

	cfgPath := filepath.Join(home, ".config", "agentwatch", "config.toml")
	if _, err := os.Stat(cfgPath); err == nil {
		if _, err := toml.DecodeFile(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cfgPath, err)
		}
	}

	if v := os.Getenv("AGENTWATCH_WATCH_ROOT"); v != "" {
		cfg.WatchRoot = v
	}
	if v := os.Getenv("AGENTWATCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.IndexPath = filepath.Join(v, "index.db")
	}

	cfg.WatchRoot = expandHome(cfg.WatchRoot, home)
	cfg.DataDir = expandHome(cfg.DataDir, home)
	cfg.IndexPath = expandHome(cfg.IndexPath, home)

	return cfg, nil
}

func (c *Config) CorrelationWindow() time.Duration {
	return time.Duration(c.CorrelationWindowSeconds) * time.Second
}

func (c *Config) DebounceDelay() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c *Config) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalSeconds) * time.Second
}

func expandHome(path, home string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}
