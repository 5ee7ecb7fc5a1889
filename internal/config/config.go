// Package config loads the imsg configuration from an optional YAML file
// with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jonathanwilner/imsg-rpc/internal/db"
)

// WatchConfig tunes the subscription poll loop.
type WatchConfig struct {
	PollIntervalMS int  `yaml:"poll_interval_ms"`
	MaxIntervalMS  int  `yaml:"max_interval_ms"`
	BatchSize      int  `yaml:"batch_size"`
	FSNotify       bool `yaml:"fsnotify"`
}

// Config holds the imsg application configuration.
type Config struct {
	DBPath        string      `yaml:"db_path"`
	LogLevel      string      `yaml:"log_level"`
	DefaultRegion string      `yaml:"default_region"`
	Watch         WatchConfig `yaml:"watch"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "imsg", "config.yaml")
}

func defaults() *Config {
	return &Config{
		DBPath:        db.DefaultPath(),
		LogLevel:      "info",
		DefaultRegion: "US",
		Watch: WatchConfig{
			PollIntervalMS: 500,
			MaxIntervalMS:  5000,
			BatchSize:      200,
			FSNotify:       true,
		},
	}
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist. The IMSG_CHAT_DB environment variable overrides db_path.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if envDB := os.Getenv("IMSG_CHAT_DB"); envDB != "" {
		cfg.DBPath = envDB
	}
	if cfg.DBPath == "" {
		cfg.DBPath = db.DefaultPath()
	}
	return cfg, nil
}

// PollInterval returns the configured base poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Watch.PollIntervalMS) * time.Millisecond
}

// MaxInterval returns the configured poll backoff cap.
func (c *Config) MaxInterval() time.Duration {
	return time.Duration(c.Watch.MaxIntervalMS) * time.Millisecond
}
