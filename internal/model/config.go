package model

import (
	"errors"
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const DefaultUndoLimit = 50

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Editor   EditorConfig   `yaml:"editor"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Recorder RecorderConfig `yaml:"recorder"`
	Prefs    PrefsConfig    `yaml:"prefs"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type BackendConfig struct {
	URL string `yaml:"url"`
	// Unary request timeout; the SSE stream is never timed out.
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

type EditorConfig struct {
	UndoLimit int `yaml:"undo_limit"`
}

type WatcherConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

type RecorderConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

type PrefsConfig struct {
	DBPath string `yaml:"db_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig is used when no config file exists.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Backend.URL == "" {
		c.Backend.URL = "http://localhost:5001/api"
	}
	if c.Backend.RequestTimeoutSec <= 0 {
		c.Backend.RequestTimeoutSec = 300
	}
	if c.Editor.UndoLimit <= 0 {
		c.Editor.UndoLimit = DefaultUndoLimit
	}
	if c.Watcher.DebounceMs <= 0 {
		c.Watcher.DebounceMs = 200
	}
	if c.Recorder.Path == "" {
		c.Recorder.Path = ".cascadeview/logs/events.jsonl"
	}
	if c.Recorder.MaxSizeMB <= 0 {
		c.Recorder.MaxSizeMB = 100
	}
	if c.Prefs.DBPath == "" {
		c.Prefs.DBPath = ".cascadeview/prefs.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// LoadConfig reads a YAML config file. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
