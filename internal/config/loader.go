package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse parses raw JSON into Config, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the provided config to disk at the given path (pretty-printed JSON).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("save config: path is empty")
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = "127.0.0.1:8099"
	}
	if cfg.Watch.QuietWindowMs <= 0 {
		cfg.Watch.QuietWindowMs = 2000
	}
	if cfg.Watch.PollIntervalMs <= 0 {
		cfg.Watch.PollIntervalMs = 100
	}
}

func Validate(cfg *Config) error {
	if cfg.Version <= 0 {
		return errors.New("version must be > 0")
	}
	if cfg.Watch.QuietWindowMs < cfg.Watch.PollIntervalMs {
		return errors.New("watch.quietWindowMs must be >= watch.pollIntervalMs")
	}
	paths := map[string]struct{}{}
	for i, f := range cfg.Folders {
		if f.Path == "" {
			return fmt.Errorf("folders[%d]: path is required", i)
		}
		if !filepath.IsAbs(f.Path) {
			return fmt.Errorf("folders[%d]: path must be absolute", i)
		}
		clean := filepath.Clean(f.Path)
		if _, ok := paths[clean]; ok {
			return fmt.Errorf("folders[%d]: duplicate path %q", i, f.Path)
		}
		paths[clean] = struct{}{}
	}
	if cfg.Trace.DbPath != "" && !filepath.IsAbs(cfg.Trace.DbPath) {
		return errors.New("trace.dbPath must be absolute if set")
	}
	return nil
}
