// Package config handles configuration loading and validation for drivesync.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drivesync/drivesync/pkg/bytesize"
)

// APIConfig holds configuration for the remote Drive API.
type APIConfig struct {
	BaseURL      string `yaml:"base_url"`
	SessionToken string `yaml:"session_token"`
	// SessionTokenFile, when set, is re-read before the current token
	// expires so the login flow can rotate it without a restart.
	SessionTokenFile string `yaml:"session_token_file"`
	// PushEnabled turns on the websocket push channel; polling continues
	// either way.
	PushEnabled bool `yaml:"push_enabled"`
}

// StoreConfig holds configuration for the on-disk metadata store.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"` // Store directory (default: ~/.drivesync)
	Name    string `yaml:"name"`     // Store file name (default: "metadata.store")
	// RebuildThreshold flags the store for a rebuild once the snapshot
	// grows past it. Zero disables the check.
	RebuildThreshold bytesize.Size `yaml:"rebuild_threshold"`
}

// EventsConfig holds configuration for the event poll loop.
type EventsConfig struct {
	PollInterval string `yaml:"poll_interval"` // Duration string, e.g. "30s"
}

// BridgeConfig holds configuration for the host-facing loopback API.
type BridgeConfig struct {
	Listen string `yaml:"listen"` // default "127.0.0.1:9630"
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // default "127.0.0.1:9631"
}

// LokiConfig holds configuration for shipping logs to Grafana Loki.
type LokiConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"` // Duration string, e.g. "5s"
}

// Config holds the full drivesync configuration.
type Config struct {
	VolumeID string        `yaml:"volume_id"`
	ShareID  string        `yaml:"share_id"`
	LogLevel string        `yaml:"log_level"` // default "info"
	API      APIConfig     `yaml:"api"`
	Store    StoreConfig   `yaml:"store"`
	Events   EventsConfig  `yaml:"events"`
	Bridge   BridgeConfig  `yaml:"bridge"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Loki     LokiConfig    `yaml:"loki"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Apply defaults
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "~/.drivesync"
	}
	if cfg.Store.Name == "" {
		cfg.Store.Name = "metadata.store"
	}
	if cfg.Events.PollInterval == "" {
		cfg.Events.PollInterval = "30s"
	}
	if cfg.Bridge.Listen == "" {
		cfg.Bridge.Listen = "127.0.0.1:9630"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9631"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Loki.FlushInterval == "" {
		cfg.Loki.FlushInterval = "5s"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(cfg.Store.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cfg.Store.DataDir = filepath.Join(homeDir, cfg.Store.DataDir[2:])
		}
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.VolumeID == "" {
		return fmt.Errorf("volume_id is required")
	}
	if c.ShareID == "" {
		return fmt.Errorf("share_id is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api.base_url must be an http(s) URL")
	}
	if c.Store.Name == "" || strings.ContainsRune(c.Store.Name, os.PathSeparator) {
		return fmt.Errorf("store.name must be a bare file name")
	}
	return nil
}
