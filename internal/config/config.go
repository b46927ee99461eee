// Package config loads the CLI's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the vega CLI configuration. Every field has a default, so
// a config file only needs the values it overrides.
type Config struct {
	// STUNServer is the primary STUN server ("host:port"). NAT
	// behavior discovery needs one supporting OTHER-ADDRESS and
	// CHANGE-REQUEST.
	STUNServer string `yaml:"stun_server"`

	// RecvTimeoutMS is the per-request response deadline in
	// milliseconds.
	RecvTimeoutMS int `yaml:"recv_timeout_ms"`

	// RecvBufSize is the receive buffer size in bytes.
	RecvBufSize int `yaml:"recv_buf_size"`

	// SignalingURL is the WebSocket URL of the signaling server used
	// by connect (e.g. "ws://example.com:8080/ws").
	SignalingURL string `yaml:"signaling_url"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		STUNServer:    "stun.l.google.com:19302",
		RecvTimeoutMS: 3000,
		RecvBufSize:   1024,
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.STUNServer == "" {
		return fmt.Errorf("stun_server must not be empty")
	}
	if c.RecvTimeoutMS < 0 {
		return fmt.Errorf("recv_timeout_ms must not be negative")
	}
	if c.RecvBufSize < 0 {
		return fmt.Errorf("recv_buf_size must not be negative")
	}
	return nil
}

// RecvTimeout returns the receive timeout as a duration.
func (c *Config) RecvTimeout() time.Duration {
	return time.Duration(c.RecvTimeoutMS) * time.Millisecond
}
