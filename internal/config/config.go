// Package config provides configuration management for TerrainGossip
// daemons: a plain struct with validation and deep-copy cloning, loaded
// from a JSON file with flag and environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds settings for all four daemons in one flat struct;
// daemon-specific knobs (FAH, onion, prober) are plain fields grouped by
// comment below.
type Config struct {
	// Identity / world
	WorldPhrase   string // world admission phrase; also read from WORLD_PHRASE
	DataDirectory string

	// Networking
	Listen    string   // host:port this daemon listens on
	Bootstrap []string // peer addresses to dial at startup

	// Gossip / anti-entropy (L1)
	SyncIntervalSecs int
	MaxSyncEvents    int
	RateLimitRPM     int

	// FAH (L3)
	FahAlpha      float64 // exploitation parameter alpha in [0,1]
	MinReputation float64

	// Onion (L2)
	MaxHops            int
	MaxCircuits        int
	CircuitTimeoutSecs int

	// Prober
	ProbeIntervalSecs int
	ConcurrentProbes  int
	MaxQueueSize      int

	// Logging / observability
	LogLevel      string
	MetricsPort   int
	EnableMetrics bool
}

// Default returns a configuration with sensible defaults, mirroring the
// shape of a Tor client's DefaultConfig: safe values for every field, no
// field left at its zero value unless zero is itself sensible.
func Default() *Config {
	return &Config{
		WorldPhrase:        "",
		DataDirectory:      "./terraingossip-data",
		Listen:             "0.0.0.0:7700",
		Bootstrap:          []string{},
		SyncIntervalSecs:   30,
		MaxSyncEvents:      1000,
		RateLimitRPM:       60,
		FahAlpha:           0.5,
		MinReputation:      0.1,
		MaxHops:            3,
		MaxCircuits:        1000,
		CircuitTimeoutSecs: 60,
		ProbeIntervalSecs:  60,
		ConcurrentProbes:   4,
		MaxQueueSize:       1000,
		LogLevel:           "info",
		MetricsPort:        0,
		EnableMetrics:      false,
	}
}

// Load reads a JSON config file, falling back to defaults for any field
// absent from the file, then applies the WORLD_PHRASE environment
// override if set.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if phrase := os.Getenv("WORLD_PHRASE"); phrase != "" {
		cfg.WorldPhrase = phrase
	}
	return cfg, nil
}

// Validate checks field-level invariants. It does not reach across the
// network; it only rejects configurations that could never be valid.
func (c *Config) Validate() error {
	if c.WorldPhrase == "" {
		return fmt.Errorf("WorldPhrase is required (set --world-phrase or WORLD_PHRASE)")
	}
	if c.DataDirectory == "" {
		return fmt.Errorf("DataDirectory is required")
	}
	if c.SyncIntervalSecs <= 0 {
		return fmt.Errorf("SyncIntervalSecs must be positive")
	}
	if c.MaxSyncEvents <= 0 {
		return fmt.Errorf("MaxSyncEvents must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RateLimitRPM must be positive")
	}
	if c.FahAlpha < 0 || c.FahAlpha > 1 {
		return fmt.Errorf("FahAlpha must be in [0,1], got %f", c.FahAlpha)
	}
	if c.MinReputation < 0 || c.MinReputation > 1 {
		return fmt.Errorf("MinReputation must be in [0,1], got %f", c.MinReputation)
	}
	if c.MaxHops < 1 || c.MaxHops > 8 {
		return fmt.Errorf("MaxHops must be in [1,8], got %d", c.MaxHops)
	}
	if c.MaxCircuits < 1 {
		return fmt.Errorf("MaxCircuits must be at least 1")
	}
	if c.CircuitTimeoutSecs <= 0 {
		return fmt.Errorf("CircuitTimeoutSecs must be positive")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid MetricsPort: %d", c.MetricsPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s", c.LogLevel)
	}
	return nil
}

// Clone returns a deep copy safe for concurrent handoff to goroutines.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Bootstrap = append([]string(nil), c.Bootstrap...)
	return &clone
}

// SyncInterval returns SyncIntervalSecs as a time.Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSecs) * time.Second
}

// CircuitTimeout returns CircuitTimeoutSecs as a time.Duration.
func (c *Config) CircuitTimeout() time.Duration {
	return time.Duration(c.CircuitTimeoutSecs) * time.Second
}

// ProbeInterval returns ProbeIntervalSecs as a time.Duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSecs) * time.Second
}
