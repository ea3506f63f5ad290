// Package config provides configuration management for a datafold node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents a datafold node's configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Network   NetworkConfig   `yaml:"network"`
	Transform TransformConfig `yaml:"transform"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Audit     AuditConfig     `yaml:"audit"`
}

// NodeConfig controls storage and default policy behavior.
type NodeConfig struct {
	StoragePath           string `yaml:"storage_path"`
	DefaultTrustDistance   int    `yaml:"default_trust_distance"`
	MessageBusBuffer      int    `yaml:"message_bus_buffer"`
	RequestTimeoutMS      int    `yaml:"request_timeout_ms"`
	RangeHistoryCap       int    `yaml:"range_history_cap"`
}

// NetworkConfig controls the peer transport listener and outbound client.
type NetworkConfig struct {
	ListenAddress    string `yaml:"listen_address"`
	AdvertiseAddress string `yaml:"advertise_address"`
	ReadTimeout      int    `yaml:"read_timeout"`
	WriteTimeout     int    `yaml:"write_timeout"`
}

// TransformConfig controls the dependency-transform execution engine.
type TransformConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	Retries    int `yaml:"retries"`
	HistoryCap int `yaml:"history_cap"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// SecurityConfig controls identity and peer trust defaults.
type SecurityConfig struct {
	IdentityKeyFile string `yaml:"identity_key_file"`
	TrustedPeers    []TrustedPeer `yaml:"trusted_peers"`
}

// TrustedPeer is a peer pre-seeded into the node's trust graph at startup.
type TrustedPeer struct {
	NodeID   string `yaml:"node_id"`
	PubKey   string `yaml:"pub_key"`
	Address  string `yaml:"address"`
	Distance int    `yaml:"distance"`
}

// AuditConfig controls the append-only audit chain sink.
type AuditConfig struct {
	Enabled         bool   `yaml:"enabled"`
	LogFile         string `yaml:"log_file"`
	MaxSizeMB       int    `yaml:"max_size_mb"`
	MaxBackups      int    `yaml:"max_backups"`
	RetentionDays   int    `yaml:"retention_days"`
	Compress        bool   `yaml:"compress"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			StoragePath:          "./data",
			DefaultTrustDistance: 999,
			MessageBusBuffer:     256,
			RequestTimeoutMS:     5000,
			RangeHistoryCap:      1000,
		},
		Network: NetworkConfig{
			ListenAddress: "0.0.0.0:7420",
			ReadTimeout:   30,
			WriteTimeout:  30,
		},
		Transform: TransformConfig{
			MaxWorkers: 4,
			Retries:    3,
			HistoryCap: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Enabled:       true,
			LogFile:       "./data/audit.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			RetentionDays: 90,
			Compress:      true,
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 -- path is from command-line argument, user-controlled input is expected
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATAFOLD_STORAGE_PATH"); v != "" {
		c.Node.StoragePath = v
	}
	if v := os.Getenv("DATAFOLD_DEFAULT_TRUST_DISTANCE"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			c.Node.DefaultTrustDistance = d
		}
	}
	if v := os.Getenv("DATAFOLD_LISTEN_ADDRESS"); v != "" {
		c.Network.ListenAddress = v
	}
	if v := os.Getenv("DATAFOLD_ADVERTISE_ADDRESS"); v != "" {
		c.Network.AdvertiseAddress = v
	}
	if v := os.Getenv("DATAFOLD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DATAFOLD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("DATAFOLD_TRANSFORM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transform.MaxWorkers = n
		}
	}
	if v := os.Getenv("DATAFOLD_IDENTITY_KEY_FILE"); v != "" {
		c.Security.IdentityKeyFile = v
	}
	if v := os.Getenv("DATAFOLD_AUDIT_ENABLED"); v != "" {
		c.Audit.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("DATAFOLD_AUDIT_LOG_FILE"); v != "" {
		c.Audit.LogFile = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Node.DefaultTrustDistance < 0 {
		return fmt.Errorf("default_trust_distance must not be negative: %d", c.Node.DefaultTrustDistance)
	}
	if c.Node.MessageBusBuffer < 1 {
		return fmt.Errorf("message_bus_buffer must be positive: %d", c.Node.MessageBusBuffer)
	}
	if c.Transform.MaxWorkers < 1 {
		return fmt.Errorf("transform.max_workers must be positive: %d", c.Transform.MaxWorkers)
	}
	if c.Transform.Retries < 0 {
		return fmt.Errorf("transform.retries must not be negative: %d", c.Transform.Retries)
	}
	if c.Network.ListenAddress == "" {
		return fmt.Errorf("network.listen_address is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}
