// Package config handles node configuration from YAML, with
// environment and CLI flag overrides layered on top.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"scuttlechat/internal/identity"
)

const (
	DefaultHandshakePort = 8008
	DefaultDiscoveryPort = 8008
	DefaultDataDir       = "/var/lib/scuttlechat"
	DefaultConfigPath    = "/etc/scuttlechat/config.yaml"
	DefaultLogLevel      = "info"
)

// Config defines a node's configuration.
type Config struct {
	// Identity
	NodeName      string `yaml:"node_name"`
	KeyfilePath   string `yaml:"keyfile_path"`
	NetworkKeyHex string `yaml:"network_key_hex"` // 32 bytes hex; empty means identity.DefaultNetworkKey

	// Networking
	BindAddr      string `yaml:"bind_addr"`
	HandshakePort int    `yaml:"handshake_port"`
	DiscoveryPort int    `yaml:"discovery_port"`

	// Storage
	DataDir string `yaml:"data_dir"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug|info|warn|error
}

// DefaultConfig returns a Config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:      "0.0.0.0",
		HandshakePort: DefaultHandshakePort,
		DiscoveryPort: DefaultDiscoveryPort,
		DataDir:       DefaultDataDir,
		LogLevel:      DefaultLogLevel,
		KeyfilePath:   filepath.Join(DefaultDataDir, "identity.json"),
	}
}

// LoadFromFile loads configuration from a YAML file, falling back to
// defaults if the file does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies SCUTTLECHAT_* environment variable
// overrides on top of whatever was loaded from file/defaults.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SCUTTLECHAT_NODE_NAME"); v != "" {
		c.NodeName = v
	}
	if v := os.Getenv("SCUTTLECHAT_KEYFILE_PATH"); v != "" {
		c.KeyfilePath = v
	}
	if v := os.Getenv("SCUTTLECHAT_NETWORK_KEY"); v != "" {
		c.NetworkKeyHex = v
	}
	if v := os.Getenv("SCUTTLECHAT_BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
	if v := os.Getenv("SCUTTLECHAT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SCUTTLECHAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	if c.HandshakePort < 1 || c.HandshakePort > 65535 {
		return fmt.Errorf("invalid handshake_port: %d", c.HandshakePort)
	}
	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery_port: %d", c.DiscoveryPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}

	if _, err := c.NetworkKey(); err != nil {
		return err
	}

	return nil
}

// NetworkKey resolves the configured network key, defaulting to
// identity.DefaultNetworkKey when NetworkKeyHex is unset.
func (c *Config) NetworkKey() ([identity.NetworkKeySize]byte, error) {
	if c.NetworkKeyHex == "" {
		return identity.DefaultNetworkKey, nil
	}

	var key [identity.NetworkKeySize]byte
	decoded, err := hex.DecodeString(c.NetworkKeyHex)
	if err != nil {
		return key, fmt.Errorf("invalid network_key_hex: %w", err)
	}
	if len(decoded) != identity.NetworkKeySize {
		return key, fmt.Errorf("network_key_hex must decode to %d bytes, got %d", identity.NetworkKeySize, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// SaveToFile writes config to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
