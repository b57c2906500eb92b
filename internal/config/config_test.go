package config

import (
	"os"
	"path/filepath"
	"testing"

	"scuttlechat/internal/identity"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HandshakePort != DefaultHandshakePort {
		t.Errorf("HandshakePort = %d, want %d", cfg.HandshakePort, DefaultHandshakePort)
	}
	if cfg.DiscoveryPort != DefaultDiscoveryPort {
		t.Errorf("DiscoveryPort = %d, want %d", cfg.DiscoveryPort, DefaultDiscoveryPort)
	}
	if cfg.BindAddr != "0.0.0.0" {
		t.Errorf("BindAddr = %s, want 0.0.0.0", cfg.BindAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
}

func TestLoadFromFile_Defaults(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("LoadFromFile should return defaults for missing file, got error: %v", err)
	}
	if cfg.HandshakePort != DefaultHandshakePort {
		t.Errorf("expected default HandshakePort %d, got %d", DefaultHandshakePort, cfg.HandshakePort)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yamlContent := `
node_name: "test-node"
bind_addr: "127.0.0.1"
handshake_port: 9876
discovery_port: 9877
log_level: debug
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.NodeName != "test-node" {
		t.Errorf("NodeName = %s, want test-node", cfg.NodeName)
	}
	if cfg.HandshakePort != 9876 {
		t.Errorf("HandshakePort = %d, want 9876", cfg.HandshakePort)
	}
	if cfg.DiscoveryPort != 9877 {
		t.Errorf("DiscoveryPort = %d, want 9877", cfg.DiscoveryPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte(":::invalid:::"), 0644)

	_, err := LoadFromFile(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("SCUTTLECHAT_NODE_NAME", "env-node")
	t.Setenv("SCUTTLECHAT_BIND_ADDR", "10.0.0.1")
	t.Setenv("SCUTTLECHAT_LOG_LEVEL", "debug")

	cfg.ApplyEnvOverrides()

	if cfg.NodeName != "env-node" {
		t.Errorf("NodeName = %s, want env-node", cfg.NodeName)
	}
	if cfg.BindAddr != "10.0.0.1" {
		t.Errorf("BindAddr = %s, want 10.0.0.1", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakePort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}

	cfg.HandshakePort = 99999
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 99999")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log_level")
	}
}

func TestValidate_BadNetworkKeyHex(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NetworkKeyHex = "not-hex"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for malformed network_key_hex")
	}

	cfg.NetworkKeyHex = "aabb"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for network_key_hex of the wrong length")
	}
}

func TestNetworkKey_DefaultsWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	key, err := cfg.NetworkKey()
	if err != nil {
		t.Fatalf("NetworkKey: %v", err)
	}
	if key != identity.DefaultNetworkKey {
		t.Error("NetworkKey() should default to identity.DefaultNetworkKey when unset")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")

	orig := DefaultConfig()
	orig.NodeName = "save-test"
	orig.HandshakePort = 4242

	if err := orig.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if loaded.NodeName != "save-test" {
		t.Errorf("NodeName = %s, want save-test", loaded.NodeName)
	}
	if loaded.HandshakePort != 4242 {
		t.Errorf("HandshakePort = %d, want 4242", loaded.HandshakePort)
	}
}
