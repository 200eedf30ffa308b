package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meshchat.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
env: dev
relay_url: ws://relay.example:9000/ws
name: alice
ice:
  stun_urls: ["stun:stun.example:3478"]
relay:
  address: ":9000"
  echo: true
  allowed_origins: ["https://chat.example"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "dev" {
		t.Errorf("Env = %q, want dev", cfg.Env)
	}
	if cfg.RelayURL != "ws://relay.example:9000/ws" {
		t.Errorf("RelayURL = %q", cfg.RelayURL)
	}
	if cfg.Name != "alice" {
		t.Errorf("Name = %q, want alice", cfg.Name)
	}
	if cfg.Relay.Address != ":9000" || !cfg.Relay.Echo {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if len(cfg.Relay.AllowedOrigins) != 1 || cfg.Relay.AllowedOrigins[0] != "https://chat.example" {
		t.Errorf("AllowedOrigins = %v", cfg.Relay.AllowedOrigins)
	}
	if len(cfg.ICE.STUNURLs) != 1 || cfg.ICE.STUNURLs[0] != "stun:stun.example:3478" {
		t.Errorf("STUNURLs = %v", cfg.ICE.STUNURLs)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "name: bob\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "ws://localhost:8080/ws" {
		t.Errorf("RelayURL default = %q", cfg.RelayURL)
	}
	if cfg.Relay.Address != ":8080" {
		t.Errorf("Relay.Address default = %q", cfg.Relay.Address)
	}
	if len(cfg.ICE.STUNURLs) != len(defaultSTUNServers) {
		t.Errorf("STUNURLs default = %v", cfg.ICE.STUNURLs)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("MESHCHAT_NAME", "carol")
	path := writeConfig(t, "name: bob\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "carol" {
		t.Errorf("Name = %q, want carol", cfg.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
