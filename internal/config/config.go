// Package config holds the client and relay configuration.
package config

import (
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config stores every parameter the binaries need. Values come from an optional
// YAML file, then MESHCHAT_* environment variables; CLI flags override both.
type Config struct {
	Env   string `yaml:"env" env:"MESHCHAT_ENV" env-default:"local"`
	Debug bool   `yaml:"debug" env:"MESHCHAT_DEBUG"`

	RelayURL string `yaml:"relay_url" env:"MESHCHAT_RELAY_URL" env-default:"ws://localhost:8080/ws"`
	Name     string `yaml:"name" env:"MESHCHAT_NAME"`
	Avatar   string `yaml:"avatar" env:"MESHCHAT_AVATAR"`

	ICE   ICEConfig   `yaml:"ice"`
	Relay RelayConfig `yaml:"relay"`
}

// ICEConfig describes the external ICE servers handed to every peer connection.
// ServersJSON takes precedence over the URL lists.
type ICEConfig struct {
	ServersJSON    string   `yaml:"servers_json" env:"MESHCHAT_ICE_SERVERS_JSON"`
	STUNURLs       []string `yaml:"stun_urls" env:"MESHCHAT_STUN_URLS" env-separator:","`
	TURNURLs       []string `yaml:"turn_urls" env:"MESHCHAT_TURN_URLS" env-separator:","`
	TURNUsername   string   `yaml:"turn_username" env:"MESHCHAT_TURN_USERNAME"`
	TURNCredential string   `yaml:"turn_credential" env:"MESHCHAT_TURN_CREDENTIAL"`
}

// RelayConfig is used by cmd/relay only.
type RelayConfig struct {
	Address string `yaml:"address" env:"MESHCHAT_RELAY_ADDR" env-default:":8080"`
	Echo    bool   `yaml:"echo" env:"MESHCHAT_RELAY_ECHO"`

	// AllowedOrigins restricts cross-origin HTTP callers. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins" env:"MESHCHAT_RELAY_ALLOWED_ORIGINS" env-separator:","`
}

// defaultSTUNServers is used when no ICE server is configured at all.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Load reads the configuration. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("cannot read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	c.RelayURL = strings.TrimSpace(c.RelayURL)
	c.Name = strings.TrimSpace(c.Name)
	if strings.TrimSpace(c.ICE.ServersJSON) == "" && len(c.ICE.STUNURLs) == 0 && len(c.ICE.TURNURLs) == 0 {
		c.ICE.STUNURLs = append([]string(nil), defaultSTUNServers...)
	}
}
