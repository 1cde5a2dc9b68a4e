// Package config handles configuration parsing for portmuxd.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Daemon roles.
const (
	ModeServe   = "serve"
	ModeConnect = "connect"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/portmux/config.yaml or ~/.config/portmux/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "portmux", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	Mode    string         `yaml:"mode"` // "serve" or "connect"
	Link    LinkConfig     `yaml:"link"`
	Logging LoggingConfig  `yaml:"logging"`
	Tunnels []TunnelConfig `yaml:"tunnels"`
}

// LinkConfig describes the control link between the two peers.
type LinkConfig struct {
	ListenAddr string `yaml:"listen_addr"` // serve mode: HTTP address exposing /tunnel
	URL        string `yaml:"url"`         // connect mode: ws://host:port/tunnel
	SSHAddr    string `yaml:"ssh_addr"`    // connect mode alternative: SSH endpoint
	SSHUser    string `yaml:"ssh_user"`
	SSHKeyPath string `yaml:"ssh_key_path"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`           // "debug", "info", "warn", "error"
	RedactPayloads bool   `yaml:"redact_payloads"` // strip tunnel payload bytes from logs
}

// TunnelConfig declares one static tunnel applied once the link is up.
type TunnelConfig struct {
	Reverse    bool   `yaml:"reverse"`
	LocalPort  int    `yaml:"local_port"`
	RemotePort int    `yaml:"remote_port"`
	Family     string `yaml:"family"` // "ipv4" or "ipv6" (forward tunnels only)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode: ModeServe,
		Link: LinkConfig{
			ListenAddr: "127.0.0.1:7600",
		},
		Logging: LoggingConfig{
			Level:          "info",
			RedactPayloads: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeServe:
		if c.Link.ListenAddr == "" {
			return fmt.Errorf("serve mode requires link.listen_addr")
		}
	case ModeConnect:
		if c.Link.URL == "" && c.Link.SSHAddr == "" {
			return fmt.Errorf("connect mode requires link.url or link.ssh_addr")
		}
		if c.Link.URL != "" && c.Link.SSHAddr != "" {
			return fmt.Errorf("link.url and link.ssh_addr are mutually exclusive")
		}
		if c.Link.SSHAddr != "" && c.Link.SSHUser == "" {
			return fmt.Errorf("link.ssh_addr requires link.ssh_user")
		}
	default:
		return fmt.Errorf("unknown mode %q (want %q or %q)", c.Mode, ModeServe, ModeConnect)
	}

	for i, tc := range c.Tunnels {
		if err := tc.validate(); err != nil {
			return fmt.Errorf("tunnels[%d]: %w", i, err)
		}
	}
	return nil
}

func (tc TunnelConfig) validate() error {
	if tc.LocalPort < 1 || tc.LocalPort > 65535 {
		return fmt.Errorf("invalid local_port %d", tc.LocalPort)
	}
	if tc.RemotePort < 1 || tc.RemotePort > 65535 {
		return fmt.Errorf("invalid remote_port %d", tc.RemotePort)
	}
	switch tc.Family {
	case "", "ipv4", "ipv6":
	default:
		return fmt.Errorf("invalid family %q", tc.Family)
	}
	return nil
}
