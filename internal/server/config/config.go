// Package config loads and validates the server's YAML configuration,
// matching the shape of the teacher's internal/server/config package: a
// Load that reads and unmarshals, then fills defaults and validates.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	Database  DatabaseConfig  `yaml:"database"`
	Aliases   AliasesConfig   `yaml:"aliases"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Domain       string `yaml:"domain"`        // base domain used to format public URLs
	TunnelPort   int    `yaml:"tunnel_port"`   // control-channel listener
	HTTPPort     int    `yaml:"http_port"`     // public edge listener
	ObserverPort int    `yaml:"observer_port"` // dashboard listener

	// CustomDomains maps an exact Host header to an alias, for operators who
	// point their own domain at an alias instead of using the wildcard
	// subdomain, per spec §4.4 step 1 / §6.
	CustomDomains map[string]string `yaml:"custom_domains"`
}

// TLSConfig configures the server's own listeners. Mode "disabled" serves
// plain HTTP/WS; "manual" loads CertPath/KeyPath directly. Automatic
// certificate management (ACME) is out of scope.
type TLSConfig struct {
	Mode     string `yaml:"mode"` // "disabled" or "manual"
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

type DatabaseConfig struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"` // REQUIRED per the storage DSN contract
}

type AliasesConfig struct {
	MaxPerUser int      `yaml:"max_per_user"` // default 5
	Prefixes   []string `yaml:"prefixes"`     // default {client,user,web,site,app,people}
}

type DashboardConfig struct {
	BroadcastIntervalSeconds int `yaml:"broadcast_interval_seconds"` // default 5
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads path, unmarshals it as YAML, fills in defaults, and validates
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Domain == "" {
		return fmt.Errorf("server.domain is required")
	}
	if c.Database.Password == "" {
		return fmt.Errorf("database.password is required")
	}

	if c.Server.TunnelPort == 0 {
		c.Server.TunnelPort = 4443
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 443
	}
	if c.Server.ObserverPort == 0 {
		c.Server.ObserverPort = 4444
	}
	if c.Database.Path == "" {
		c.Database.Path = "./tunnel.db"
	}
	if c.Aliases.MaxPerUser == 0 {
		c.Aliases.MaxPerUser = 5
	}
	if len(c.Aliases.Prefixes) == 0 {
		c.Aliases.Prefixes = []string{"client", "user", "web", "site", "app", "people"}
	}
	if c.Dashboard.BroadcastIntervalSeconds == 0 {
		c.Dashboard.BroadcastIntervalSeconds = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.TLS.Mode == "" {
		c.TLS.Mode = "disabled"
	}
	if c.TLS.Mode != "disabled" && c.TLS.Mode != "manual" {
		return fmt.Errorf("tls.mode must be \"disabled\" or \"manual\", got %q", c.TLS.Mode)
	}
	if c.TLS.Mode == "manual" && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return fmt.Errorf("tls.cert_path and tls.key_path are required when tls.mode is \"manual\"")
	}
	return nil
}

// AgentConfig is the agent-side configuration file shape, read from the
// agent's own config, not the server's.
type AgentConfig struct {
	ServerURL             string `yaml:"server_url"`
	Token                 string `yaml:"token"`
	LocalPort             int    `yaml:"local_port"`
	KeepaliveSeconds      int    `yaml:"keepalive_seconds"`       // default 20
	ReconnectDelaySeconds int    `yaml:"reconnect_delay_seconds"` // default 5
	LocalTimeoutSeconds   int    `yaml:"local_timeout_seconds"`   // default 30
	AnonymousTimeoutHours int    `yaml:"anonymous_timeout_hours"` // default 1
}

// LoadAgentConfig reads and defaults an agent configuration file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config file: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent config file: %w", err)
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if cfg.KeepaliveSeconds == 0 {
		cfg.KeepaliveSeconds = 20
	}
	if cfg.ReconnectDelaySeconds == 0 {
		cfg.ReconnectDelaySeconds = 5
	}
	if cfg.LocalTimeoutSeconds == 0 {
		cfg.LocalTimeoutSeconds = 30
	}
	if cfg.AnonymousTimeoutHours == 0 {
		cfg.AnonymousTimeoutHours = 1
	}
	return &cfg, nil
}
