package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  domain: tunnel.example.com
database:
  password: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.TunnelPort != 4443 {
		t.Errorf("expected default tunnel port 4443, got %d", cfg.Server.TunnelPort)
	}
	if cfg.Aliases.MaxPerUser != 5 {
		t.Errorf("expected default alias quota 5, got %d", cfg.Aliases.MaxPerUser)
	}
	if len(cfg.Aliases.Prefixes) != 6 {
		t.Errorf("expected 6 default prefixes, got %v", cfg.Aliases.Prefixes)
	}
	if cfg.Dashboard.BroadcastIntervalSeconds != 5 {
		t.Errorf("expected default broadcast interval 5, got %d", cfg.Dashboard.BroadcastIntervalSeconds)
	}
	if cfg.TLS.Mode != "disabled" {
		t.Errorf("expected default tls mode disabled, got %q", cfg.TLS.Mode)
	}
	if len(cfg.Server.CustomDomains) != 0 {
		t.Errorf("expected no custom domains by default, got %v", cfg.Server.CustomDomains)
	}
}

func TestLoadParsesCustomDomains(t *testing.T) {
	path := writeConfig(t, `
server:
  domain: tunnel.example.com
  custom_domains:
    status.example.org: client-abc123
database:
  password: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.Server.CustomDomains["status.example.org"]; got != "client-abc123" {
		t.Errorf("expected custom domain to map to alias client-abc123, got %q", got)
	}
}

func TestLoadRejectsMissingDomain(t *testing.T) {
	path := writeConfig(t, `
database:
  password: secret
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.domain")
	}
}

func TestLoadRejectsMissingStoragePassword(t *testing.T) {
	path := writeConfig(t, `
server:
  domain: tunnel.example.com
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing database.password")
	}
}

func TestLoadRejectsIncompleteManualTLS(t *testing.T) {
	path := writeConfig(t, `
server:
  domain: tunnel.example.com
database:
  password: secret
tls:
  mode: manual
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for manual TLS mode missing cert/key paths")
	}
}

func TestLoadAgentConfigFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
server_url: wss://tunnel.example.com/connect
local_port: 8000
`)
	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("LoadAgentConfig failed: %v", err)
	}
	if cfg.KeepaliveSeconds != 20 {
		t.Errorf("expected default keepalive 20, got %d", cfg.KeepaliveSeconds)
	}
	if cfg.ReconnectDelaySeconds != 5 {
		t.Errorf("expected default reconnect delay 5, got %d", cfg.ReconnectDelaySeconds)
	}
	if cfg.AnonymousTimeoutHours != 1 {
		t.Errorf("expected default anonymous timeout 1h, got %d", cfg.AnonymousTimeoutHours)
	}
}
