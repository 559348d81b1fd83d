// Tunnel agent runs alongside a private origin server, dialing a tunnel
// server's control channel and re-issuing each forwarded request against
// a loopback port on this host.
//
// Usage:
//
//	./tunnel-agent -server wss://tunnel.example.com/connect -token TOKEN -port 8000
//
// Flags:
//
//	-server: Control server WebSocket URL (default: ws://localhost:4443)
//	-token: Authentication token (empty registers anonymously)
//	-port: Local port to forward traffic to (default: 8000)
//	-config: Optional YAML config file; flags override its values
package main

import (
	"flag"
	"log"
	"time"

	"github.com/Comzy-io/ComzyTunnel/internal/agent"
	"github.com/Comzy-io/ComzyTunnel/internal/server/config"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:4443", "Control server WebSocket URL")
	token := flag.String("token", "", "Authentication token (empty registers anonymously)")
	localPort := flag.Int("port", 8000, "Local port to forward")
	configPath := flag.String("config", "", "Optional YAML config file; flags override its values")
	flag.Parse()

	cfg := agent.Config{
		ServerURL: *serverURL,
		Token:     *token,
		LocalPort: *localPort,
	}

	if *configPath != "" {
		fileCfg, err := config.LoadAgentConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load agent configuration: %v", err)
		}
		set := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if !set["server"] {
			cfg.ServerURL = fileCfg.ServerURL
		}
		if !set["token"] {
			cfg.Token = fileCfg.Token
		}
		if !set["port"] {
			cfg.LocalPort = fileCfg.LocalPort
		}
		cfg.ReconnectDelay = time.Duration(fileCfg.ReconnectDelaySeconds) * time.Second
		cfg.LocalTimeout = time.Duration(fileCfg.LocalTimeoutSeconds) * time.Second
		cfg.SessionTimeout = time.Duration(fileCfg.AnonymousTimeoutHours) * time.Hour
	}

	log.Printf("connecting to %s", cfg.ServerURL)
	a := agent.New(cfg)
	a.Run()
}
