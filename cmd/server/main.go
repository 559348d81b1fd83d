// Tunnel server exposes loopback-bound services on remote agent hosts to
// the public Internet via wildcard subdomains of a configured base domain.
//
// Usage:
//
//	./tunnel-server -config configs/server.yaml
//
// Flags:
//
//	-config: Path to configuration file (default: configs/server.yaml)
//	-create-user: Provision a new user and print its token, then exit
//	-quota: Max-alias quota for -create-user (defaults to aliases.max_per_user)
//	-version: Show version information
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Comzy-io/ComzyTunnel/internal/server/alias"
	"github.com/Comzy-io/ComzyTunnel/internal/server/auth"
	"github.com/Comzy-io/ComzyTunnel/internal/server/config"
	"github.com/Comzy-io/ComzyTunnel/internal/server/dashboard"
	"github.com/Comzy-io/ComzyTunnel/internal/server/dispatch"
	"github.com/Comzy-io/ComzyTunnel/internal/server/registry"
	"github.com/Comzy-io/ComzyTunnel/internal/server/tlsconfig"
	"github.com/Comzy-io/ComzyTunnel/internal/server/tunnel"
	"github.com/Comzy-io/ComzyTunnel/internal/storage"
	"github.com/google/uuid"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/server.yaml", "Path to configuration file")
	createUser := flag.Bool("create-user", false, "Provision a new user, print its token, then exit")
	quota := flag.Int("quota", 0, "Max-alias quota for -create-user (defaults to aliases.max_per_user from config)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tunnel-server %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	repo, err := storage.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer repo.Close()

	if *createUser {
		maxAlias := *quota
		if maxAlias == 0 {
			maxAlias = cfg.Aliases.MaxPerUser
		}
		provisionUser(repo, maxAlias)
		return
	}

	reg := registry.New()
	allocator := alias.New(repo, cfg.Aliases.Prefixes)

	tunnelHandler := tunnel.NewHandler(reg, allocator)
	dispatcher := dispatch.New(reg, repo, cfg.Server.Domain, cfg.Server.CustomDomains, dispatch.DefaultDeadline)
	fanout := dashboard.New(reg, cfg.Server.Domain, time.Duration(cfg.Dashboard.BroadcastIntervalSeconds)*time.Second)

	stopFanout := make(chan struct{})
	go fanout.Run(stopFanout)

	var tlsCfg *tls.Config
	if cfg.TLS.Mode == "manual" {
		tlsCfg, err = tlsconfig.Load(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			log.Fatalf("Failed to load TLS material: %v", err)
		}
	}

	go serve("tunnel", cfg.Server.TunnelPort, tunnelHandler, tlsCfg)
	go serve("edge", cfg.Server.HTTPPort, dispatcher, tlsCfg)
	go serve("observer", cfg.Server.ObserverPort, fanout, tlsCfg)

	log.Printf("tunnel-server %s started", version)
	log.Printf("domain: %s", cfg.Server.Domain)
	log.Printf("tunnel port: %d", cfg.Server.TunnelPort)
	log.Printf("edge port: %d", cfg.Server.HTTPPort)
	log.Printf("observer port: %d", cfg.Server.ObserverPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down gracefully...")
	close(stopFanout)
	if err := repo.Close(); err != nil {
		log.Printf("error closing storage pool: %v", err)
	}
	os.Exit(0)
}

// serve starts an HTTP (or, when tlsCfg is non-nil, HTTPS) listener for
// handler on port, blocking until it fails.
func serve(name string, port int, handler http.Handler, tlsCfg *tls.Config) {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{Addr: addr, Handler: handler, TLSConfig: tlsCfg}

	if tlsCfg != nil {
		log.Printf("starting %s listener on %s (TLS)", name, addr)
		if err := server.ListenAndServeTLS("", ""); err != nil {
			log.Fatalf("%s listener failed: %v", name, err)
		}
		return
	}

	log.Printf("starting %s listener on %s", name, addr)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("%s listener failed: %v", name, err)
	}
}

func provisionUser(repo *storage.Repository, maxAlias int) {
	svc := auth.NewService()
	token, err := svc.GenerateToken()
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}

	id := uuid.New().String()
	if err := repo.CreateUser(id, token, maxAlias); err != nil {
		log.Fatalf("Failed to create user: %v", err)
	}

	fmt.Printf("user id:  %s\n", id)
	fmt.Printf("token:    %s\n", token)
	fmt.Printf("quota:    %d\n", maxAlias)
}
