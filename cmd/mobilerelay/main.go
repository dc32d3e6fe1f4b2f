// Command mobilerelay bootstraps the phone-number rendezvous relay: loads
// configuration, opens the identity store, wires the peer registry to the
// operations API, starts the client-facing TCP listener and the admin
// HTTP/WebSocket server, and blocks until SIGINT/SIGTERM.
//
// Grounded on cmd/omnicloud/main.go's bootstrap shape (config path
// resolution, dedicated relay log init, context.WithCancel plus
// signal.Notify, ordered startup logging, graceful shutdown).
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/REONTeam/mobilerelay/internal/admin"
	"github.com/REONTeam/mobilerelay/internal/config"
	"github.com/REONTeam/mobilerelay/internal/configwatch"
	"github.com/REONTeam/mobilerelay/internal/identity"
	"github.com/REONTeam/mobilerelay/internal/peer"
	"github.com/REONTeam/mobilerelay/internal/relaylog"
	"github.com/REONTeam/mobilerelay/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	log.Printf("Starting mobilerelay v%s...", Version)

	workDir, _ := os.Getwd()
	configPath := filepath.Join(workDir, "mobilerelay.config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = filepath.Join(filepath.Dir(workDir), "mobilerelay.config")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	var relayLog relaylog.Logger
	relayLog.Open(cfg.LogDir)
	defer relayLog.Close()

	log.Printf("configuration loaded:")
	log.Printf("  listen: %s", cfg.ListenAddr)
	log.Printf("  store backend: %s", cfg.StoreBackend)
	log.Printf("  admin: %s", cfg.AdminAddr)
	log.Printf("  call timeout: %s  accept timeout: %s", cfg.CallTimeout, cfg.AcceptTimeout)

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open identity store: %v", err)
	}
	defer store.Close()

	registry := peer.NewRegistry(store)

	counters := &admin.Counters{}
	hub := admin.NewHub()
	go hub.Run()
	registry.SetEventSink(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.ListenAddr, err)
	}
	log.Printf("relay listening on %s", cfg.ListenAddr)

	timeouts := session.NewTimeoutsSource(session.Timeouts{
		CallTimeout:      cfg.CallTimeout,
		CallPoll:         cfg.CallPollInterval,
		WaitPoll:         cfg.WaitPollInterval,
		AcceptTimeout:    cfg.AcceptTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	relayServer := session.NewServer(registry, timeouts, &relayLog, counters)
	go func() {
		if err := relayServer.Serve(ctx, ln); err != nil {
			log.Printf("relay server error: %v", err)
		}
	}()

	var adminServer *admin.Server
	if cfg.AdminAddr != "" {
		adminServer = admin.NewServer(registry, counters, hub)
		go func() {
			if err := adminServer.Start(cfg.AdminAddr); err != nil {
				log.Printf("admin server error: %v", err)
			}
		}()
	}

	watcher, err := configwatch.New(configPath, func(reloaded *config.Config) {
		// HandshakeTimeout is left untouched: it only bounds the very first
		// read of a connection that isn't live yet, so it isn't part of the
		// tunable set this watcher is meant to retune.
		next := timeouts.Load()
		next.CallTimeout = reloaded.CallTimeout
		next.CallPoll = reloaded.CallPollInterval
		next.WaitPoll = reloaded.WaitPollInterval
		next.AcceptTimeout = reloaded.AcceptTimeout
		timeouts.Store(next)
	})
	if err != nil {
		log.Printf("configwatch: disabled: %v", err)
	} else if err := watcher.Start(); err != nil {
		log.Printf("configwatch: disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	log.Println("mobilerelay is running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutdown signal received, stopping mobilerelay...")
	cancel()
	ln.Close()

	if adminServer != nil {
		if err := adminServer.Shutdown(); err != nil {
			log.Printf("error shutting down admin server: %v", err)
		}
	}

	log.Println("mobilerelay stopped")
}


// openStore selects the identity.Store backend per cfg.StoreBackend:
// "postgres" opens a pooled PostgreSQL connection, anything else (including
// the default, unset value) falls back to the in-memory store used for
// local runs and tests.
func openStore(cfg *config.Config) (identity.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		store, err := identity.OpenPostgresStore(cfg.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Println("identity store: postgres")
		return store, nil
	default:
		log.Println("identity store: in-memory (set store_backend=postgres to persist identities)")
		return identity.NewMemoryStore(), nil
	}
}
