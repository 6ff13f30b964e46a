package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/osgrid/gridveil/internal/analytics"
	"github.com/osgrid/gridveil/internal/api"
	"github.com/osgrid/gridveil/internal/config"
	"github.com/osgrid/gridveil/internal/grid"
	"github.com/osgrid/gridveil/internal/he"
	"github.com/osgrid/gridveil/internal/oracle"
	"github.com/osgrid/gridveil/internal/store"
	"github.com/osgrid/gridveil/internal/ws"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gridveil %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Setup logging
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// CLI overrides
	if *listenAddr != "" {
		cfg.Server.Listen = *listenAddr
	}

	// Create store
	dataStore, err := store.NewSQLiteStore(cfg.Persistence.DBPath)
	if err != nil {
		slog.Error("failed to create store", "error", err)
		os.Exit(1)
	}
	defer dataStore.Close()
	slog.Info("database opened", "path", cfg.Persistence.DBPath)

	// Create enclave and oracle
	enclave, err := he.NewEnclave()
	if err != nil {
		slog.Error("failed to create enclave", "error", err)
		os.Exit(1)
	}

	delay := time.Duration(cfg.Oracle.DeliveryDelayMs) * time.Millisecond
	localOracle, err := oracle.NewLocalOracle(enclave, logger, delay)
	if err != nil {
		slog.Error("failed to create oracle", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// WebSocket hub broadcasts record lifecycle events
	hub := ws.NewHub(cfg, logger)
	go hub.Run(ctx)

	// Core engine; the hub observes its lifecycle transitions
	engine := grid.NewEngine(dataStore, enclave, localOracle, hub, logger)
	localOracle.Bind(engine.Sink())
	go localOracle.Run(ctx)

	analyticsEngine := analytics.NewEngine(dataStore.DB())

	// HTTP server
	apiServer := api.NewServer(cfg, engine, enclave, analyticsEngine, logger)
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.HandleFunc("/ws", hub.Handler(cfg.Auth.Token))

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting gridveil", "listen", cfg.Server.ListenAddr())
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  API:    http://%s/api\n", cfg.Server.ListenAddr())
	fmt.Fprintf(os.Stderr, "  WS:     ws://%s/ws\n", cfg.Server.ListenAddr())
	fmt.Fprintf(os.Stderr, "  DB:     %s\n", cfg.Persistence.DBPath)
	fmt.Fprintf(os.Stderr, "  Token:  %s\n", cfg.Auth.Token)
	fmt.Fprintf(os.Stderr, "\n")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}

	slog.Info("gridveil shutdown complete")
}
