// ABOUTME: Entry point for the hub-gateway sync server
// ABOUTME: Wires store, websocket hub, rpc gateway, sync engine and HTTP API

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/hub-sync/internal/config"
	"github.com/2389/hub-sync/internal/httpserver"
	"github.com/2389/hub-sync/internal/rpc"
	"github.com/2389/hub-sync/internal/store"
	syncpkg "github.com/2389/hub-sync/internal/sync"
	"github.com/2389/hub-sync/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _           _
 | |__  _   _| |__        ___ _   _ _ __   ___
 | '_ \| | | | '_ \ _____/ __| | | | '_ \ / __|
 | | | | |_| | |_) |_____\__ \ |_| | | | | (__
 |_| |_|\__,_|_.__/      |___/\__, |_| |_|\___|
                              |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: HUB_CONFIG env var > XDG_CONFIG_HOME/hub/gateway.yaml > ~/.config/hub/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HUB_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "hub", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hub-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the sync gateway server")
		fmt.Println("  health    Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting hub-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	hub := transport.NewHub(cfg.Auth.CLIToken, logger)
	gateway := rpc.NewGateway(hub, cfg.Sync.RPCTimeout, logger)

	engine, err := syncpkg.NewEngine(ctx, st, hub, gateway, syncpkg.Options{
		InactivityThreshold: cfg.Sync.InactivityThreshold,
		SweepInterval:       cfg.Sync.SweepInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("starting sync engine: %w", err)
	}
	defer engine.Stop()

	hub.Bind(engine, gateway)

	verifier := httpserver.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	api := httpserver.NewServer(engine, verifier, http.HandlerFunc(hub.HandleWebSocket), cfg.Auth.CLIToken, cfg.Server.CORSOrigins, logger)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	addr := os.Getenv("HUB_GATEWAY_HTTP")
	if addr == "" {
		addr = "http://localhost:8080"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	if body.Status != "ok" {
		return fmt.Errorf("gateway unhealthy: %s", body.Status)
	}

	green := color.New(color.FgGreen)
	green.Println("gateway healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
