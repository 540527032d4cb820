// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/loom/boltlog"
	"github.com/bureau-foundation/loom/lib/config"
	"github.com/bureau-foundation/loom/lib/version"
	"github.com/bureau-foundation/loom/oplog"
	"github.com/bureau-foundation/loom/pglog"
	"github.com/bureau-foundation/loom/sqlitelog"
	docsync "github.com/bureau-foundation/loom/sync"
	"github.com/bureau-foundation/loom/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("loom-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the relay YAML config (default: $LOOM_CONFIG)")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("loom-relay %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()

	// Cross-instance fan-out, only when Redis is configured.
	var fanout *docsync.Fanout
	if cfg.Redis.Address != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		fanout, err = docsync.NewFanout(redisClient, logger)
		if err != nil {
			return fmt.Errorf("creating fan-out: %w", err)
		}
	}

	hub, err := docsync.NewHub(docsync.HubConfig{
		Store:  store,
		Logger: logger,
		Token:  cfg.Auth.JoinToken,
		Fanout: fanout,
	})
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}
	go hub.Run(ctx)

	// One router serves the sync WebSocket, the WebRTC signaling
	// mailboxes, and the health surface.
	router := mux.NewRouter()
	router.Handle(cfg.Listen.SyncPath, transport.NewWSHandler(hub.Handler(), logger))
	router.PathPrefix("/signal/").Handler(transport.NewSignalingHandler(transport.NewSignalDirectory(), logger))
	router.HandleFunc("/healthz", healthzHandler(hub)).Methods(http.MethodGet)

	httpListener, err := net.Listen("tcp", cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen.Address, err)
	}
	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverDone := make(chan error, 1)
	go func() {
		err := server.Serve(httpListener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serverDone <- err
	}()

	// Optional raw TCP listener for native editors on trusted
	// networks.
	if cfg.Listen.TCPAddress != "" {
		tcpListener, err := transport.NewTCPListener(cfg.Listen.TCPAddress)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.Listen.TCPAddress, err)
		}
		defer tcpListener.Close()
		go func() {
			if err := tcpListener.Serve(ctx, hub.Handler()); err != nil {
				logger.Error("tcp listener stopped", "error", err)
			}
		}()
		logger.Info("tcp listener up", "address", tcpListener.Address())
	}

	// Background log folding on the relay's own store.
	if interval := cfg.CompactionInterval(); interval > 0 {
		var horizon oplog.HorizonFunc
		if cfg.Compaction.Retention > 0 {
			horizon = oplog.RetainRecent(cfg.Compaction.Retention)
		}
		compactor, err := oplog.NewCompactor(oplog.CompactorConfig{
			Store:    store,
			Logger:   logger,
			Horizon:  horizon,
			Interval: interval,
		})
		if err != nil {
			return fmt.Errorf("creating compactor: %w", err)
		}
		go compactor.Run(ctx)
	}

	if cfg.Discovery.MDNS {
		port := httpListener.Addr().(*net.TCPAddr).Port
		stopAdvertising, err := transport.AdvertiseRelay(
			cfg.InstanceName(), port, []string{"path=" + cfg.Listen.SyncPath}, logger)
		if err != nil {
			// A relay nobody can discover still serves everyone who
			// knows its address.
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer stopAdvertising()
		}
	}

	logger.Info("relay running",
		"address", httpListener.Addr().String(),
		"sync_path", cfg.Listen.SyncPath,
		"store", cfg.Store.Backend,
		"fanout", fanout != nil,
		"compaction", cfg.CompactionInterval(),
		"version", version.Short(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop accepting upgrades first, then tear down the live
	// sessions. Upgraded connections are hijacked from the server, so
	// Shutdown does not wait on them; closing the hub unwinds their
	// handlers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	hub.Close()
	return <-serverDone
}

// loadConfig resolves the configuration from the --config flag or the
// LOOM_CONFIG environment variable.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}

// openStore opens the configured persistence backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (oplog.Store, error) {
	if err := cfg.EnsureStoreDir(); err != nil {
		return nil, err
	}
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("using the in-memory store, rooms do not survive restarts")
		return oplog.NewMemory(), nil
	case config.BackendSQLite:
		return sqlitelog.Open(sqlitelog.Config{
			Path:     cfg.Store.Path,
			PoolSize: cfg.Store.PoolSize,
			Logger:   logger,
		})
	case config.BackendBolt:
		return boltlog.Open(boltlog.Config{
			Path:   cfg.Store.Path,
			Logger: logger,
		})
	case config.BackendPostgres:
		return pglog.Open(ctx, pglog.Config{
			URL:    cfg.Store.URL,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// healthzHandler reports hub statistics for load balancer checks.
func healthzHandler(hub *docsync.Hub) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		stats := hub.Stats()
		writer.Header().Set("Content-Type", "application/json")
		json.NewEncoder(writer).Encode(map[string]any{
			"status":      "ok",
			"version":     version.Short(),
			"rooms":       stats.Rooms,
			"sessions":    stats.Sessions,
			"ops_relayed": stats.OpsRelayed,
		})
	}
}
