package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyroute/broker/internal/api"
	"github.com/keyroute/broker/internal/config"
	"github.com/keyroute/broker/internal/keeper"
	"github.com/keyroute/broker/internal/lifecycle"
	"github.com/keyroute/broker/internal/metering"
	"github.com/keyroute/broker/internal/registry"
	"github.com/keyroute/broker/internal/store"
	"github.com/keyroute/broker/internal/wireguard"
)

const finalFlushTimeout = 5 * time.Second

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Configure log level
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("starting tunnel broker",
		"region", cfg.Region,
		"listen_addr", cfg.ListenAddr,
		"wg_interface", cfg.WGInterface,
		"wg_subnet", cfg.WGSubnet,
		"keeper_url", cfg.KeeperURL,
	)

	// Audit/journal store is optional
	var audit *store.AuditStore
	if cfg.AuditDBPath != "" {
		db, err := store.New(cfg.AuditDBPath)
		if err != nil {
			slog.Error("failed to open audit database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		audit = store.NewAuditStore(db)
	}

	// WireGuard manager
	wgClient := wireguard.NewRealWGClient()
	wgManager := wireguard.NewManager(cfg.WGInterface, wgClient)

	// A restart loses every tunnel record, so peers left on the interface are
	// orphans from the previous life.
	if cfg.CleanOrphanPeers {
		removed, err := wgManager.RemoveOrphans(nil, slog.Default())
		if err != nil {
			slog.Warn("orphan peer cleanup failed (may require CAP_NET_ADMIN)", "error", err)
		} else if removed > 0 {
			slog.Info("removed orphaned peers", "count", removed)
		}
	}

	// Core components
	reg := registry.New(cfg.Region, cfg.SubnetPrefix())
	kp := keeper.NewHTTPClient(cfg.KeeperURL, cfg.KeeperSecret, cfg.Region)
	engine := metering.New(reg, kp, audit, cfg.Region, cfg.AccrualInterval, cfg.UsageInterval)
	supervisor := lifecycle.New(reg, engine, wgManager, cfg.LifecycleInterval)

	srv := api.NewServer(cfg, reg, kp, wgManager, engine, supervisor, audit)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)
	go supervisor.Run(ctx)

	go func() {
		slog.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop accepting requests, stop the loops, close out
	// unbilled time, attempt one last delivery.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	cancel()
	engine.FinalFlush(finalFlushTimeout)

	slog.Info("tunnel broker stopped")
}
