package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/tadpole/internal/api"
	"github.com/nugget/tadpole/internal/buildinfo"
	"github.com/nugget/tadpole/internal/connwatch"
	"github.com/nugget/tadpole/internal/mqtt"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server and the
// broker connection.
const shutdownTimeout = 10 * time.Second

// runServe handles "tadpole serve". It builds the directory, starts
// health watching and the optional MQTT mirror, then serves the API
// until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. A signal cancels the context
//  2. The MQTT mirror publishes "offline" and disconnects
//  3. The HTTP server drains and every conversation is closed
//  4. Tool server sessions end and the store closes via defers
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Tadpole", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"servers", len(cfg.MCP.Servers),
		"data_dir", cfg.DataDir,
	)

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Health watching ---
	backoff := connwatch.DefaultBackoffConfig()
	if cfg.MCP.WatchInterval > 0 {
		backoff.PollInterval = cfg.MCP.WatchInterval
	}
	watcher := connwatch.NewManager(a.dir, a.bus, backoff, logger)
	if cfg.MCP.WatchInterval > 0 {
		go watcher.Run(ctx)
		logger.Info("tool server watching enabled", "interval", cfg.MCP.WatchInterval)
	}
	watcher.Watch(ctx, connwatch.WatcherConfig{
		ServerID: "llm",
		Name:     "chat backend",
		Probe:    a.llm.Ping,
	})

	// --- MQTT mirror ---
	var mirror *mqtt.Mirror
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mirror = mqtt.New(cfg.MQTT, instanceID, a.bus, logger)
		go func() {
			if err := mirror.Start(ctx); err != nil {
				logger.Error("mqtt mirror failed", "error", err)
			}
		}()
		watcher.Watch(ctx, connwatch.WatcherConfig{
			ServerID: "mqtt",
			Name:     "mqtt broker",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mirror.AwaitConnection(awaitCtx)
			},
		})
		logger.Info("mqtt mirror enabled", "broker", cfg.MQTT.Broker, "prefix", cfg.MQTT.Prefix, "instance_id", instanceID)
	} else {
		logger.Info("mqtt mirror disabled")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Directory:       a.dir,
		NewOrchestrator: a.newOrchestrator,
		Bus:             a.bus,
		Watcher:         watcher,
		Models:          a.models,
		Usage:           a.usage,
		Logger:          logger,
	})

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if mirror != nil {
			if err := mirror.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
		watcher.Stop()
	}()

	// Start blocks until Shutdown or a listen failure. Either way the
	// shutdown goroutine runs to completion before the defers close the
	// directory and store.
	serveErr := server.Start(ctx)
	cancel()
	<-stopped
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", serveErr)
	}

	logger.Info("Tadpole stopped")
	return nil
}
