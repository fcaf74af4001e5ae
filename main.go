/*
 * Sandbox VM Manager - Service Entry Point
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quartzcloud/sandboxd/internal/config"
	"github.com/quartzcloud/sandboxd/internal/gateway"
	"github.com/quartzcloud/sandboxd/internal/lifecycle"
	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/monitoring"
	"github.com/quartzcloud/sandboxd/internal/notify"
	"github.com/quartzcloud/sandboxd/internal/provider"
	"github.com/quartzcloud/sandboxd/internal/server"
	"github.com/quartzcloud/sandboxd/internal/store"
)

func main() {
	cfg := config.NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal("Failed to load configuration:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	if err := logger.Init(cfg.GetLogLevel(), cfg.LogDir); err != nil {
		log.Fatal("Failed to setup logger:", err)
	}
	appLogger := logger.GetDefault()

	appLogger.WithFields(logger.Fields{
		"provider": cfg.Provider,
		"mode":     cfg.Mode,
		"data_dir": cfg.DataDir,
	}).Info("Starting sandboxd")

	st, err := store.NewBadgerStore(cfg.DataDir)
	if err != nil {
		appLogger.WithFields(logger.Fields{"error": err}).Fatal("Failed to open state store")
	}
	defer st.Close()

	prov, err := buildProvider(cfg, appLogger)
	if err != nil {
		appLogger.WithFields(logger.Fields{"error": err}).Fatal("Failed to initialize provider")
	}

	var notifier notify.Dispatcher
	if cfg.NATSURL != "" {
		natsDispatcher, err := notify.NewNATSDispatcher(cfg.NATSURL, appLogger)
		if err != nil {
			appLogger.WithFields(logger.Fields{"error": err}).Fatal("Failed to connect to NATS")
		}
		notifier = natsDispatcher
	} else {
		appLogger.Warn("No NATS URL configured, notifications go to the log only")
		notifier = notify.NewLogDispatcher(appLogger)
	}
	defer notifier.Close()

	var gw gateway.AccessGateway
	if cfg.GatewayURL != "" {
		gw = gateway.NewGuacamoleGateway(cfg, appLogger)
	}

	var mon *monitoring.Proxy
	if cfg.PrometheusURL != "" {
		mon, err = monitoring.NewProxy(cfg.PrometheusURL, appLogger)
		if err != nil {
			appLogger.WithFields(logger.Fields{"error": err}).Fatal("Failed to initialize monitoring proxy")
		}
	}

	ctrl := lifecycle.NewController(st, prov, gw, notifier, cfg, appLogger)
	reconciler := lifecycle.NewReconciler(ctrl, st, cfg, appLogger)
	sweeper := lifecycle.NewSweeper(ctrl, st, notifier, cfg, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reconciler.Run(ctx)
	go sweeper.Run(ctx)

	srv := server.New(cfg, appLogger, ctrl, mon)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			appLogger.WithFields(logger.Fields{"error": err}).Fatal("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	appLogger.WithFields(logger.Fields{"signal": sig}).Info("Received shutdown signal")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		appLogger.WithFields(logger.Fields{"error": err}).Error("Server shutdown failed")
	}

	appLogger.Info("Shutdown complete")
}

func buildProvider(cfg *config.Config, log *logger.Logger) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderFirecracker:
		return provider.NewFirecrackerProvider(cfg, log)
	default:
		return provider.NewOpenStackProvider(cfg.OpenStackRegion, log)
	}
}
