// Package main is the entry point for the Kiro gateway.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/kiro-gateway/internal/account"
	"github.com/anthropics/kiro-gateway/internal/admin"
	"github.com/anthropics/kiro-gateway/internal/config"
	"github.com/anthropics/kiro-gateway/internal/dispatch"
	"github.com/anthropics/kiro-gateway/internal/errorlog"
	"github.com/anthropics/kiro-gateway/internal/kiro"
	"github.com/anthropics/kiro-gateway/internal/price"
	"github.com/anthropics/kiro-gateway/internal/server"
	"github.com/anthropics/kiro-gateway/internal/store"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	logger.Info("starting Kiro gateway",
		"addr", cfg.Addr(),
		"credentials_dir", cfg.CredentialsDir,
		"region", cfg.Region,
	)

	kiroClient := kiro.NewClient(kiro.ClientOptions{
		Timeout:     cfg.RequestTimeout,
		KiroVersion: cfg.KiroVersion,
		NodeVersion: cfg.NodeVersion,
		Logger:      logger,
	})

	pool, err := account.NewPoolFromDirectory(cfg.CredentialsDir, kiroClient, account.PoolConfig{
		FailureCooldown: cfg.FailureCooldown,
		MaxFailures:     cfg.MaxFailures,
	}, logger)
	if err != nil {
		logger.Error("failed to load account pool", "dir", cfg.CredentialsDir, "error", err)
		os.Exit(1)
	}
	logger.Info("account pool loaded", "accounts", pool.AccountCount())

	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	prices, err := price.Load(cfg.PricePath)
	if err != nil {
		logger.Error("failed to load price table", "path", cfg.PricePath, "error", err)
		os.Exit(1)
	}

	errlog := errorlog.NewStore(cfg.DataDir, logger)
	if err := errlog.Load(); err != nil {
		logger.Warn("failed to load error log", "error", err)
	}

	dispatcher := dispatch.New(dispatch.Options{
		Pool:       pool,
		Client:     kiroClient,
		ErrorLog:   errlog,
		RetryLimit: cfg.RetryLimit,
		Region:     cfg.Region,
		Logger:     logger,
	})

	adminHandler := admin.New(admin.Options{
		Pool:     pool,
		DB:       db,
		ErrorLog: errlog,
		Prices:   prices,
		Client:   kiroClient,
		Config:   cfg,
		Logger:   logger,
	})

	srv := server.New(server.Options{
		Addr:            cfg.Addr(),
		AdminKey:        cfg.AdminAPIKey,
		Dispatcher:      dispatcher,
		DB:              db,
		Admin:           adminHandler,
		Logger:          logger,
		GracefulTimeout: cfg.GracefulTimeout,
	})

	go func() {
		if err := srv.Run(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}

	if err := errlog.Save(); err != nil {
		logger.Error("failed to persist error log", "error", err)
	}
	kiroClient.Close()

	logger.Info("stopped")
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
