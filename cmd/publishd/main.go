package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"postpilot/internal/config"
	"postpilot/internal/dedup"
	"postpilot/internal/dispatch"
	"postpilot/internal/ratelimit"
	"postpilot/internal/storage"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	policies, err := config.LoadPolicies(cfg.PoliciesFile)
	if err != nil {
		log.Error("load platform policies", "path", cfg.PoliciesFile, "error", err)
		os.Exit(1)
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath, log)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	limiter := ratelimit.New(policies.RateLimits())
	if err := limiter.Rehydrate(ctx, store); err != nil {
		log.Error("rehydrate rate limiter", "error", err)
		os.Exit(1)
	}

	adapters := dispatch.RegisteredAdapters()
	if len(adapters) == 0 {
		log.Warn("no platform adapters registered; due posts will fail until one is wired in")
	}
	for platform, adapter := range adapters {
		if !adapter.CheckStatus(ctx) {
			log.Warn("platform unreachable", "platform", platform)
		}
	}

	dispatcher := dispatch.New(store, dedup.NewEngine(store, log), limiter, adapters, log)
	dispatcher.SetLookbacks(policies.DedupLookbacks())
	dispatcher.SetMaxAttempts(cfg.MaxRetries)
	dispatcher.SetCallTimeout(cfg.PostTimeout)
	dispatcher.SetConcurrency(cfg.MaxConcurrent)

	runner := dispatch.NewRunner(store, dispatcher, log)
	runner.SetTickInterval(cfg.TickInterval)

	log.Info("starting publish daemon")
	runner.Run(ctx)
	log.Info("publish daemon stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
