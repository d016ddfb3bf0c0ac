package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coordd/internal/api"
	"coordd/internal/config"
	"coordd/internal/engine"
	"coordd/internal/ledger"
	"coordd/internal/policy"
	"coordd/internal/store"
	"coordd/internal/validator"
)

func main() {
	// Logger
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Policy: file when configured, built-in default otherwise, with the
	// iteration limits from the environment as fallbacks.
	pol := policy.Default()
	if cfg.PolicyPath != "" {
		pol, err = policy.LoadFile(cfg.PolicyPath)
		if err != nil {
			logger.Error("failed to load policy", "path", cfg.PolicyPath, "error", err)
			os.Exit(1)
		}
	} else {
		pol.MaxIterations = cfg.MaxIterations
		pol.HardCap = cfg.HardCap
	}

	// SQLite
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Stores
	sessions := store.NewSessionStore(db)
	groups := store.NewGroupStore(db)
	events := store.NewEventStore(db)
	snaps := store.NewSnapshotStore(db)

	// Engine pieces
	lg := ledger.New(events, logger)
	eng := engine.New(sessions, groups, events, snaps, lg, logger)
	gate := validator.New(sessions, groups, events, lg, logger)

	// Router
	router := api.NewRouter(db, sessions, groups, events, snaps, lg, eng, gate, pol, logger)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("coordination server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
