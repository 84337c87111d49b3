package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/tablesnap/internal/config"
	"github.com/JonMunkholm/tablesnap/internal/core"
	"github.com/JonMunkholm/tablesnap/internal/logging"
	"github.com/JonMunkholm/tablesnap/internal/store/driver"
	"github.com/JonMunkholm/tablesnap/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"driver", cfg.Database.Driver,
		"snapshot_dir", cfg.Snapshot.Dir,
		"max_execution", cfg.Snapshot.MaxExecution.String(),
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	slog.Debug("effective configuration", "config", cfg.String())

	ctx := context.Background()
	st, err := driver.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tables, err := st.ListTables(ctx)
	if err != nil {
		slog.Error("failed to read catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to database", "driver", st.Driver(), "tables", len(tables))

	service, err := core.NewService(st, cfg)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}
	for _, def := range service.Trees() {
		slog.Debug("tree table registered", "table", def.Table, "scope", def.ScopeColumn)
	}

	server := web.NewServer(service, cfg)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	go service.StartSnapshotScheduler(jobCtx)

	// Graceful shutdown
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		// Stop background jobs
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Let a running restore or repair commit or roll back
		if status := service.WriterStatus(); status.Busy {
			slog.Info("waiting for writer to finish", "operation", status.Operation)
			if err := service.WaitForWriters(shutdownCtx); err != nil {
				slog.Warn("writer did not finish in time", "error", err)
			} else {
				slog.Info("writer finished")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-idle
	slog.Info("server stopped")
}
