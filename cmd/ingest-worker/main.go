package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/simple-ingest-pipeline/internal/config"
	"github.com/tendant/simple-ingest-pipeline/internal/logging"
	"github.com/tendant/simple-ingest-pipeline/pkg/runner"
)

func main() {
	cfg, err := config.Load()
	logger, closeLog := logging.Setup(cfg.LogFile, logging.ParseLevel(cfg.LogLevel))
	defer closeLog()
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("invalid environment", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := runner.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}
	if err := pipeline.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		pipeline.Shutdown(10 * time.Second)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           pipeline.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ingest worker starting", "addr", cfg.HTTPAddr,
			"status_store", cfg.StatusStore, "storage_driver", cfg.StorageDriver,
			"dbos", cfg.DBOSDatabaseURL != "", "bucket_events", cfg.AMQPURL != "")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	pipeline.Shutdown(10 * time.Second)

	logger.Info("server stopped")
}
