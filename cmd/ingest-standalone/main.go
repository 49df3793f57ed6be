// Command ingest-standalone runs the pipeline without external
// infrastructure: an in-memory status store, a directory as the source
// bucket and in-process dispatch. Only the conversion service is required.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
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

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	if cfg.StatusStore == "" {
		cfg.StatusStore = config.StoreMemory
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = config.DriverFilesystem
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(dataDir, "bucket")
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = dataDir
	}
	cfg.DBOSDatabaseURL = ""
	cfg.AMQPURL = ""
	// in-process runs die with the process
	cfg.ExclusiveWorker = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := runner.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}
	if err := pipeline.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           pipeline.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("standalone pipeline starting", "addr", server.Addr,
			"bucket_dir", cfg.StorageDir, "staging_dir", cfg.StagingDir)
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
}
