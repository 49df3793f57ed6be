// Package runner assembles the ingest pipeline from configuration. It is
// the composition root used by the binaries and by applications that embed
// the pipeline as a library.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tendant/simple-ingest-pipeline/internal/config"
	"github.com/tendant/simple-ingest-pipeline/internal/converter"
	"github.com/tendant/simple-ingest-pipeline/internal/dbosruntime"
	"github.com/tendant/simple-ingest-pipeline/internal/handlers"
	"github.com/tendant/simple-ingest-pipeline/internal/listing"
	"github.com/tendant/simple-ingest-pipeline/internal/metrics"
	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/internal/statusstore"
	"github.com/tendant/simple-ingest-pipeline/internal/storage"
	"github.com/tendant/simple-ingest-pipeline/internal/trigger"
	"github.com/tendant/simple-ingest-pipeline/internal/workflows"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// Config is the full service configuration
type Config = config.Config

// LoadConfig reads the configuration from .env and the environment
func LoadConfig() (Config, error) {
	return config.Load()
}

// Runner owns every component of a running pipeline
type Runner struct {
	cfg    Config
	logger *slog.Logger

	store     statusstore.Store
	objects   storage.ObjectStore
	dbos      *dbosruntime.Runtime
	workflows *workflows.WorkflowRunner
	view      *listing.View
	handler   *handlers.Handler
	registry  *prometheus.Registry
	consumer  *trigger.Consumer

	cancel     context.CancelFunc
	background sync.WaitGroup
}

// New builds the pipeline. Nothing runs until Start.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Runner, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	r.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var err error
	if r.store, err = openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if r.objects, err = openObjectStore(ctx, cfg, logger); err != nil {
		r.store.Close()
		return nil, err
	}

	var staging *storage.Staging
	if cfg.StagingDir != "" {
		if staging, err = storage.NewStaging(cfg.StagingDir); err != nil {
			r.store.Close()
			return nil, fmt.Errorf("failed to create staging area: %w", err)
		}
	}

	res := resolver.New(cfg.SourcePrefix, r.store)
	workflow := workflows.NewIngestWorkflow(workflows.Deps{
		Store:   r.store,
		Objects: r.objects,
		Converter: converter.NewHTTPConverter(converter.Config{
			URL:       cfg.ConverterURL,
			Timeout:   cfg.ConverterTimeout,
			RateLimit: cfg.ConverterRateLimit,
		}),
		Resolver: res,
		Staging:  staging,
		Metrics:  metrics.New(r.registry),
		Logger:   logger,
	}, workflows.Options{
		DestinationPrefix: cfg.DestinationPrefix,
		SchemaVersion:     cfg.SchemaVersion,
		StorageTimeout:    cfg.StorageTimeout,
	})

	if cfg.DBOSDatabaseURL != "" {
		r.dbos, err = dbosruntime.NewRuntime(ctx, dbosruntime.Config{
			DatabaseURL:        cfg.DBOSDatabaseURL,
			QueueName:          cfg.DBOSQueueName,
			Concurrency:        cfg.DBOSConcurrency,
			ApplicationVersion: cfg.DBOSApplicationVersion,
			Logger:             logger,
		})
		if err != nil {
			r.store.Close()
			return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
		}
	}
	// Registers the DBOS workflow; must happen before Launch
	r.workflows = workflows.NewWorkflowRunner(workflow, r.dbos, cfg.DBOSConcurrency, logger)

	r.view = listing.New(listing.Config{
		Store:       r.store,
		Objects:     r.objects,
		Resolver:    res,
		Staging:     staging,
		ListTimeout: cfg.StorageTimeout,
		Logger:      logger,
	})
	r.handler = handlers.New(handlers.Config{
		Runner:           r.workflows,
		Lister:           r.view,
		Health:           health{r.store, r.objects},
		Gatherer:         r.registry,
		SweepConcurrency: cfg.SweepConcurrency,
		Logger:           logger,
	})
	return r, nil
}

func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (statusstore.Store, error) {
	switch cfg.StatusStore {
	case config.StoreMemory:
		logger.Warn("using in-memory status store; records are lost on restart")
		return statusstore.NewMemoryStore(), nil
	default:
		return statusstore.OpenPostgres(ctx, cfg.DatabaseURL, logger)
	}
}

func openObjectStore(ctx context.Context, cfg Config, logger *slog.Logger) (storage.ObjectStore, error) {
	switch cfg.StorageDriver {
	case config.DriverFilesystem:
		return storage.NewFilesystemStorage(cfg.StorageDir)
	case config.DriverS3:
		return storage.NewS3Storage(ctx, storage.S3Config{
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Region:       cfg.S3Region,
			Bucket:       cfg.SourceBucket,
			UsePathStyle: cfg.S3UsePathStyle,
			Timeout:      cfg.StorageTimeout,
		}, logger)
	default:
		return storage.NewMinioStorage(storage.MinioConfig{
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Region:       cfg.S3Region,
			Bucket:       cfg.SourceBucket,
			UseSSL:       cfg.S3UseSSL,
			UsePathStyle: cfg.S3UsePathStyle,
		}, logger)
	}
}

// Start launches DBOS, recovers interrupted records, starts the stale
// record watcher and the bucket-event consumer when one is configured.
func (r *Runner) Start(ctx context.Context) error {
	if r.dbos != nil {
		if err := r.dbos.Launch(); err != nil {
			return fmt.Errorf("failed to launch DBOS: %w", err)
		}
	}

	staleAfter := r.cfg.RecoveryStaleAfter
	if r.cfg.ExclusiveWorker {
		staleAfter = 0
	}
	failed, requeued, err := r.workflows.Recover(ctx, staleAfter)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if failed > 0 || requeued > 0 {
		r.logger.Info("recovered records", "interrupted", failed, "requeued", requeued)
	}

	bctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		r.workflows.WatchStale(bctx, r.cfg.RecoveryInterval, r.cfg.RecoveryStaleAfter)
	}()

	if r.cfg.AMQPURL != "" {
		consumer, err := trigger.NewConsumer(trigger.Config{
			URL:    r.cfg.AMQPURL,
			Queue:  r.cfg.AMQPQueue,
			Bucket: r.cfg.SourceBucket,
			Prefix: r.cfg.SourcePrefix,
			Logger: r.logger,
		}, r.workflows)
		if err != nil {
			return err
		}
		r.consumer = consumer

		r.background.Add(1)
		go func() {
			defer r.background.Done()
			if err := consumer.Run(bctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("bucket-event consumer stopped", "error", err)
			}
		}()
	}
	return nil
}

// Handler returns the HTTP API
func (r *Runner) Handler() http.Handler {
	return r.handler.Routes()
}

// Submit admits a source object and dispatches its run
func (r *Runner) Submit(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.ProcessResponse, error) {
	kind, err := resolver.ParseKind(req.IdentifierType)
	if err != nil {
		return nil, err
	}
	sub, err := r.workflows.Submit(ctx, workflows.SubmitRequest{
		Identifier: req.Identifier,
		Kind:       kind,
		ProcessID:  req.ProcessID,
		Force:      req.Force,
	})
	if sub == nil {
		return nil, err
	}
	resp := sub.Response()
	return &resp, err
}

// Sweep submits every object under the source prefix
func (r *Runner) Sweep(ctx context.Context) (*pipeline.SweepResponse, error) {
	return r.workflows.Sweep(ctx, r.cfg.SweepConcurrency)
}

// Wait blocks until in-process runs have finished
func (r *Runner) Wait() {
	r.workflows.Wait()
}

// Shutdown stops the consumer and the stale record watcher, drains
// in-process runs and releases every connection.
func (r *Runner) Shutdown(timeout time.Duration) {
	if r.cancel != nil {
		r.cancel()
	}
	r.background.Wait()
	if r.consumer != nil {
		if err := r.consumer.Close(); err != nil {
			r.logger.Warn("failed to close consumer", "error", err)
		}
	}
	r.workflows.Close()
	if r.dbos != nil {
		r.dbos.Shutdown(timeout)
	}
	if err := r.store.Close(); err != nil {
		r.logger.Warn("failed to close status store", "error", err)
	}
}

// health pings the status store and, when it supports it, object storage
type health struct {
	store   statusstore.Store
	objects storage.ObjectStore
}

func (h health) Ping(ctx context.Context) error {
	if err := h.store.Ping(ctx); err != nil {
		return fmt.Errorf("status store: %w", err)
	}
	if p, ok := h.objects.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
	}
	return nil
}
