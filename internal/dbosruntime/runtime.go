package dbosruntime

import (
	"context"
	"errors"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
)

// ErrDatabaseURLRequired is returned when no system database is configured
var ErrDatabaseURLRequired = errors.New("DBOS_SYSTEM_DATABASE_URL is required")

// Runtime manages the DBOS runtime lifecycle
type Runtime struct {
	dbosContext dbos.DBOSContext
	queue       dbos.WorkflowQueue
	config      Config
}

// NewRuntime creates a DBOS context and the ingest queue. Workflows must be
// registered on Context() before Launch.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, ErrDatabaseURLRequired
	}
	cfg.WithDefaults()

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		ApplicationVersion: cfg.ApplicationVersion,
		Logger:             cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	queue := dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName,
		dbos.WithWorkerConcurrency(cfg.Concurrency))

	return &Runtime{
		dbosContext: dbosCtx,
		queue:       queue,
		config:      cfg,
	}, nil
}

// Launch starts the DBOS runtime and queue workers
func (r *Runtime) Launch() error {
	r.config.Logger.Info("launching DBOS runtime", "app", r.config.AppName,
		"queue", r.config.QueueName, "concurrency", r.config.Concurrency)
	return dbos.Launch(r.dbosContext)
}

// Shutdown gracefully shuts down the DBOS runtime
func (r *Runtime) Shutdown(timeout time.Duration) {
	dbos.Shutdown(r.dbosContext, timeout)
}

// Context returns the DBOS context
func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosContext
}

// QueueName returns the configured queue name
func (r *Runtime) QueueName() string {
	return r.config.QueueName
}

// Concurrency returns the configured per-worker concurrency
func (r *Runtime) Concurrency() int {
	return r.config.Concurrency
}
