package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"github.com/tendant/simple-ingest-pipeline/internal/dbosruntime"
	"github.com/tendant/simple-ingest-pipeline/internal/records"
)

// WorkflowRunner admits submissions and dispatches runs, either through a
// DBOS queue or on in-process goroutines.
type WorkflowRunner struct {
	workflow    *IngestWorkflow
	dbosRuntime *dbosruntime.Runtime
	logger      *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	sem     chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewWorkflowRunner creates a runner. With a nil runtime, runs execute in
// process with at most concurrency at a time.
func NewWorkflowRunner(workflow *IngestWorkflow, dbosRuntime *dbosruntime.Runtime, concurrency int, logger *slog.Logger) *WorkflowRunner {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	runner := &WorkflowRunner{
		workflow:    workflow,
		dbosRuntime: dbosRuntime,
		logger:      logger,
		baseCtx:     ctx,
		cancel:      cancel,
		sem:         make(chan struct{}, concurrency),
	}

	// Register the DBOS workflow function before the runtime launches
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// Workflow returns the ingest workflow
func (r *WorkflowRunner) Workflow() *IngestWorkflow {
	return r.workflow
}

// Submit admits a request and, when a record was queued, dispatches its run
// without waiting for it.
func (r *WorkflowRunner) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	sub, err := r.workflow.Admit(ctx, req)
	if err != nil {
		return sub, err
	}
	return sub, r.dispatchIfQueued(ctx, sub)
}

// Reprocess resets an existing record and dispatches a new run
func (r *WorkflowRunner) Reprocess(ctx context.Context, id string, force bool) (*Submission, error) {
	sub, err := r.workflow.Reset(ctx, id, force)
	if err != nil {
		return sub, err
	}
	return sub, r.dispatchIfQueued(ctx, sub)
}

func (r *WorkflowRunner) dispatchIfQueued(ctx context.Context, sub *Submission) error {
	if !sub.dispatch {
		return nil
	}
	if err := r.Dispatch(ctx, sub.RecordID); err != nil {
		// the record stays queued and is picked up again by Recover
		r.logger.Error("failed to dispatch run", "record_id", sub.RecordID, "error", err)
		return fmt.Errorf("record %s queued but not dispatched: %w", sub.RecordID, err)
	}
	return nil
}

// Dispatch starts a run for a queued record
func (r *WorkflowRunner) Dispatch(ctx context.Context, id string) error {
	if r.dbosRuntime != nil {
		if r.isClosed() {
			return ErrRunnerClosed
		}
		return r.runAsync(id)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	runID := fmt.Sprintf("local-%s-%d", id, time.Now().UnixNano())
	go func() {
		defer r.wg.Done()
		select {
		case r.sem <- struct{}{}:
		case <-r.baseCtx.Done():
			return
		}
		defer func() { <-r.sem }()
		if r.baseCtx.Err() != nil {
			// closed while waiting; the record stays queued for Recover
			return
		}
		r.execute(context.WithoutCancel(r.baseCtx), id, runID)
	}()
	return nil
}

func (r *WorkflowRunner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// runAsync enqueues a run for async execution via DBOS
func (r *WorkflowRunner) runAsync(id string) error {
	// Generate workflow ID for exactly-once semantics per attempt
	workflowID := fmt.Sprintf("ingest-%s-%d", id, time.Now().UnixNano())

	handle, err := dbos.RunWorkflow[string, string](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		id,
		dbos.WithWorkflowID(workflowID),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		return err
	}

	r.logger.Info("run enqueued", "record_id", id, "workflow_id", handle.GetWorkflowID())
	return nil
}

// executeWorkflowDBOS is the DBOS workflow function wrapping Run
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, id string) (string, error) {
	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return "", err
	}

	// DBOSContext implements context.Context
	rec, err := r.execute(dbosCtx, id, workflowID)
	if err != nil && !errors.Is(err, ErrNotQueued) {
		return string(rec.State), err
	}
	return string(rec.State), nil
}

func (r *WorkflowRunner) execute(ctx context.Context, id, runID string) (records.Record, error) {
	rec, err := r.workflow.Run(ctx, id, runID)
	switch {
	case errors.Is(err, ErrNotQueued):
		r.logger.Info("run skipped, record already picked up", "record_id", id, "run_id", runID)
	case err != nil:
		r.logger.Error("run aborted", "record_id", id, "run_id", runID, "error", err)
	default:
		r.logger.Info("run finished", "record_id", id, "run_id", runID,
			"state", rec.State, "error_detail", rec.ErrorDetail)
	}
	return rec, err
}

// Recover fails records interrupted mid-run and re-dispatches queued ones.
// It is called once at startup. A staleAfter of zero fails every in-flight
// record, which is only correct when no other process shares the store.
func (r *WorkflowRunner) Recover(ctx context.Context, staleAfter time.Duration) (failed, requeued int, err error) {
	interrupted, err := r.workflow.FailStale(ctx, staleAfter)
	if err != nil {
		return len(interrupted), 0, fmt.Errorf("fail stale records: %w", err)
	}

	queued, err := r.workflow.QueuedRecords(ctx)
	if err != nil {
		return len(interrupted), 0, fmt.Errorf("list queued records: %w", err)
	}
	for _, rec := range queued {
		if err := r.Dispatch(ctx, rec.ID); err != nil {
			return len(interrupted), requeued, err
		}
		requeued++
	}

	r.logger.Info("recovery finished", "interrupted", len(interrupted), "requeued", requeued)
	return len(interrupted), requeued, nil
}

// WatchStale fails records stuck in flight for longer than staleAfter every
// interval until ctx is done.
func (r *WorkflowRunner) WatchStale(ctx context.Context, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failed, err := r.workflow.FailStale(ctx, staleAfter)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("stale record check failed", "error", err)
				}
				continue
			}
			if len(failed) > 0 {
				r.logger.Warn("failed stale records", "count", len(failed))
			}
		}
	}
}

// Wait blocks until every in-process run has finished
func (r *WorkflowRunner) Wait() {
	r.wg.Wait()
}

// Close stops accepting work, drops in-process runs still waiting for a
// slot and waits for running ones to finish.
func (r *WorkflowRunner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
