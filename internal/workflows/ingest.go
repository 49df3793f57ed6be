package workflows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/tendant/simple-ingest-pipeline/internal/converter"
	"github.com/tendant/simple-ingest-pipeline/internal/dedupe"
	"github.com/tendant/simple-ingest-pipeline/internal/metrics"
	"github.com/tendant/simple-ingest-pipeline/internal/records"
	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/internal/statusstore"
	"github.com/tendant/simple-ingest-pipeline/internal/storage"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

const persistTimeout = 10 * time.Second

// errMovedOn aborts an update when the record changed since it was listed
var errMovedOn = errors.New("record moved on")

// Deps are the collaborators of the ingest workflow
type Deps struct {
	Store     statusstore.Store
	Objects   storage.ObjectStore
	Converter converter.Converter
	Resolver  *resolver.Resolver
	Staging   *storage.Staging // optional local working area
	Metrics   *metrics.Metrics // optional
	Logger    *slog.Logger
}

// Options tune the ingest workflow
type Options struct {
	DestinationPrefix string
	SchemaVersion     string
	StorageTimeout    time.Duration
	Now               func() time.Time
}

// WithDefaults fills in default values for optional fields
func (o *Options) WithDefaults() {
	if o.SchemaVersion == "" {
		o.SchemaVersion = "1.0"
	}
	if o.StorageTimeout == 0 {
		o.StorageTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// IngestWorkflow admits source objects and drives each admitted record
// through download, convert and upload.
type IngestWorkflow struct {
	store     statusstore.Store
	objects   storage.ObjectStore
	converter converter.Converter
	resolver  *resolver.Resolver
	staging   *storage.Staging
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
}

// NewIngestWorkflow creates the workflow
func NewIngestWorkflow(deps Deps, opts Options) *IngestWorkflow {
	opts.WithDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestWorkflow{
		store:     deps.Store,
		objects:   deps.Objects,
		converter: deps.Converter,
		resolver:  deps.Resolver,
		staging:   deps.Staging,
		metrics:   deps.Metrics,
		logger:    logger,
		opts:      opts,
	}
}

// Name returns the workflow name
func (w *IngestWorkflow) Name() string {
	return "IngestWorkflow"
}

// Resolver returns the identifier resolver
func (w *IngestWorkflow) Resolver() *resolver.Resolver {
	return w.resolver
}

func (w *IngestWorkflow) now() time.Time {
	return records.Normalize(w.opts.Now())
}

// Admit resolves the request, consults the dedup guard under the source-key
// lock and persists the outcome. It never runs the pipeline.
func (w *IngestWorkflow) Admit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	const op = "submit"

	res, err := w.resolver.Resolve(ctx, req.Identifier, req.Kind)
	if err != nil {
		return nil, err
	}
	key := res.SourceKey

	if req.ProcessID != "" {
		if err := records.ValidateID(req.ProcessID); err != nil {
			return nil, err
		}
		existing, err := w.store.Get(ctx, req.ProcessID)
		switch {
		case err == nil:
			if existing.SourceKey != key {
				return nil, pipeline.Errorf(pipeline.KindValidation, op,
					"process id %s already tracks %s, not %s", req.ProcessID, existing.SourceKey, key)
			}
			return w.Reset(ctx, req.ProcessID, req.Force)
		case !errors.Is(err, statusstore.ErrNotFound):
			return nil, pipeline.E(pipeline.KindServiceUnavailable, op, err)
		}
	}

	reported, err := w.reportedModifiedAt(ctx, key, req.ReportedModifiedAt)
	if err != nil {
		return nil, err
	}

	seen, err := w.store.RecordSubmission(ctx, key, w.now())
	if err != nil {
		w.logger.Warn("failed to record submission", "source_key", key, "error", err)
	}

	id := req.ProcessID
	if id == "" {
		if id, err = records.NewID(); err != nil {
			return nil, err
		}
	}

	sub := &Submission{SourceKey: key, SeenCount: seen}
	err = w.store.WithSourceKeyLock(ctx, key, func(tx statusstore.Tx) error {
		latest, err := tx.LatestBySourceKey(ctx, key)
		if err != nil {
			return err
		}
		inFlight, err := tx.InFlightBySourceKey(ctx, key)
		if err != nil {
			return err
		}

		adm := dedupe.Admit(dedupe.Input{
			SourceKey:          key,
			ReportedModifiedAt: reported,
			Latest:             latest,
			InFlight:           inFlight,
			Force:              req.Force,
		})
		sub.Decision = adm.Decision
		sub.Message = adm.Reason

		now := w.now()
		switch adm.Decision {
		case pipeline.DecisionSkip:
			sub.RecordID = latest.ID
			sub.State = latest.State
			return nil

		case pipeline.DecisionDuplicate:
			sub.WinnerID = adm.WinnerID
			if req.ProcessID == "" {
				// nothing to track for an anonymous loser
				sub.State = inFlight.State
				return nil
			}
			rec := records.New(id, key, w.opts.SchemaVersion, reported, now)
			if err := rec.MarkDuplicate(adm.WinnerID, now); err != nil {
				return err
			}
			sub.RecordID = rec.ID
			sub.State = rec.State
			return tx.Create(ctx, rec)

		default:
			rec := records.New(id, key, w.opts.SchemaVersion, reported, now)
			sub.RecordID = rec.ID
			sub.State = rec.State
			sub.dispatch = true
			return tx.Create(ctx, rec)
		}
	})
	if err != nil {
		if errors.Is(err, statusstore.ErrConflict) {
			return nil, pipeline.E(pipeline.KindDuplicateInFlight, op, err)
		}
		return nil, pipeline.E(pipeline.KindServiceUnavailable, op, err)
	}

	w.metrics.Submission(string(sub.Decision))
	w.logger.Info("submission admitted",
		"source_key", key, "record_id", sub.RecordID, "decision", sub.Decision,
		"seen_count", seen, "reason", sub.Message)

	if sub.Decision == pipeline.DecisionDuplicate {
		return sub, pipeline.Errorf(pipeline.KindDuplicateInFlight, op,
			"%s is already being processed by record %s", key, sub.WinnerID)
	}
	return sub, nil
}

// Reset re-admits an existing terminal record for another run. An
// unchanged completed object is skipped unless force is set.
func (w *IngestWorkflow) Reset(ctx context.Context, id string, force bool) (*Submission, error) {
	const op = "reprocess"

	if err := records.ValidateID(id); err != nil {
		return nil, err
	}
	rec, err := w.store.Get(ctx, id)
	if errors.Is(err, statusstore.ErrNotFound) {
		return nil, pipeline.Errorf(pipeline.KindNotFound, op, "no record with id %s", id)
	}
	if err != nil {
		return nil, pipeline.E(pipeline.KindServiceUnavailable, op, err)
	}
	if !rec.State.Terminal() {
		return nil, pipeline.Errorf(pipeline.KindDuplicateInFlight, op, "record %s is still %s", id, rec.State)
	}

	reported, err := w.reportedModifiedAt(ctx, rec.SourceKey, nil)
	if err != nil {
		return nil, err
	}

	seen, err := w.store.RecordSubmission(ctx, rec.SourceKey, w.now())
	if err != nil {
		w.logger.Warn("failed to record submission", "source_key", rec.SourceKey, "error", err)
	}

	sub := &Submission{RecordID: id, SourceKey: rec.SourceKey, SeenCount: seen}
	var rejection error
	err = w.store.WithSourceKeyLock(ctx, rec.SourceKey, func(tx statusstore.Tx) error {
		cur, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !cur.State.Terminal() {
			rejection = pipeline.Errorf(pipeline.KindDuplicateInFlight, op, "record %s is still %s", id, cur.State)
			return nil
		}
		inFlight, err := tx.InFlightBySourceKey(ctx, cur.SourceKey)
		if err != nil {
			return err
		}
		latest, err := tx.LatestBySourceKey(ctx, cur.SourceKey)
		if err != nil {
			return err
		}

		adm := dedupe.Admit(dedupe.Input{
			SourceKey:          cur.SourceKey,
			ReportedModifiedAt: reported,
			Latest:             latest,
			InFlight:           inFlight,
			Force:              force,
		})
		sub.Decision = adm.Decision
		sub.Message = adm.Reason

		switch adm.Decision {
		case pipeline.DecisionDuplicate:
			sub.WinnerID = adm.WinnerID
			sub.State = cur.State
			rejection = pipeline.Errorf(pipeline.KindDuplicateInFlight, op,
				"%s is already being processed by record %s", cur.SourceKey, adm.WinnerID)
			return nil
		case pipeline.DecisionSkip:
			sub.State = cur.State
			sub.WinnerID = adm.WinnerID
			return nil
		}

		if err := cur.Reset(reported, w.now()); err != nil {
			return err
		}
		sub.State = cur.State
		sub.dispatch = true
		return tx.Save(ctx, cur)
	})
	if err != nil {
		if errors.Is(err, statusstore.ErrConflict) {
			return nil, pipeline.E(pipeline.KindDuplicateInFlight, op, err)
		}
		return nil, pipeline.E(pipeline.KindServiceUnavailable, op, err)
	}

	w.metrics.Submission(string(sub.Decision))
	w.logger.Info("reprocess admitted",
		"source_key", sub.SourceKey, "record_id", id, "decision", sub.Decision, "reason", sub.Message)

	if rejection != nil {
		return sub, rejection
	}
	return sub, nil
}

// reportedModifiedAt returns the storage modification time of key, using
// the caller's value when one was supplied.
func (w *IngestWorkflow) reportedModifiedAt(ctx context.Context, key string, known *time.Time) (time.Time, error) {
	if known != nil {
		return records.Normalize(*known), nil
	}

	hctx, cancel := context.WithTimeout(ctx, w.opts.StorageTimeout)
	defer cancel()

	info, err := w.objects.Head(hctx, key)
	if err != nil {
		return time.Time{}, storageError("head", key, err)
	}
	return records.Normalize(info.LastModified), nil
}

// storageError maps a storage failure to the synchronous error taxonomy
func storageError(op, key string, err error) error {
	switch storage.KindOf(err) {
	case storage.NotFound:
		return pipeline.Errorf(pipeline.KindNotFound, op, "source object %s not found: %v", key, err)
	case storage.PermissionDenied:
		return pipeline.Errorf(pipeline.KindPermissionDenied, op, "access to %s denied: %v", key, err)
	default:
		return pipeline.E(pipeline.KindServiceUnavailable, op, err)
	}
}

// Run executes the pipeline for a queued record under runID. Stage
// failures are recorded on the record and do not produce an error; an
// error means the record could not be started or its state could not be
// persisted.
//
// A record already in flight under the same runID belongs to an earlier
// execution of this run that was interrupted; it is failed so the source
// key can be re-triggered.
func (w *IngestWorkflow) Run(ctx context.Context, id, runID string) (records.Record, error) {
	rec, err := w.advance(ctx, id, records.StateDownloading, func(r *records.Record) {
		r.RunID = runID
	})
	if err != nil {
		if pipeline.KindOf(err) == pipeline.KindInvalidState {
			return w.resumeInterrupted(ctx, id, runID, err)
		}
		return rec, err
	}

	done := w.metrics.RunStarted()
	defer done()

	logger := w.logger.With("record_id", id, "source_key", rec.SourceKey)
	logger.Info("Starting ingest workflow")

	// Step 1: Download source object
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, w.opts.StorageTimeout)
	data, info, err := w.objects.Get(dctx, rec.SourceKey)
	cancel()
	if err != nil {
		logger.Error("Download failed", "error", err)
		return w.fail(ctx, rec, StageDownload, stageError(pipeline.KindDownloadFailed, err))
	}
	w.metrics.ObserveStage(StageDownload, start)

	if w.staging != nil {
		if err := w.staging.StageDownload(ctx, rec.SourceKey, data); err != nil {
			logger.Warn("Failed to stage download", "error", err)
		}
		defer w.releaseStaged(rec.SourceKey, logger)
	}

	rec, err = w.advance(ctx, id, records.StateDownloaded, func(r *records.Record) {
		r.SourceModifiedAt = records.Normalize(info.LastModified)
	})
	if err != nil {
		return rec, err
	}
	logger.Info("Source object downloaded", "size_bytes", len(data), "last_modified", rec.SourceModifiedAt)

	// Step 2: Convert
	if rec, err = w.advance(ctx, id, records.StateProcessing, nil); err != nil {
		return rec, err
	}
	start = time.Now()
	markdown, err := w.converter.Convert(ctx, path.Base(rec.SourceKey), data)
	if err != nil {
		logger.Error("Conversion failed", "error", err)
		return w.fail(ctx, rec, StageConversion, pipeline.E(pipeline.KindConversionFailed, "", err))
	}
	w.metrics.ObserveStage(StageConversion, start)

	// Step 3: Upload
	if rec, err = w.advance(ctx, id, records.StateUploading, nil); err != nil {
		return rec, err
	}
	outputName := records.OutputName(id)
	destKey := w.opts.DestinationPrefix + outputName

	start = time.Now()
	uctx, cancel := context.WithTimeout(ctx, w.opts.StorageTimeout)
	err = w.objects.Put(uctx, destKey, []byte(markdown), "text/markdown")
	cancel()
	if err != nil {
		logger.Error("Upload failed", "key", destKey, "error", err)
		return w.fail(ctx, rec, StageUpload, stageError(pipeline.KindUploadFailed, err))
	}
	w.metrics.ObserveStage(StageUpload, start)

	if w.staging != nil {
		if err := w.staging.SaveProcessed(ctx, outputName, markdown); err != nil {
			logger.Warn("Failed to keep local processed copy", "error", err)
		}
	}

	rec, err = w.advance(ctx, id, records.StateCompleted, func(r *records.Record) {
		r.OutputKey = outputName
	})
	if err != nil {
		return rec, err
	}

	logger.Info("Ingest workflow completed", "output_key", rec.OutputKey, "destination", destKey)
	return rec, nil
}

func (w *IngestWorkflow) resumeInterrupted(ctx context.Context, id, runID string, cause error) (records.Record, error) {
	rec, err := w.store.Get(ctx, id)
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrNotQueued, cause)
	}
	if runID == "" || rec.RunID != runID || rec.State.Terminal() || rec.State == records.StateQueued {
		return rec, fmt.Errorf("%w: %v", ErrNotQueued, cause)
	}

	w.logger.Warn("Run restarted on an interrupted record", "record_id", id, "run_id", runID, "state", rec.State)
	return w.fail(ctx, rec, StageInterrupted, fmt.Errorf("%s: run %s restarted while %s",
		detailInterrupted, runID, rec.State))
}

// advance persists one transition in its own store transaction
func (w *IngestWorkflow) advance(ctx context.Context, id string, to records.State, mutate func(*records.Record)) (records.Record, error) {
	rec, err := w.store.Update(ctx, id, func(r *records.Record) error {
		if err := r.Transition(to, w.now()); err != nil {
			return err
		}
		if mutate != nil {
			mutate(r)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, statusstore.ErrNotFound) {
			return rec, pipeline.Errorf(pipeline.KindNotFound, "run", "no record with id %s", id)
		}
		return rec, err
	}
	w.metrics.Transition(string(to))
	return rec, nil
}

// stageError tags a storage failure with the stage kind and the storage
// error class, e.g. "upload_failed: permission_denied: ...".
func stageError(kind pipeline.ErrorKind, err error) error {
	return pipeline.E(kind, "", fmt.Errorf("%s: %w", storage.KindOf(err), err))
}

// fail records a stage failure with cause as the error detail. The write
// survives cancellation of ctx.
func (w *IngestWorkflow) fail(ctx context.Context, rec records.Record, stage string, cause error) (records.Record, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	failed, err := w.store.Update(pctx, rec.ID, func(r *records.Record) error {
		return r.Fail(cause.Error(), w.now())
	})
	if err != nil {
		return rec, fmt.Errorf("failed to record %s failure for %s: %w", stage, rec.ID, err)
	}
	w.metrics.Failure(stage)
	w.metrics.Transition(string(records.StateFailed))
	return failed, nil
}

func (w *IngestWorkflow) releaseStaged(sourceKey string, logger *slog.Logger) {
	if err := w.staging.ReleaseDownload(context.Background(), sourceKey); err != nil {
		logger.Warn("Failed to release staged download", "error", err)
	}
}

// QueuedRecords returns records admitted but not yet started
func (w *IngestWorkflow) QueuedRecords(ctx context.Context) ([]records.Record, error) {
	return w.store.List(ctx, statusstore.Filter{States: []records.State{records.StateQueued}})
}

// FailStale marks records stuck in an in-flight stage for longer than
// staleAfter as failed so they can be re-triggered.
func (w *IngestWorkflow) FailStale(ctx context.Context, staleAfter time.Duration) ([]records.Record, error) {
	stuck, err := w.store.List(ctx, statusstore.Filter{States: []records.State{
		records.StateDownloading, records.StateDownloaded, records.StateProcessing, records.StateUploading,
	}})
	if err != nil {
		return nil, err
	}

	cutoff := w.now().Add(-staleAfter)
	var failed []records.Record
	for _, rec := range stuck {
		if rec.StageStartedAt().After(cutoff) {
			continue
		}
		updated, err := w.store.Update(ctx, rec.ID, func(r *records.Record) error {
			if r.State != rec.State || r.StageStartedAt().After(cutoff) {
				return errMovedOn
			}
			return r.Fail(fmt.Sprintf("%s: run stopped while %s since %s",
				detailInterrupted, r.State, r.StageStartedAt().Format(time.RFC3339)), w.now())
		})
		if errors.Is(err, errMovedOn) {
			continue
		}
		if err != nil {
			return failed, err
		}
		w.metrics.Failure(StageInterrupted)
		w.logger.Warn("Marked interrupted record failed", "record_id", rec.ID, "state", rec.State)
		failed = append(failed, updated)
	}
	return failed, nil
}
