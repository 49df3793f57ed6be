package workflows

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ingest-pipeline/internal/converter"
	"github.com/tendant/simple-ingest-pipeline/internal/records"
	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/internal/statusstore"
	"github.com/tendant/simple-ingest-pipeline/internal/storage"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

var (
	t1 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

type fakeConverter struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{}
}

func (f *fakeConverter) Convert(ctx context.Context, filename string, content []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	err, release := f.err, f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return "# " + filename + "\n\n" + string(content), nil
}

func (f *fakeConverter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConverter) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// failingPuts rejects every upload
type failingPuts struct {
	storage.ObjectStore
}

func (failingPuts) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return &storage.Error{Kind: storage.PermissionDenied, Op: "put", Key: key, Err: errors.New("access denied")}
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	bucket  *storage.FilesystemStorage
	staging string
	store   *statusstore.MemoryStore
	conv    *fakeConverter
	runner  *WorkflowRunner
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	bucket, err := storage.NewFilesystemStorage(t.TempDir())
	require.NoError(t, err)
	stagingDir := t.TempDir()
	staging, err := storage.NewStaging(stagingDir)
	require.NoError(t, err)

	store := statusstore.NewMemoryStore()
	conv := &fakeConverter{}
	deps := Deps{
		Store:     store,
		Objects:   bucket,
		Converter: conv,
		Resolver:  resolver.New("downloads/", store),
		Staging:   staging,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	wf := NewIngestWorkflow(deps, Options{DestinationPrefix: "processed/", StorageTimeout: 5 * time.Second})
	runner := NewWorkflowRunner(wf, nil, 4, deps.Logger)
	t.Cleanup(runner.Close)

	return &harness{t: t, ctx: context.Background(), bucket: bucket, staging: stagingDir, store: store, conv: conv, runner: runner}
}

func (h *harness) putObject(key, content string, modified time.Time) {
	h.t.Helper()
	require.NoError(h.t, h.bucket.Put(h.ctx, key, []byte(content), ""))
	path := filepath.Join(h.bucket.BaseDir(), filepath.FromSlash(key))
	require.NoError(h.t, os.Chtimes(path, modified, modified))
}

func (h *harness) submit(identifier string) (*Submission, error) {
	return h.runner.Submit(h.ctx, SubmitRequest{Identifier: identifier})
}

func (h *harness) record(id string) records.Record {
	h.t.Helper()
	rec, err := h.store.Get(h.ctx, id)
	require.NoError(h.t, err)
	return rec
}

func TestScenario_FirstRunThenSkip(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf-bytes", t1)

	sub, err := h.submit("a.pdf")
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionProceed, sub.Decision)
	assert.Equal(t, records.StateQueued, sub.State)
	assert.Equal(t, "downloads/a.pdf", sub.SourceKey)
	assert.Equal(t, 1, sub.SeenCount)
	h.runner.Wait()

	rec := h.record(sub.RecordID)
	assert.Equal(t, records.StateCompleted, rec.State)
	assert.Equal(t, sub.RecordID+".md", rec.OutputKey)
	assert.True(t, rec.SourceModifiedAt.Equal(t1))
	assert.Empty(t, rec.ErrorDetail)
	require.NotNil(t, rec.DownloadStartedAt)
	require.NotNil(t, rec.DownloadCompletedAt)
	require.NotNil(t, rec.ProcessingStartedAt)
	require.NotNil(t, rec.ProcessingCompletedAt)
	assert.False(t, rec.ProcessingCompletedAt.Before(*rec.DownloadStartedAt))

	out, _, err := h.bucket.Get(h.ctx, "processed/"+rec.OutputKey)
	require.NoError(t, err)
	assert.Equal(t, "# a.pdf\n\npdf-bytes", string(out))

	local, err := os.ReadFile(filepath.Join(h.staging, "processed", rec.OutputKey))
	require.NoError(t, err)
	assert.Equal(t, string(out), string(local))

	// unchanged object: skip, no conversion, no state change
	again, err := h.submit("downloads/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionSkip, again.Decision)
	assert.Equal(t, sub.RecordID, again.RecordID)
	assert.Equal(t, 2, again.SeenCount)
	h.runner.Wait()

	assert.Equal(t, 1, h.conv.Calls())
	assert.Equal(t, rec.UpdatedAt, h.record(sub.RecordID).UpdatedAt)

	all, err := h.store.List(h.ctx, statusstore.Filter{SourceKey: "downloads/a.pdf"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStaleObjectIsReprocessed(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "v1", t1)

	first, err := h.submit("a.pdf")
	require.NoError(t, err)
	h.runner.Wait()
	require.Equal(t, records.StateCompleted, h.record(first.RecordID).State)

	h.putObject("downloads/a.pdf", "v2", t2)
	second, err := h.submit("a.pdf")
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionProceed, second.Decision)
	assert.NotEqual(t, first.RecordID, second.RecordID)
	h.runner.Wait()

	rec := h.record(second.RecordID)
	assert.Equal(t, records.StateCompleted, rec.State)
	assert.True(t, rec.SourceModifiedAt.Equal(t2))
	assert.Equal(t, 2, h.conv.Calls())

	// history is kept
	assert.Equal(t, records.StateCompleted, h.record(first.RecordID).State)
}

func TestConcurrentSubmissionsWithDifferentIDs(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)
	h.conv.release = make(chan struct{})

	idA, err := records.NewID()
	require.NoError(t, err)
	idB, err := records.NewID()
	require.NoError(t, err)

	type result struct {
		sub *Submission
		err error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i, id := range []string{idA, idB} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sub, err := h.runner.Submit(h.ctx, SubmitRequest{Identifier: "a.pdf", ProcessID: id})
			results[i] = result{sub, err}
		}(i, id)
	}
	wg.Wait()
	close(h.conv.release)
	h.runner.Wait()

	var winner, loser string
	for _, r := range results {
		require.NotNil(t, r.sub)
		if r.err == nil {
			winner = r.sub.RecordID
			continue
		}
		assert.True(t, errors.Is(r.err, pipeline.ErrDuplicateInFlight))
		loser = r.sub.RecordID
	}
	require.NotEmpty(t, winner)
	require.NotEmpty(t, loser)

	assert.Equal(t, records.StateCompleted, h.record(winner).State)
	dup := h.record(loser)
	assert.Equal(t, records.StateDuplicate, dup.State)
	assert.Contains(t, dup.ErrorDetail, winner)
	assert.Equal(t, 1, h.conv.Calls())
}

func TestAnonymousDuplicateIsRejectedWithoutRecord(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)
	h.conv.release = make(chan struct{})

	first, err := h.submit("a.pdf")
	require.NoError(t, err)

	second, err := h.submit("a.pdf")
	require.Error(t, err)
	assert.Equal(t, pipeline.KindDuplicateInFlight, pipeline.KindOf(err))
	assert.Equal(t, first.RecordID, second.WinnerID)
	assert.Empty(t, second.RecordID)

	close(h.conv.release)
	h.runner.Wait()

	all, err := h.store.List(h.ctx, statusstore.Filter{SourceKey: "downloads/a.pdf"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConversionFailure(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)
	h.conv.SetErr(pipeline.Errorf(pipeline.KindConversionFailed, "convert", "converter returned status 500"))

	sub, err := h.submit("a.pdf")
	require.NoError(t, err, "stage failures are not reported to the submitter")
	h.runner.Wait()

	rec := h.record(sub.RecordID)
	assert.Equal(t, records.StateFailed, rec.State)
	assert.Empty(t, rec.OutputKey)
	assert.True(t, strings.HasPrefix(rec.ErrorDetail, string(pipeline.KindConversionFailed)), rec.ErrorDetail)
	assert.Contains(t, rec.ErrorDetail, "500")

	_, err = h.bucket.Head(h.ctx, "processed/"+records.OutputName(sub.RecordID))
	assert.True(t, storage.IsNotFound(err))
}

func TestConversionTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newHarness(t, func(d *Deps) {
		d.Converter = converter.NewHTTPConverter(converter.Config{URL: srv.URL, Timeout: 50 * time.Millisecond})
	})
	h.putObject("downloads/slow.pdf", "pdf", t1)

	sub, err := h.submit("slow.pdf")
	require.NoError(t, err)
	h.runner.Wait()

	rec := h.record(sub.RecordID)
	assert.Equal(t, records.StateFailed, rec.State)
	assert.True(t, strings.HasPrefix(rec.ErrorDetail, "conversion_failed"), rec.ErrorDetail)
	assert.Contains(t, rec.ErrorDetail, "timeout")
}

func TestUploadFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Objects = failingPuts{d.Objects}
	})
	h.putObject("downloads/a.pdf", "pdf", t1)

	sub, err := h.submit("a.pdf")
	require.NoError(t, err)
	h.runner.Wait()

	rec := h.record(sub.RecordID)
	assert.Equal(t, records.StateFailed, rec.State)
	assert.Empty(t, rec.OutputKey)
	assert.True(t, strings.HasPrefix(rec.ErrorDetail, string(pipeline.KindUploadFailed)+": permission_denied"), rec.ErrorDetail)
	assert.NotContains(t, rec.ErrorDetail, "conversion_failed")
	assert.Equal(t, 1, h.conv.Calls())
}

func TestDownloadFailure(t *testing.T) {
	h := newHarness(t)

	// listing-supplied time skips HEAD, so the run is the first to notice
	modified := t1
	sub, err := h.runner.Submit(h.ctx, SubmitRequest{Identifier: "gone.pdf", ReportedModifiedAt: &modified})
	require.NoError(t, err)
	h.runner.Wait()

	rec := h.record(sub.RecordID)
	assert.Equal(t, records.StateFailed, rec.State)
	assert.True(t, strings.HasPrefix(rec.ErrorDetail, string(pipeline.KindDownloadFailed)+": not_found"), rec.ErrorDetail)
	assert.Equal(t, 0, h.conv.Calls())
}

func TestSubmitRejections(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)

	_, err := h.submit("missing.pdf")
	assert.True(t, errors.Is(err, pipeline.ErrNotFound))

	_, err = h.submit("../../etc/passwd.txt")
	assert.True(t, errors.Is(err, pipeline.ErrValidation))

	_, err = h.runner.Submit(h.ctx, SubmitRequest{Identifier: "a.pdf", ProcessID: "not-a-uuid"})
	assert.True(t, errors.Is(err, pipeline.ErrValidation))

	unknown, err := records.NewID()
	require.NoError(t, err)
	_, err = h.submit(unknown)
	assert.True(t, errors.Is(err, pipeline.ErrNotFound))

	all, err := h.store.List(h.ctx, statusstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all, "rejected submissions never create records")
}

func TestSubmitByRecordID(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)

	first, err := h.submit("a.pdf")
	require.NoError(t, err)
	h.runner.Wait()

	again, err := h.submit(first.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "downloads/a.pdf", again.SourceKey)
	assert.Equal(t, pipeline.DecisionSkip, again.Decision)
}

func TestProcessIDBoundToOtherObject(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "a", t1)
	h.putObject("downloads/b.pdf", "b", t1)

	first, err := h.submit("a.pdf")
	require.NoError(t, err)
	h.runner.Wait()

	_, err = h.runner.Submit(h.ctx, SubmitRequest{Identifier: "b.pdf", ProcessID: first.RecordID})
	assert.True(t, errors.Is(err, pipeline.ErrValidation))
}

func TestReprocessResetsFailedRecord(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)
	h.conv.SetErr(pipeline.Errorf(pipeline.KindConversionFailed, "convert", "boom"))

	sub, err := h.submit("a.pdf")
	require.NoError(t, err)
	h.runner.Wait()
	require.Equal(t, records.StateFailed, h.record(sub.RecordID).State)

	h.conv.SetErr(nil)
	h.conv.release = make(chan struct{})
	again, err := h.runner.Reprocess(h.ctx, sub.RecordID, false)
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionProceed, again.Decision)
	assert.Equal(t, sub.RecordID, again.RecordID)

	// while the run is blocked the record is back in flight with a clean slate
	mid := h.record(sub.RecordID)
	assert.NotEqual(t, records.StateFailed, mid.State)
	assert.Empty(t, mid.ErrorDetail)

	_, err = h.runner.Reprocess(h.ctx, sub.RecordID, false)
	assert.True(t, errors.Is(err, pipeline.ErrDuplicateInFlight), "in-flight records cannot be re-triggered")

	close(h.conv.release)
	h.runner.Wait()

	rec := h.record(sub.RecordID)
	assert.Equal(t, records.StateCompleted, rec.State)
	assert.Empty(t, rec.ErrorDetail)
	assert.Equal(t, sub.RecordID+".md", rec.OutputKey)

	all, err := h.store.List(h.ctx, statusstore.Filter{SourceKey: "downloads/a.pdf"})
	require.NoError(t, err)
	assert.Len(t, all, 1, "reprocessing never creates a second record")
}

func TestReprocessViaSubmitWithExistingProcessID(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)
	h.conv.SetErr(pipeline.Errorf(pipeline.KindConversionFailed, "convert", "boom"))

	sub, err := h.submit("a.pdf")
	require.NoError(t, err)
	h.runner.Wait()

	h.conv.SetErr(nil)
	again, err := h.runner.Submit(h.ctx, SubmitRequest{Identifier: "a.pdf", ProcessID: sub.RecordID})
	require.NoError(t, err)
	assert.Equal(t, sub.RecordID, again.RecordID)
	h.runner.Wait()
	assert.Equal(t, records.StateCompleted, h.record(sub.RecordID).State)
}

func TestReprocessCompleted(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)

	sub, err := h.submit("a.pdf")
	require.NoError(t, err)
	h.runner.Wait()

	skip, err := h.runner.Reprocess(h.ctx, sub.RecordID, false)
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionSkip, skip.Decision)
	h.runner.Wait()
	assert.Equal(t, 1, h.conv.Calls())

	forced, err := h.runner.Reprocess(h.ctx, sub.RecordID, true)
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionProceed, forced.Decision)
	h.runner.Wait()
	assert.Equal(t, 2, h.conv.Calls())
	assert.Equal(t, records.StateCompleted, h.record(sub.RecordID).State)

	_, err = h.runner.Reprocess(h.ctx, "not-a-uuid", false)
	assert.True(t, errors.Is(err, pipeline.ErrValidation))
	unknown, _ := records.NewID()
	_, err = h.runner.Reprocess(h.ctx, unknown, false)
	assert.True(t, errors.Is(err, pipeline.ErrNotFound))
}

func TestRunOnlyStartsQueuedRecords(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)

	sub, err := h.submit("a.pdf")
	require.NoError(t, err)
	h.runner.Wait()

	_, err = h.runner.Workflow().Run(h.ctx, sub.RecordID, "another-run")
	assert.True(t, errors.Is(err, ErrNotQueued))
	assert.Equal(t, 1, h.conv.Calls())
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/q.pdf", "queued", t1)

	old := time.Now().Add(-time.Hour)
	stuckID, err := records.NewID()
	require.NoError(t, err)
	stuck := records.New(stuckID, "downloads/stuck.pdf", "1.0", t1, old)
	require.NoError(t, stuck.Transition(records.StateDownloading, old))
	require.NoError(t, stuck.Transition(records.StateDownloaded, old))
	require.NoError(t, stuck.Transition(records.StateProcessing, old))
	require.NoError(t, h.store.Create(h.ctx, stuck))

	queuedID, err := records.NewID()
	require.NoError(t, err)
	require.NoError(t, h.store.Create(h.ctx, records.New(queuedID, "downloads/q.pdf", "1.0", t1, time.Now())))

	failed, requeued, err := h.runner.Recover(h.ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, requeued)
	h.runner.Wait()

	rec := h.record(stuckID)
	assert.Equal(t, records.StateFailed, rec.State)
	assert.True(t, strings.HasPrefix(rec.ErrorDetail, "interrupted"), rec.ErrorDetail)
	assert.Equal(t, records.StateCompleted, h.record(queuedID).State)
}

// inFlight stores a record for key that a run under runID left in state
func (h *harness) inFlight(key, runID string, state records.State, started time.Time) records.Record {
	h.t.Helper()
	id, err := records.NewID()
	require.NoError(h.t, err)
	rec := records.New(id, key, "1.0", t1, started)
	for _, s := range []records.State{records.StateDownloading, records.StateDownloaded, records.StateProcessing, records.StateUploading} {
		require.NoError(h.t, rec.Transition(s, started))
		if s == state {
			break
		}
	}
	rec.RunID = runID
	require.NoError(h.t, h.store.Create(h.ctx, rec))
	return rec
}

func TestReplayedRunFailsInterruptedRecord(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)
	stuck := h.inFlight("downloads/a.pdf", "wf-1", records.StateDownloading, time.Now().Add(-2*time.Minute))

	failed, requeued, err := h.runner.Recover(h.ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, failed, "young records are left to their run")
	assert.Zero(t, requeued)

	_, err = h.runner.Workflow().Run(h.ctx, stuck.ID, "wf-2")
	assert.True(t, errors.Is(err, ErrNotQueued))
	assert.Equal(t, records.StateDownloading, h.record(stuck.ID).State)

	rec, err := h.runner.Workflow().Run(h.ctx, stuck.ID, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, records.StateFailed, rec.State)
	assert.True(t, strings.HasPrefix(rec.ErrorDetail, "interrupted: run wf-1"), rec.ErrorDetail)
	assert.Zero(t, h.conv.Calls())

	sub, err := h.runner.Reprocess(h.ctx, stuck.ID, false)
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionProceed, sub.Decision)
	h.runner.Wait()

	rec = h.record(stuck.ID)
	assert.Equal(t, records.StateCompleted, rec.State)
	assert.NotEqual(t, "wf-1", rec.RunID)
}

func TestRecoverExclusiveFailsYoungInFlightRecords(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)
	stuck := h.inFlight("downloads/a.pdf", "local-run", records.StateProcessing, time.Now().Add(-2*time.Minute))

	failed, _, err := h.runner.Recover(h.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	rec := h.record(stuck.ID)
	assert.Equal(t, records.StateFailed, rec.State)
	assert.True(t, strings.HasPrefix(rec.ErrorDetail, "interrupted"), rec.ErrorDetail)

	sub, err := h.submit("a.pdf")
	require.NoError(t, err)
	assert.Equal(t, pipeline.DecisionProceed, sub.Decision)
	h.runner.Wait()
	assert.Equal(t, records.StateCompleted, h.record(sub.RecordID).State)
}

func TestWatchStale(t *testing.T) {
	h := newHarness(t)
	stuck := h.inFlight("downloads/a.pdf", "wf-1", records.StateUploading, time.Now().Add(-time.Hour))
	fresh := h.inFlight("downloads/b.pdf", "wf-2", records.StateDownloading, time.Now())

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runner.WatchStale(ctx, 10*time.Millisecond, 15*time.Minute)
	}()

	require.Eventually(t, func() bool {
		return h.record(stuck.ID).State == records.StateFailed
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, records.StateDownloading, h.record(fresh.ID).State)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "a", t1)
	h.putObject("downloads/b.docx", "b", t1)
	h.putObject("downloads/nested/c.txt", "c", t1)
	h.putObject("processed/old.md", "ignored", t1)

	resp, err := h.runner.Sweep(h.ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Listed)
	assert.Equal(t, 3, resp.Proceeded)
	require.Len(t, resp.Items, 3)
	assert.Equal(t, "downloads/a.pdf", resp.Items[0].SourceKey)
	h.runner.Wait()

	resp, err = h.runner.Sweep(h.ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Skipped)
	assert.Zero(t, resp.Errors)
	assert.Equal(t, 3, h.conv.Calls())
}

func TestClosedRunnerRejectsDispatch(t *testing.T) {
	h := newHarness(t)
	h.putObject("downloads/a.pdf", "pdf", t1)
	h.runner.Close()

	sub, err := h.submit("a.pdf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunnerClosed))
	require.NotNil(t, sub)
	assert.Equal(t, records.StateQueued, h.record(sub.RecordID).State)
}
