// Package listing merges live storage listings with processing records.
package listing

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-ingest-pipeline/internal/records"
	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/internal/statusstore"
	"github.com/tendant/simple-ingest-pipeline/internal/storage"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// StatusDownloaded marks an object found only in the local staging area
const StatusDownloaded = string(records.StateDownloaded)

// View is the read-only reconciliation of storage and the status store
type View struct {
	store       statusstore.Store
	objects     storage.ObjectStore
	resolver    *resolver.Resolver
	staging     *storage.Staging
	listTimeout time.Duration
	logger      *slog.Logger
}

// Config wires a View
type Config struct {
	Store    statusstore.Store
	Objects  storage.ObjectStore
	Resolver *resolver.Resolver
	Staging  *storage.Staging // optional

	// ListTimeout bounds the storage listing used by StatusMap
	ListTimeout time.Duration
	Logger      *slog.Logger
}

// New creates a View
func New(cfg Config) *View {
	if cfg.ListTimeout == 0 {
		cfg.ListTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &View{
		store:       cfg.Store,
		objects:     cfg.Objects,
		resolver:    cfg.Resolver,
		staging:     cfg.Staging,
		listTimeout: cfg.ListTimeout,
		logger:      cfg.Logger,
	}
}

var sinceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseSince resolves a since filter to an instant. It accepts a record id
// (the record's creation time, or the time embedded in a UUIDv7 that has no
// record) or a timestamp; naive timestamps are read as UTC.
func (v *View) ParseSince(ctx context.Context, since string) (time.Time, error) {
	since = strings.TrimSpace(since)
	if since == "" {
		return time.Time{}, nil
	}

	if _, err := uuid.Parse(since); err == nil {
		rec, err := v.store.Get(ctx, since)
		if err == nil {
			return rec.CreatedAt, nil
		}
		if !errors.Is(err, statusstore.ErrNotFound) {
			return time.Time{}, pipeline.E(pipeline.KindServiceUnavailable, "parse since", err)
		}
		if ts, ok := records.IDTime(since); ok {
			return ts, nil
		}
		return time.Time{}, pipeline.Errorf(pipeline.KindValidation, "parse since",
			"id %s is unknown and carries no timestamp", since)
	}

	for _, layout := range sinceLayouts {
		if ts, err := time.Parse(layout, since); err == nil {
			return records.Normalize(ts), nil
		}
	}
	return time.Time{}, pipeline.Errorf(pipeline.KindValidation, "parse since",
		"%q is neither a record id nor a timestamp", since)
}

// ListSource lists objects under the source prefix annotated with the
// state of their most recent record.
func (v *View) ListSource(ctx context.Context, since string) ([]pipeline.FileView, error) {
	from, err := v.ParseSince(ctx, since)
	if err != nil {
		return nil, err
	}

	objects, err := v.objects.List(ctx, v.resolver.Prefix())
	if err != nil {
		return nil, mapStorageError("list source", err)
	}
	latest, err := v.latestByKey(ctx)
	if err != nil {
		return nil, err
	}
	staged := v.stagedKeys(ctx)

	files := make([]pipeline.FileView, 0, len(objects))
	listed := make(map[string]bool, len(objects))
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		listed[obj.Key] = true
		modified := records.Normalize(obj.LastModified)
		if !from.IsZero() && modified.Before(from) {
			continue
		}
		_, isStaged := staged[obj.Key]
		fv := v.fileView(obj.Key, latest[obj.Key], isStaged)
		fv.Size = obj.Size
		fv.LastModified = &modified
		files = append(files, fv)
	}

	// staged copies the listing does not show yet
	for key, info := range staged {
		if listed[key] || latest[key] != nil {
			continue
		}
		modified := records.Normalize(info.LastModified)
		if !from.IsZero() && modified.Before(from) {
			continue
		}
		fv := v.fileView(key, nil, true)
		fv.Size = info.Size
		fv.LastModified = &modified
		files = append(files, fv)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].SourceKey < files[j].SourceKey })
	return files, nil
}

// ListProcessed lists completed records created at or after since
func (v *View) ListProcessed(ctx context.Context, since string) ([]pipeline.FileView, error) {
	from, err := v.ParseSince(ctx, since)
	if err != nil {
		return nil, err
	}

	recs, err := v.store.List(ctx, statusstore.Filter{
		Since:  from,
		States: []records.State{records.StateCompleted},
	})
	if err != nil {
		return nil, pipeline.E(pipeline.KindServiceUnavailable, "list processed", err)
	}

	files := make([]pipeline.FileView, 0, len(recs))
	for _, rec := range recs {
		created := rec.CreatedAt
		files = append(files, pipeline.FileView{
			ID:           rec.ID,
			Filename:     rec.OutputKey,
			SourceKey:    rec.SourceKey,
			OutputKey:    rec.OutputKey,
			Status:       string(rec.State),
			LastModified: rec.ProcessingCompletedAt,
			CreatedAt:    &created,
		})
	}
	return files, nil
}

// StatusMap maps every known source key to its current status. When the
// storage listing fails or times out the store-only map is returned with
// Partial set.
func (v *View) StatusMap(ctx context.Context) (*pipeline.StatusMapResponse, error) {
	latest, err := v.latestByKey(ctx)
	if err != nil {
		return nil, err
	}

	resp := &pipeline.StatusMapResponse{Files: make(map[string]string, len(latest))}
	for key, rec := range latest {
		resp.Files[key] = string(rec.State)
	}
	for key := range v.stagedKeys(ctx) {
		if _, ok := resp.Files[key]; !ok {
			resp.Files[key] = StatusDownloaded
		}
	}

	lctx, cancel := context.WithTimeout(ctx, v.listTimeout)
	defer cancel()
	objects, err := v.objects.List(lctx, v.resolver.Prefix())
	if err != nil {
		v.logger.Warn("storage listing unavailable, returning store-only status map", "error", err)
		resp.Partial = true
		return resp, nil
	}
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		if _, ok := resp.Files[obj.Key]; !ok {
			resp.Files[obj.Key] = pipeline.StatusUnprocessed
		}
	}
	return resp, nil
}

// Status returns the authoritative record for an identifier: the named
// record for an id, the most recent record for a filename.
func (v *View) Status(ctx context.Context, identifier string, kind resolver.Kind) (*pipeline.RecordView, error) {
	res, err := v.resolver.Resolve(ctx, identifier, kind)
	if err != nil {
		return nil, err
	}

	if res.RecordID != "" {
		rec, err := v.store.Get(ctx, res.RecordID)
		if err != nil {
			return nil, pipeline.E(pipeline.KindServiceUnavailable, "status", err)
		}
		view := rec.View()
		return &view, nil
	}

	rec, err := v.store.LatestBySourceKey(ctx, res.SourceKey)
	if err != nil {
		return nil, pipeline.E(pipeline.KindServiceUnavailable, "status", err)
	}
	if rec == nil {
		// only duplicate records, if any
		recs, err := v.store.List(ctx, statusstore.Filter{SourceKey: res.SourceKey, Limit: 1})
		if err != nil {
			return nil, pipeline.E(pipeline.KindServiceUnavailable, "status", err)
		}
		if len(recs) == 0 {
			return nil, pipeline.Errorf(pipeline.KindNotFound, "status", "no record for %s", res.SourceKey)
		}
		rec = &recs[0]
	}
	view := rec.View()
	return &view, nil
}

// latestByKey returns the newest non-duplicate record per source key
func (v *View) latestByKey(ctx context.Context) (map[string]*records.Record, error) {
	recs, err := v.store.List(ctx, statusstore.Filter{})
	if err != nil {
		return nil, pipeline.E(pipeline.KindServiceUnavailable, "list records", err)
	}
	latest := make(map[string]*records.Record)
	for i := range recs {
		rec := &recs[i]
		if rec.State == records.StateDuplicate {
			continue
		}
		if _, seen := latest[rec.SourceKey]; !seen {
			latest[rec.SourceKey] = rec
		}
	}
	return latest, nil
}

// stagedKeys is best-effort: a broken staging area hides nothing else
func (v *View) stagedKeys(ctx context.Context) map[string]storage.ObjectInfo {
	staged := make(map[string]storage.ObjectInfo)
	if v.staging == nil {
		return staged
	}
	objects, err := v.staging.StagedDownloads(ctx)
	if err != nil {
		v.logger.Warn("failed to read staging area", "error", err)
		return staged
	}
	for _, obj := range objects {
		if strings.HasPrefix(obj.Key, v.resolver.Prefix()) {
			staged[obj.Key] = obj
		}
	}
	return staged
}

func (v *View) fileView(key string, rec *records.Record, staged bool) pipeline.FileView {
	fv := pipeline.FileView{
		Filename:  v.resolver.Filename(key),
		SourceKey: key,
		Status:    pipeline.StatusUnprocessed,
	}
	switch {
	case rec != nil:
		created := rec.CreatedAt
		fv.ID = rec.ID
		fv.Status = string(rec.State)
		fv.OutputKey = rec.OutputKey
		fv.CreatedAt = &created
		fv.ErrorDetail = rec.ErrorDetail
	case staged:
		fv.Status = StatusDownloaded
	}
	return fv
}

func mapStorageError(op string, err error) error {
	switch storage.KindOf(err) {
	case storage.NotFound:
		return pipeline.E(pipeline.KindNotFound, op, err)
	case storage.PermissionDenied:
		return pipeline.E(pipeline.KindPermissionDenied, op, err)
	default:
		return pipeline.E(pipeline.KindServiceUnavailable, op, err)
	}
}
