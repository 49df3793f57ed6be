package statusstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tendant/simple-ingest-pipeline/internal/records"
)

const recordsTable = "processing_records"

var recordColumns = []string{
	"id", "source_key", "output_key", "schema_version", "state",
	"source_modified_at", "created_at", "updated_at",
	"download_started_at", "download_completed_at",
	"processing_started_at", "processing_completed_at",
	"error_detail", "run_id",
}

var terminalStates = []string{
	string(records.StateCompleted), string(records.StateFailed), string(records.StateDuplicate),
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	qb     sq.StatementBuilderType
	logger *slog.Logger
}

// OpenPostgres connects to databaseURL and applies migrations
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("status store ready", "driver", "postgres")
	return NewPostgresStore(db, logger), nil
}

// NewPostgresStore wraps an already migrated database
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		qb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger,
	}
}

// DB returns the underlying connection pool
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, rec records.Record) error {
	return s.insert(ctx, s.db, rec)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (records.Record, error) {
	return s.get(ctx, s.db, id, false)
}

func (s *PostgresStore) LatestBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error) {
	return s.latest(ctx, s.db, sourceKey)
}

func (s *PostgresStore) InFlightBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error) {
	return s.inFlight(ctx, s.db, sourceKey)
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]records.Record, error) {
	query := s.qb.Select(recordColumns...).From(recordsTable).
		OrderBy("created_at DESC", "id DESC")

	if f.SourceKey != "" {
		query = query.Where(sq.Eq{"source_key": f.SourceKey})
	}
	if !f.Since.IsZero() {
		query = query.Where(sq.GtOrEq{"created_at": records.Normalize(f.Since)})
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		query = query.Where(sq.Eq{"state": states})
	}
	if f.Limit > 0 {
		query = query.Limit(uint64(f.Limit))
	}

	sqlQuery, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var out []records.Record
	if err := sqlx.SelectContext(ctx, s.db, &out, sqlQuery, args...); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for i := range out {
		normalizeRecord(&out[i])
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*records.Record) error) (records.Record, error) {
	var updated records.Record
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		rec, err := s.get(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		if err := s.save(ctx, tx, rec); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return records.Record{}, err
	}
	return updated, nil
}

// WithSourceKeyLock serializes admission per source key with a
// transaction-scoped advisory lock
func (s *PostgresStore) WithSourceKeyLock(ctx context.Context, sourceKey string, fn func(Tx) error) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", sourceKey); err != nil {
			return fmt.Errorf("acquire source key lock: %w", err)
		}
		return fn(&postgresTx{store: s, tx: tx})
	})
}

// RecordSubmission upserts the submission ledger and returns the seen count
func (s *PostgresStore) RecordSubmission(ctx context.Context, sourceKey string, at time.Time) (int, error) {
	query := `
		INSERT INTO process_dedupe (source_key, first_seen_at, last_seen_at, seen_count)
		VALUES ($1, $2, $2, 1)
		ON CONFLICT (source_key) DO UPDATE
		SET last_seen_at = EXCLUDED.last_seen_at,
		    seen_count = process_dedupe.seen_count + 1
		RETURNING seen_count
	`

	var seenCount int
	if err := s.db.QueryRowContext(ctx, query, sourceKey, records.Normalize(at)).Scan(&seenCount); err != nil {
		return 0, fmt.Errorf("failed to record submission: %w", err)
	}
	return seenCount, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapWriteError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, q queryer, id string, forUpdate bool) (records.Record, error) {
	query := s.qb.Select(recordColumns...).From(recordsTable).Where(sq.Eq{"id": id})
	if forUpdate {
		query = query.Suffix("FOR UPDATE")
	}
	sqlQuery, args, err := query.ToSql()
	if err != nil {
		return records.Record{}, fmt.Errorf("build query: %w", err)
	}

	var rec records.Record
	err = sqlx.GetContext(ctx, q, &rec, sqlQuery, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Record{}, ErrNotFound
	}
	if err != nil {
		return records.Record{}, fmt.Errorf("get record: %w", err)
	}
	normalizeRecord(&rec)
	return rec, nil
}

func (s *PostgresStore) latest(ctx context.Context, q queryer, sourceKey string) (*records.Record, error) {
	return s.first(ctx, q, s.qb.Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"source_key": sourceKey}).
		Where(sq.NotEq{"state": string(records.StateDuplicate)}).
		OrderBy("created_at DESC", "id DESC").
		Limit(1))
}

func (s *PostgresStore) inFlight(ctx context.Context, q queryer, sourceKey string) (*records.Record, error) {
	return s.first(ctx, q, s.qb.Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"source_key": sourceKey}).
		Where(sq.NotEq{"state": terminalStates}).
		OrderBy("created_at DESC", "id DESC").
		Limit(1))
}

func (s *PostgresStore) first(ctx context.Context, q queryer, query sq.SelectBuilder) (*records.Record, error) {
	sqlQuery, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rec records.Record
	err = sqlx.GetContext(ctx, q, &rec, sqlQuery, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	normalizeRecord(&rec)
	return &rec, nil
}

func (s *PostgresStore) insert(ctx context.Context, q queryer, rec records.Record) error {
	sqlQuery, args, err := s.qb.Insert(recordsTable).
		Columns(recordColumns...).
		Values(recordValues(rec)...).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := q.ExecContext(ctx, sqlQuery, args...); err != nil {
		return mapWriteError(fmt.Errorf("insert record: %w", err))
	}
	return nil
}

func (s *PostgresStore) save(ctx context.Context, q queryer, rec records.Record) error {
	values := recordValues(rec)
	update := s.qb.Update(recordsTable).Where(sq.Eq{"id": rec.ID})
	for i, col := range recordColumns {
		if col == "id" {
			continue
		}
		update = update.Set(col, values[i])
	}
	sqlQuery, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := q.ExecContext(ctx, sqlQuery, args...)
	if err != nil {
		return mapWriteError(fmt.Errorf("update record: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func recordValues(rec records.Record) []interface{} {
	return []interface{}{
		rec.ID, rec.SourceKey, rec.OutputKey, rec.SchemaVersion, string(rec.State),
		records.Normalize(rec.SourceModifiedAt), records.Normalize(rec.CreatedAt), records.Normalize(rec.UpdatedAt),
		normalizePtr(rec.DownloadStartedAt), normalizePtr(rec.DownloadCompletedAt),
		normalizePtr(rec.ProcessingStartedAt), normalizePtr(rec.ProcessingCompletedAt),
		rec.ErrorDetail, rec.RunID,
	}
}

func normalizePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return records.Normalize(*t)
}

// normalizeRecord pins values read from TIMESTAMP columns to UTC
func normalizeRecord(rec *records.Record) {
	rec.SourceModifiedAt = asUTC(rec.SourceModifiedAt)
	rec.CreatedAt = asUTC(rec.CreatedAt)
	rec.UpdatedAt = asUTC(rec.UpdatedAt)
	for _, p := range []**time.Time{
		&rec.DownloadStartedAt, &rec.DownloadCompletedAt,
		&rec.ProcessingStartedAt, &rec.ProcessingCompletedAt,
	} {
		if *p != nil {
			t := asUTC(**p)
			*p = &t
		}
	}
}

// asUTC reinterprets the wall clock as UTC; TIMESTAMP columns carry no zone
func asUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// mapWriteError turns unique violations into ErrConflict
func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	return err
}

// postgresTx implements Tx on an open transaction
type postgresTx struct {
	store *PostgresStore
	tx    *sqlx.Tx
}

func (t *postgresTx) Get(ctx context.Context, id string) (records.Record, error) {
	return t.store.get(ctx, t.tx, id, true)
}

func (t *postgresTx) LatestBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error) {
	return t.store.latest(ctx, t.tx, sourceKey)
}

func (t *postgresTx) InFlightBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error) {
	return t.store.inFlight(ctx, t.tx, sourceKey)
}

func (t *postgresTx) Create(ctx context.Context, rec records.Record) error {
	return t.store.insert(ctx, t.tx, rec)
}

func (t *postgresTx) Save(ctx context.Context, rec records.Record) error {
	return t.store.save(ctx, t.tx, rec)
}
