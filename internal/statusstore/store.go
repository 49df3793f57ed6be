// Package statusstore persists processing records and the submission ledger.
package statusstore

import (
	"context"
	"errors"
	"time"

	"github.com/tendant/simple-ingest-pipeline/internal/records"
)

var (
	// ErrNotFound is returned when no record has the requested id
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write would leave two in-flight
	// records for one source key, or reuse an existing id
	ErrConflict = errors.New("record conflict")
)

// Filter selects records for List. Zero fields do not filter.
type Filter struct {
	Since     time.Time
	States    []records.State
	SourceKey string
	Limit     int
}

// Tx is the view of the store inside a source-key lock. Writes become
// visible to other callers when the lock function returns nil.
type Tx interface {
	Get(ctx context.Context, id string) (records.Record, error)
	LatestBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error)
	InFlightBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error)
	Create(ctx context.Context, rec records.Record) error
	Save(ctx context.Context, rec records.Record) error
}

// Store is the durable record store
type Store interface {
	// Create inserts a new record
	Create(ctx context.Context, rec records.Record) error

	// Get returns the record with id or ErrNotFound
	Get(ctx context.Context, id string) (records.Record, error)

	// LatestBySourceKey returns the newest non-duplicate record for a source
	// key, or nil when there is none
	LatestBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error)

	// InFlightBySourceKey returns the non-terminal record for a source key,
	// or nil when there is none
	InFlightBySourceKey(ctx context.Context, sourceKey string) (*records.Record, error)

	// List returns records matching f, newest first
	List(ctx context.Context, f Filter) ([]records.Record, error)

	// Update loads the record, applies fn and persists the result atomically
	Update(ctx context.Context, id string, fn func(*records.Record) error) (records.Record, error)

	// WithSourceKeyLock runs fn while holding the admission lock for sourceKey
	WithSourceKeyLock(ctx context.Context, sourceKey string, fn func(Tx) error) error

	// RecordSubmission counts a submission for sourceKey and returns the
	// number of times it has been seen
	RecordSubmission(ctx context.Context, sourceKey string, at time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

func matches(rec records.Record, f Filter) bool {
	if f.SourceKey != "" && rec.SourceKey != f.SourceKey {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(records.Normalize(f.Since)) {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if rec.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
