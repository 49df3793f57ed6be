// Package records defines the processing record and its lifecycle.
package records

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// State is the lifecycle state of one ingestion attempt
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateDownloaded  State = "downloaded"
	StateProcessing  State = "processing"
	StateUploading   State = "uploading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateDuplicate   State = "duplicate"
)

// TerminalStates are the states from which no automatic transition occurs.
var TerminalStates = []State{StateCompleted, StateFailed, StateDuplicate}

var transitions = map[State][]State{
	StateQueued:      {StateDownloading, StateDuplicate},
	StateDownloading: {StateDownloaded, StateFailed},
	StateDownloaded:  {StateProcessing, StateFailed},
	StateProcessing:  {StateUploading, StateFailed},
	StateUploading:   {StateCompleted, StateFailed},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateDownloading, StateDownloaded, StateProcessing,
		StateUploading, StateCompleted, StateFailed, StateDuplicate:
		return true
	}
	return false
}

// Terminal reports whether s is completed, failed or duplicate.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDuplicate
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record tracks one ingestion attempt for one source object.
// Records are handed around by value; mutation goes through the status store.
type Record struct {
	ID                    string     `db:"id"`
	SourceKey             string     `db:"source_key"`
	OutputKey             string     `db:"output_key"`
	SchemaVersion         string     `db:"schema_version"`
	State                 State      `db:"state"`
	SourceModifiedAt      time.Time  `db:"source_modified_at"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
	DownloadStartedAt     *time.Time `db:"download_started_at"`
	DownloadCompletedAt   *time.Time `db:"download_completed_at"`
	ProcessingStartedAt   *time.Time `db:"processing_started_at"`
	ProcessingCompletedAt *time.Time `db:"processing_completed_at"`
	ErrorDetail           string     `db:"error_detail"`

	// RunID identifies the run that started the current attempt
	RunID string `db:"run_id"`
}

// New creates a queued record for sourceKey.
func New(id, sourceKey, schemaVersion string, sourceModifiedAt, now time.Time) Record {
	now = Normalize(now)
	return Record{
		ID:               id,
		SourceKey:        sourceKey,
		SchemaVersion:    schemaVersion,
		State:            StateQueued,
		SourceModifiedAt: Normalize(sourceModifiedAt),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Transition moves the record to the next state and stamps the stage
// timestamp that belongs to it.
func (r *Record) Transition(to State, at time.Time) error {
	if !CanTransition(r.State, to) {
		return pipeline.Errorf(pipeline.KindInvalidState, "transition",
			"record %s cannot move from %s to %s", r.ID, r.State, to)
	}
	at = Normalize(at)
	switch to {
	case StateDownloading:
		r.DownloadStartedAt = &at
	case StateDownloaded:
		r.DownloadCompletedAt = &at
	case StateProcessing:
		r.ProcessingStartedAt = &at
	case StateCompleted:
		r.ProcessingCompletedAt = &at
	}
	r.State = to
	r.UpdatedAt = at
	return nil
}

// Fail moves an in-flight record to failed with detail.
func (r *Record) Fail(detail string, at time.Time) error {
	if err := r.Transition(StateFailed, at); err != nil {
		return err
	}
	r.ErrorDetail = detail
	return nil
}

// MarkDuplicate terminates a queued record that lost admission to winnerID.
func (r *Record) MarkDuplicate(winnerID string, at time.Time) error {
	if err := r.Transition(StateDuplicate, at); err != nil {
		return err
	}
	r.ErrorDetail = fmt.Sprintf("duplicate of in-flight record %s", winnerID)
	return nil
}

// Reset returns a terminal record to queued for an explicit re-trigger.
// Stage timestamps and the previous output are cleared.
func (r *Record) Reset(sourceModifiedAt, at time.Time) error {
	if !r.State.Terminal() {
		return pipeline.Errorf(pipeline.KindDuplicateInFlight, "reset",
			"record %s is still %s", r.ID, r.State)
	}
	r.State = StateQueued
	r.ErrorDetail = ""
	r.OutputKey = ""
	r.SourceModifiedAt = Normalize(sourceModifiedAt)
	r.DownloadStartedAt = nil
	r.DownloadCompletedAt = nil
	r.ProcessingStartedAt = nil
	r.ProcessingCompletedAt = nil
	r.RunID = ""
	r.UpdatedAt = Normalize(at)
	return nil
}

// StageStartedAt returns when the current in-flight stage began.
func (r Record) StageStartedAt() time.Time {
	switch r.State {
	case StateDownloading:
		if r.DownloadStartedAt != nil {
			return *r.DownloadStartedAt
		}
	case StateDownloaded:
		if r.DownloadCompletedAt != nil {
			return *r.DownloadCompletedAt
		}
	case StateProcessing, StateUploading:
		if r.ProcessingStartedAt != nil {
			return *r.ProcessingStartedAt
		}
	}
	return r.UpdatedAt
}

// View converts the record to its API shape.
func (r Record) View() pipeline.RecordView {
	return pipeline.RecordView{
		ID:                    r.ID,
		SourceKey:             r.SourceKey,
		OutputKey:             r.OutputKey,
		SchemaVersion:         r.SchemaVersion,
		State:                 string(r.State),
		SourceModifiedAt:      r.SourceModifiedAt,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
		DownloadStartedAt:     r.DownloadStartedAt,
		DownloadCompletedAt:   r.DownloadCompletedAt,
		ProcessingStartedAt:   r.ProcessingStartedAt,
		ProcessingCompletedAt: r.ProcessingCompletedAt,
		ErrorDetail:           r.ErrorDetail,
	}
}

// Normalize converts t to UTC at microsecond precision so that values read
// back from the store compare equal to the values written.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Microsecond)
}

// NewID returns a time-ordered record id (UUIDv7).
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate record id: %w", err)
	}
	return id.String(), nil
}

// ValidateID checks a caller-supplied record id.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return pipeline.Errorf(pipeline.KindValidation, "validate id", "invalid process id %q: %v", id, err)
	}
	return nil
}

// IDTime extracts the creation instant embedded in a UUIDv7 id.
func IDTime(id string) (time.Time, bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	ms := int64(binary.BigEndian.Uint64(u[:8]) >> 16)
	return time.UnixMilli(ms).UTC(), true
}

// OutputName is the artifact name derived from a record id.
func OutputName(id string) string {
	return id + pipeline.DerivedExtension
}
