package workflows

import (
	"time"

	"github.com/tendant/simple-ingest-pipeline/internal/records"
	"github.com/tendant/simple-ingest-pipeline/internal/resolver"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// SubmitRequest asks for one source object to be processed
type SubmitRequest struct {
	Identifier string
	Kind       resolver.Kind

	// ProcessID is an optional caller-supplied record id
	ProcessID string

	// ReportedModifiedAt skips the HEAD call when the caller already has
	// the storage listing (sweeps, bucket events)
	ReportedModifiedAt *time.Time

	Force bool
}

// Submission is the synchronous outcome of a submit or reprocess call
type Submission struct {
	RecordID  string
	SourceKey string
	Decision  pipeline.Decision
	State     records.State
	WinnerID  string
	SeenCount int
	Message   string

	// dispatch is set when a queued record is waiting for a run
	dispatch bool
}

// Response converts the submission to its API shape
func (s *Submission) Response() pipeline.ProcessResponse {
	return pipeline.ProcessResponse{
		ProcessID:       s.RecordID,
		SourceKey:       s.SourceKey,
		Decision:        string(s.Decision),
		State:           string(s.State),
		WinnerID:        s.WinnerID,
		DedupeSeenCount: s.SeenCount,
		Message:         s.Message,
	}
}

// Stage names used in failure metrics
const (
	StageDownload    = "download"
	StageConversion  = "conversion"
	StageUpload      = "upload"
	StageInterrupted = "interrupted"
)

// detailInterrupted tags records failed because their run stopped mid-stage
const detailInterrupted = "interrupted"
