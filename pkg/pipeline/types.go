package pipeline

import "time"

// ProcessRequest represents a request to submit a source object for processing
type ProcessRequest struct {
	Identifier     string `json:"identifier"`
	IdentifierType string `json:"identifier_type,omitempty"` // filename, id; auto-detected when empty
	ProcessID      string `json:"process_id,omitempty"`      // caller-supplied tracking id
	Force          bool   `json:"force,omitempty"`
}

// ProcessResponse represents the response from a processing submission
type ProcessResponse struct {
	ProcessID       string `json:"process_id"`
	SourceKey       string `json:"source_key"`
	Decision        string `json:"decision"`
	State           string `json:"state"`
	WinnerID        string `json:"winner_id,omitempty"`
	DedupeSeenCount int    `json:"dedupe_seen_count"`
	Message         string `json:"message,omitempty"`
}

// ReprocessRequest asks for an explicit re-trigger of an existing record
type ReprocessRequest struct {
	Force bool `json:"force,omitempty"`
}

// RecordView is the externally visible shape of a processing record
type RecordView struct {
	ID                    string     `json:"id"`
	SourceKey             string     `json:"source_key"`
	OutputKey             string     `json:"output_key"`
	SchemaVersion         string     `json:"schema_version"`
	State                 string     `json:"state"`
	SourceModifiedAt      time.Time  `json:"source_modified_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	DownloadStartedAt     *time.Time `json:"download_started_at,omitempty"`
	DownloadCompletedAt   *time.Time `json:"download_completed_at,omitempty"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
	ErrorDetail           string     `json:"error_detail,omitempty"`
}

// FileView is one row of a source or processed listing
type FileView struct {
	ID           string     `json:"id,omitempty"`
	Filename     string     `json:"filename"`
	SourceKey    string     `json:"source_key,omitempty"`
	OutputKey    string     `json:"output_key,omitempty"`
	Status       string     `json:"status"`
	Size         int64      `json:"size,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
}

// StatusMapResponse maps every known source key to its current status
type StatusMapResponse struct {
	Files   map[string]string `json:"files"`
	Partial bool              `json:"partial"` // storage listing was unavailable
}

// SweepItem is the outcome of one source object during a sweep
type SweepItem struct {
	SourceKey string `json:"source_key"`
	ProcessID string `json:"process_id,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SweepResponse summarizes a "process all new files" sweep
type SweepResponse struct {
	Listed     int         `json:"listed"`
	Proceeded  int         `json:"proceeded"`
	Skipped    int         `json:"skipped"`
	Duplicates int         `json:"duplicates"`
	Errors     int         `json:"errors"`
	Items      []SweepItem `json:"items"`
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Decision is the outcome of admission for a source object
type Decision string

const (
	DecisionProceed   Decision = "proceed"
	DecisionSkip      Decision = "skip"
	DecisionDuplicate Decision = "duplicate"
)

// Listing sources
const (
	SourceBucket = "bucket"
	SourceParsed = "parsed"
)

// StatusUnprocessed marks a source object with no processing record
const StatusUnprocessed = "unprocessed"

// DerivedExtension is appended to a record id to name its output artifact
const DerivedExtension = ".md"
