// Package dedupe decides whether a source object should be processed.
package dedupe

import (
	"fmt"
	"time"

	"github.com/tendant/simple-ingest-pipeline/internal/records"
	"github.com/tendant/simple-ingest-pipeline/pkg/pipeline"
)

// Input is everything the guard looks at for one admission
type Input struct {
	SourceKey string

	// ReportedModifiedAt is the storage-reported modification time of the object now
	ReportedModifiedAt time.Time

	// Latest is the newest non-duplicate record for the key, if any
	Latest *records.Record

	// InFlight is the non-terminal record for the key, if any
	InFlight *records.Record

	// Force bypasses the unchanged-object skip
	Force bool
}

// Admission is the guard's verdict
type Admission struct {
	Decision pipeline.Decision
	WinnerID string // in-flight record that won, for Duplicate
	Reason   string
}

// Admit applies the dedup and staleness rules. It is a pure function;
// callers hold the source-key lock while the inputs are read and the
// resulting record is written.
func Admit(in Input) Admission {
	if in.InFlight != nil {
		return Admission{
			Decision: pipeline.DecisionDuplicate,
			WinnerID: in.InFlight.ID,
			Reason:   fmt.Sprintf("%s is already %s as record %s", in.SourceKey, in.InFlight.State, in.InFlight.ID),
		}
	}

	if in.Latest != nil && in.Latest.State == records.StateCompleted && !in.Force {
		processed := records.Normalize(in.Latest.SourceModifiedAt)
		reported := records.Normalize(in.ReportedModifiedAt)
		if !Stale(processed, reported) {
			return Admission{
				Decision: pipeline.DecisionSkip,
				WinnerID: in.Latest.ID,
				Reason: fmt.Sprintf("unchanged since record %s (processed %s, reported %s)",
					in.Latest.ID, processed.Format(time.RFC3339Nano), reported.Format(time.RFC3339Nano)),
			}
		}
		return Admission{
			Decision: pipeline.DecisionProceed,
			Reason:   fmt.Sprintf("modified after record %s", in.Latest.ID),
		}
	}

	switch {
	case in.Latest == nil:
		return Admission{Decision: pipeline.DecisionProceed, Reason: "first submission"}
	case in.Force && in.Latest.State == records.StateCompleted:
		return Admission{Decision: pipeline.DecisionProceed, Reason: "forced"}
	default:
		return Admission{
			Decision: pipeline.DecisionProceed,
			Reason:   fmt.Sprintf("previous record %s is %s", in.Latest.ID, in.Latest.State),
		}
	}
}

// Stale reports whether an object reported at reported has changed since it
// was processed at processed. Both values must already be normalized.
func Stale(processed, reported time.Time) bool {
	return reported.After(processed)
}
