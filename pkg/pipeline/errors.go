package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every error surfaced by the ingestion core. The
// download, conversion and upload kinds also tag the error_detail of
// records failed at that stage.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindDuplicateInFlight  ErrorKind = "duplicate_in_flight"
	KindDownloadFailed     ErrorKind = "download_failed"
	KindConversionFailed   ErrorKind = "conversion_failed"
	KindUploadFailed       ErrorKind = "upload_failed"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindValidation         ErrorKind = "validation_error"
	KindInvalidState       ErrorKind = "invalid_state"
)

var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrDuplicateInFlight  = &Error{Kind: KindDuplicateInFlight}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInvalidState       = &Error{Kind: KindInvalidState}

	// ErrTimeout is wrapped by collaborator calls that exceeded their deadline
	ErrTimeout = errors.New("timeout")
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches bare kind sentinels such as ErrNotFound.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// E builds a classified error.
func E(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain,
// or the empty kind when err is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
