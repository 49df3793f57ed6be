package workflows

import "errors"

var (
	// ErrRunnerClosed is returned when work is submitted after Close
	ErrRunnerClosed = errors.New("workflow runner is closed")

	// ErrNotQueued is returned by Run when the record was already picked up
	ErrNotQueued = errors.New("record is not queued")
)
