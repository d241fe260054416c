package indexing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStatusConflict signals a lost compare-and-swap on a URL's status.
	ErrStatusConflict = errors.New("url status changed concurrently")
	// ErrInvalidTransition signals an edge outside the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// StageError wraps an infrastructure failure that aborted a stage batch.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage aborted: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Abort wraps err as a StageError for stage.
func Abort(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// CallError describes a failed call to the indexing API.
type CallError struct {
	// StatusCode is the HTTP status, or 0 when no response arrived.
	StatusCode int
	// Reason is the upstream machine-readable status (e.g. RESOURCE_EXHAUSTED).
	Reason  string
	Message string
	Err     error
}

func (e *CallError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("indexing api call failed: %v", e.Err)
	case e.Reason != "":
		return fmt.Sprintf("indexing api returned %d %s: %s", e.StatusCode, e.Reason, e.Message)
	default:
		return fmt.Sprintf("indexing api returned %d: %s", e.StatusCode, e.Message)
	}
}

func (e *CallError) Unwrap() error {
	return e.Err
}
