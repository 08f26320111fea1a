package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies orchestration failures so callers can decide
// whether to retry, reload state, or give up.
type ErrorKind string

const (
	// KindInvalidInput marks a malformed request. Never retried.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindInvalidState marks an operation illegal in the current
	// lifecycle state. Never retried; the caller must re-fetch state.
	KindInvalidState ErrorKind = "invalid_state"
	// KindConflict marks a concurrent modification. Reload and retry.
	KindConflict ErrorKind = "conflict"
	// KindUnavailable marks a transient collaborator failure.
	KindUnavailable ErrorKind = "unavailable"
	// KindInvalidPlan marks a malformed planner result.
	KindInvalidPlan ErrorKind = "invalid_plan"
	// KindAnalysisFailed marks an enrichment failure; the story stays
	// in its prior stable state.
	KindAnalysisFailed ErrorKind = "analysis_failed"
	// KindIncompleteSteps marks a Complete call with non-terminal steps.
	KindIncompleteSteps ErrorKind = "incomplete_steps"
	// KindExecutionFailed marks a step-level failure, surfaced on the
	// step and never escalated to the story automatically.
	KindExecutionFailed ErrorKind = "execution_failed"
	// KindCancelled marks cooperative cancellation.
	KindCancelled ErrorKind = "cancelled"
	// KindNotFound marks a missing story, step, or trigger.
	KindNotFound ErrorKind = "not_found"
)

// Error is a classified orchestration error. StoryStatus, CurrentWave,
// and BlockingSteps carry enough state for a rejected operation's
// caller to decide what to do next.
type Error struct {
	Kind          ErrorKind
	Message       string
	StoryStatus   StoryStatus `json:"story_status,omitempty"`
	CurrentWave   int         `json:"current_wave,omitempty"`
	BlockingSteps []string    `json:"blocking_steps,omitempty"`
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E constructs a classified error
func E(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapE wraps an underlying error with a classification
func WrapE(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification from an error chain.
// Unclassified errors report KindExecutionFailed.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindExecutionFailed
}

// IsKind reports whether err carries the given classification
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
