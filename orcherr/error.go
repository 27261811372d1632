// Package orcherr provides the typed error kinds shared by every component
// of the orchestration engine. Error carries a Kind tag plus structured
// fields a caller can surface in an API error envelope, and preserves a
// wrapped Cause chain so errors.Is/As keep working across retries and
// nested dispatches.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind tags an Error with its broad category so callers can decide whether to
// retry, surface to a user, or transition a run/turn to a terminal state.
type Kind string

const (
	// KindValidation marks input or definition violations of a declared
	// invariant. Never retried.
	KindValidation Kind = "validation"
	// KindNotFound marks a referenced entity that does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict marks a unique or foreign-key constraint violation.
	KindConflict Kind = "conflict"
	// KindLoopLimitExceeded marks a token that fired a looping transition past
	// its lineage's configured maxIterations. Run-level: the run transitions
	// to failed.
	KindLoopLimitExceeded Kind = "loop_limit_exceeded"
	// KindSynchronizationTimeout marks a fan-in wait whose timeoutMs fired
	// with onTimeout=fail. Run-level: the run transitions to failed.
	KindSynchronizationTimeout Kind = "synchronization_timeout"
	// KindToolFailure marks a per-call tool invocation failure. Increments
	// the owning turn's ToolFailureCount; does not fail the turn by itself.
	KindToolFailure Kind = "tool_failure"
	// KindMemoryExtractionFailure marks a non-fatal memory-extraction
	// workflow failure. Recorded on the turn, never fails it.
	KindMemoryExtractionFailure Kind = "memory_extraction_failure"
	// KindStorageUnavailable marks a Store operation that could not complete.
	// Retried per the streamer's flush policy; execution state itself is
	// unaffected since it lives in the actor, not the Store.
	KindStorageUnavailable Kind = "storage_unavailable"
)

// Error is the structured error type returned by every public operation in
// this module. It implements errors.Is/As via Cause so callers can test for
// a Kind or an underlying sentinel regardless of how many times the error
// was wrapped while propagating out of a tick.
type Error struct {
	// Kind categorizes the failure; see the Kind* constants.
	Kind Kind
	// Message is the human-readable summary.
	Message string
	// Field names the offending input field, when applicable (e.g. a
	// JSON-schema validation failure).
	Field string
	// Constraint names the violated invariant (e.g. "unique(id,version)").
	Constraint string
	// Code is an optional machine-readable sub-code for API envelopes.
	Code string
	// Cause links to the underlying error, enabling chains with errors.Is/As.
	Cause error
}

// New constructs an Error of the given kind with a plain message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind that wraps cause. If message is
// empty, cause's message is reused so the chain stays human-readable.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithField returns a copy of e with Field set. Used when surfacing a
// validation error against a specific input/definition field.
func (e *Error) WithField(field string) *Error {
	c := *e
	c.Field = field
	return &c
}

// WithConstraint returns a copy of e with Constraint set.
func (e *Error) WithConstraint(constraint string) *Error {
	c := *e
	c.Constraint = constraint
	return &c
}

// WithCode returns a copy of e with Code set.
func (e *Error) WithCode(code string) *Error {
	c := *e
	c.Code = code
	return &c
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Unwrap returns the wrapped cause, supporting errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind. This lets
// callers write errors.Is(err, orcherr.New(orcherr.KindNotFound, "")) to test
// only the category, ignoring message/field/cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and reports
// whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
