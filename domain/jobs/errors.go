package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Reserved error codes. Backends and the worker runtime stamp these onto
// failed jobs; run functions may also return them through Error.
const (
	CodeAborted          = "ABORTED"
	CodeAbortTimeout     = "ABORT_TIMEOUT"
	CodeDeadlineExceeded = "DEADLINE_EXCEEDED"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeModelNotFound    = "MODEL_NOT_FOUND"
	CodeNoRunFunction    = "NO_RUN_FUNCTION"
	CodePermanent        = "PERMANENT"
	CodeRetryable        = "RETRYABLE"
)

var (
	// ErrNotFound is returned when a job id (or run id) matches no row in
	// the storage instance's scope.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change violates the
	// lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLockLost is returned when an update presumes ownership of a row
	// that another worker has since reclaimed.
	ErrLockLost = errors.New("job lock lost")
)

// Error is a classified job failure. Run functions return it to control
// retry behavior; anything else is treated as retryable with the default
// backoff.
type Error struct {
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPermanent builds a non-retryable failure. An empty code defaults to
// PERMANENT.
func NewPermanent(code, message string) *Error {
	if code == "" {
		code = CodePermanent
	}
	return &Error{Code: code, Message: message}
}

// NewRetryable builds a retryable failure. A zero retryAfter defers to the
// runtime's exponential backoff.
func NewRetryable(message string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeRetryable, Message: message, Retryable: true, RetryAfter: retryAfter}
}

// Retryable reports whether err may be retried. Unclassified errors are
// retryable.
func Retryable(err error) bool {
	var je *Error
	if errors.As(err, &je) {
		return je.Retryable
	}
	return true
}

// RetryAfterOf returns the explicit retry delay carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var je *Error
	if errors.As(err, &je) {
		return je.RetryAfter
	}
	return 0
}

// CodeOf returns the error code carried by err. Unclassified errors map to
// RETRYABLE so every failed job carries a code.
func CodeOf(err error) string {
	var je *Error
	if errors.As(err, &je) && je.Code != "" {
		return je.Code
	}
	return CodeRetryable
}

// maxErrorLength caps the stored error text so oversized provider responses
// cannot bloat the table.
const maxErrorLength = 500

// TruncateError shortens message to the storable length.
func TruncateError(message string) string {
	if len(message) <= maxErrorLength {
		return message
	}
	return message[:maxErrorLength-3] + "..."
}
