package proposalflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Error type constants for classification and matching.
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors.
	ErrorTypeAll = "all"

	// ErrorTypeValidation indicates bad caller input. Validation errors are
	// rejected before entering the engine and never reach workflow state.
	ErrorTypeValidation = "validation_error"

	// ErrorTypeNodeFailed matches a recoverable node-local failure. These are
	// absorbed into state rather than propagated.
	ErrorTypeNodeFailed = "node_failed"

	// ErrorTypeTimeout matches a timeout or context cancellation.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeProtocol indicates an interrupt protocol violation, e.g.
	// resuming a thread that is not interrupted. Distinct from not-found.
	ErrorTypeProtocol = "protocol_error"

	// ErrorTypeNotFound indicates no checkpoint exists for a thread.
	ErrorTypeNotFound = "not_found"

	// ErrorTypeInvalidState indicates an update violated a state invariant.
	ErrorTypeInvalidState = "invalid_state"

	// ErrorTypeConfiguration indicates a structural graph error, e.g. a
	// router returning an undeclared edge label.
	ErrorTypeConfiguration = "configuration_error"

	// ErrorTypeRecursionLimit indicates the step limit was exceeded. Callers
	// should reduce problem scope rather than retry as-is.
	ErrorTypeRecursionLimit = "recursion_limit"

	// ErrorTypeStore indicates the checkpoint store is unavailable.
	ErrorTypeStore = "checkpoint_store_error"

	// ErrorTypeFatal indicates a non-recoverable failure. Unknown errors
	// default to ErrorTypeNodeFailed so they remain retryable; errors known
	// to be unretryable should carry ErrorTypeFatal.
	ErrorTypeFatal = "fatal_error"
)

// EngineError is a structured error with classification. It supports Go's
// error wrapping with Unwrap().
type EngineError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Details any    `json:"details,omitempty"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap supports errors.Is and errors.As.
func (e *EngineError) Unwrap() error {
	return e.Wrapped
}

// NewEngineError creates an EngineError with the given type and cause.
func NewEngineError(errorType, cause string) *EngineError {
	return &EngineError{Type: errorType, Cause: cause}
}

// WrapError wraps an error with a classification type.
func WrapError(errorType string, err error) *EngineError {
	return &EngineError{Type: errorType, Cause: err.Error(), Wrapped: err}
}

// NewNotFoundError reports that a thread has no checkpoint.
func NewNotFoundError(threadID string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeNotFound,
		Cause:   fmt.Sprintf("no checkpoint found for thread %q", threadID),
		Details: threadID,
	}
}

// NewProtocolError reports an interrupt protocol violation.
func NewProtocolError(threadID, cause string) *EngineError {
	return &EngineError{
		Type:    ErrorTypeProtocol,
		Cause:   cause,
		Details: threadID,
	}
}

// NewRecursionLimitError reports that a run exceeded its step limit. The
// message deliberately steers callers away from blind retries.
func NewRecursionLimitError(limit int) *EngineError {
	return &EngineError{
		Type: ErrorTypeRecursionLimit,
		Cause: fmt.Sprintf("step limit of %d exceeded; the run was aborted. "+
			"Retrying as-is will hit the same limit - reduce the problem scope "+
			"or raise MaxSteps", limit),
		Details: limit,
	}
}

// ClassifyError classifies a plain error into an EngineError.
func ClassifyError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &EngineError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	return &EngineError{Type: ErrorTypeNodeFailed, Cause: err.Error(), Wrapped: err}
}

// fatalTypes are never absorbed into state; they abort the run.
var fatalTypes = map[string]bool{
	ErrorTypeFatal:          true,
	ErrorTypeConfiguration:  true,
	ErrorTypeRecursionLimit: true,
	ErrorTypeInvalidState:   true,
	ErrorTypeStore:          true,
}

// IsFatal reports whether an error must abort the run instead of being
// absorbed into state.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return fatalTypes[ClassifyError(err).Type]
}

// MatchesErrorType checks whether an error matches an error type pattern.
// Fatal errors are only matched by their own types; ErrorTypeAll matches
// everything else.
func MatchesErrorType(err error, errorType string) bool {
	classified := ClassifyError(err)
	if fatalTypes[classified.Type] {
		return errorType == classified.Type
	}
	switch errorType {
	case ErrorTypeAll:
		return true
	case ErrorTypeNodeFailed:
		return classified.Type != ErrorTypeTimeout
	default:
		return classified.Type == errorType
	}
}

// RecoverableError lets an error declare whether it can be retried.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether an error can be retried. Errors that do not
// implement RecoverableError are judged by type heuristics; unknown errors
// default to recoverable so the retry path stays open.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	if IsFatal(err) {
		return false
	}
	return isRecoverableByType(err)
}

func isRecoverableByType(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false // cancellation is intentional
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRecoverableByType(urlErr.Err)
	}

	errStr := strings.ToLower(err.Error())
	recoverablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"rate limit",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
	}
	for _, pattern := range recoverablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return true
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string       { return e.err.Error() }
func (e *recoverableError) IsRecoverable() bool { return true }
func (e *recoverableError) Unwrap() error       { return e.err }

// NewRecoverableError marks an error as retryable.
func NewRecoverableError(err error) RecoverableError {
	return &recoverableError{err: err}
}

// NonRecoverableError marks an error that must not be retried.
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string       { return e.err.Error() }
func (e *NonRecoverableError) IsRecoverable() bool { return false }
func (e *NonRecoverableError) Unwrap() error       { return e.err }

// NewNonRecoverableError wraps an error so it is never retried.
func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
