package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for loop-control logic.
type ErrorClass string

const (
	// ErrorClassFatal indicates an error that terminates the cycle immediately.
	// Examples: unknown backend, malformed library document, unreachable
	// interpreter, candidate exhaustion.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassRetryable indicates a failure the repair loop absorbs as a
	// corrective diagnostic and retries.
	// Examples: missing pattern, unbound placeholder, nonzero exit, timeout.
	ErrorClassRetryable ErrorClass = "retryable"

	// ErrorClassDiscard indicates a candidate-level failure during sampling.
	// The candidate is dropped without repair; only exhaustion is fatal.
	ErrorClassDiscard ErrorClass = "discard"
)

// CycleError represents a classified error with experiment context.
type CycleError struct {
	// Class is the error classification for loop control.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Backend is the backend ID involved, if applicable.
	Backend string `json:"backend,omitempty"`

	// Section is the plan section being processed, if applicable.
	Section string `json:"section,omitempty"`

	// Subject is the offending type name or placeholder, if applicable.
	Subject string `json:"subject,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Subject != "" && e.Section != "" {
		msg = fmt.Sprintf("%s (subject=%s, section=%s)", msg, e.Subject, e.Section)
	} else if e.Subject != "" {
		msg = fmt.Sprintf("%s (subject=%s)", msg, e.Subject)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CycleError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *CycleError) Is(target error) bool {
	t, ok := target.(*CycleError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithBackend adds backend context to an error.
func (e *CycleError) WithBackend(backend string) *CycleError {
	e.Backend = backend
	return e
}

// WithSection adds plan-section context to an error.
func (e *CycleError) WithSection(section string) *CycleError {
	e.Section = section
	return e
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *CycleError {
	return &CycleError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(message string, err error) *CycleError {
	return &CycleError{
		Class:   ErrorClassRetryable,
		Message: message,
		Err:     err,
	}
}

// NewDiscardError creates a new candidate-discard error.
func NewDiscardError(message string, err error) *CycleError {
	return &CycleError{
		Class:   ErrorClassDiscard,
		Message: message,
		Err:     err,
	}
}

// NewConfigError creates the fatal error raised for an unknown backend ID or
// an absent or malformed library document.
func NewConfigError(message string, err error) *CycleError {
	e := NewFatalError(message, err)
	e.Code = ErrCodeConfig
	return e
}

// NewMissingPatternError creates the strict-compile error for an item type
// with no pattern in any library category.
func NewMissingPatternError(typeName, section string) *CycleError {
	return &CycleError{
		Class:   ErrorClassRetryable,
		Message: "no pattern found for item type",
		Code:    ErrCodeMissingPattern,
		Section: section,
		Subject: typeName,
	}
}

// NewUnboundPlaceholderError creates the strict-compile error for a template
// placeholder with no matching parameter.
func NewUnboundPlaceholderError(name, typeName, section string) *CycleError {
	return &CycleError{
		Class:   ErrorClassRetryable,
		Message: fmt.Sprintf("unbound placeholder in pattern %q", typeName),
		Code:    ErrCodeUnboundPlaceholder,
		Section: section,
		Subject: name,
	}
}

// NewParseError creates the discard error for generator output with no
// extractable structured block.
func NewParseError(message string, err error) *CycleError {
	e := NewDiscardError(message, err)
	e.Code = ErrCodeParse
	return e
}

// NewNoValidCandidateError creates the fatal error raised when all K
// generation attempts produced invalid candidates.
func NewNoValidCandidateError(k int) *CycleError {
	return &CycleError{
		Class:   ErrorClassFatal,
		Message: fmt.Sprintf("no valid candidate in %d generation attempts", k),
		Code:    ErrCodeNoValidCandidate,
	}
}

// NewWorkflowExhaustedError creates the fatal error raised when the design
// workflow runs out of rounds without reaching plan emission.
func NewWorkflowExhaustedError(rounds int) *CycleError {
	return &CycleError{
		Class:   ErrorClassFatal,
		Message: fmt.Sprintf("workflow exhausted its %d-round budget without an approved design", rounds),
		Code:    ErrCodeWorkflow,
	}
}

// NewInfrastructureError creates the fatal error raised when the execution
// process cannot be spawned at all, as opposed to exiting nonzero.
func NewInfrastructureError(message string, err error) *CycleError {
	e := NewFatalError(message, err)
	e.Code = ErrCodeInfrastructure
	return e
}

// NewTimeoutError creates the retryable error recorded when a collaborator
// call exceeds its configured deadline.
func NewTimeoutError(operation string, err error) *CycleError {
	return &CycleError{
		Class:   ErrorClassRetryable,
		Message: fmt.Sprintf("%s timed out", operation),
		Code:    ErrCodeTimeout,
		Err:     err,
	}
}

// IsFatal returns true if the error terminates the cycle immediately.
func IsFatal(err error) bool {
	var e *CycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassFatal
	}
	return false
}

// IsRetryable returns true if the repair loop should absorb the error as a
// corrective diagnostic and retry.
func IsRetryable(err error) bool {
	var e *CycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRetryable
	}
	return false
}

// IsDiscard returns true if the error marks a dropped sampling candidate.
func IsDiscard(err error) bool {
	var e *CycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassDiscard
	}
	return false
}

// ErrorCode extracts the error code from a classified error, or "" when the
// error carries no classification.
func ErrorCode(err error) string {
	var e *CycleError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeConfig             = "CONFIG_ERROR"
	ErrCodeMissingPattern     = "MISSING_PATTERN"
	ErrCodeUnboundPlaceholder = "UNBOUND_PLACEHOLDER"
	ErrCodeParse              = "PARSE_ERROR"
	ErrCodeNoValidCandidate   = "NO_VALID_CANDIDATE"
	ErrCodeInfrastructure     = "INFRASTRUCTURE_ERROR"
	ErrCodeSimulation         = "SIMULATION_FAILED"
	ErrCodePolicy             = "POLICY_VIOLATION"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeWorkflow           = "WORKFLOW_EXHAUSTED"
)
