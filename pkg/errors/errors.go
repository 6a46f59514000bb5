package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// Synchronous caller-facing errors
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeConcurrency ErrorType = "concurrency_conflict"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeForbidden   ErrorType = "forbidden"

	// Workflow-internal errors
	ErrorTypeActivity ErrorType = "activity_failure"
	ErrorTypeSLA      ErrorType = "sla_violation"
	ErrorTypeFatal    ErrorType = "workflow_fatal"

	// Infrastructure errors
	ErrorTypeExternal ErrorType = "external"
	ErrorTypeTimeout  ErrorType = "timeout"
	ErrorTypeDatabase ErrorType = "database"
	ErrorTypeInternal ErrorType = "internal"
	ErrorTypeConfig   ErrorType = "configuration"
)

// WorkflowError is the standardized error carried across the orchestration
// core. It wraps an underlying cause and records enough context for the
// audit trail and the HTTP layer without either of them re-parsing messages.
type WorkflowError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	InstanceID string                 `json:"instance_id,omitempty"`
	StepID     string                 `json:"step_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Cause      error                  `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Retryable  bool                   `json:"retryable"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is matching on the error type
func (e *WorkflowError) Is(target error) bool {
	var we *WorkflowError
	if errors.As(target, &we) {
		return e.Type == we.Type
	}
	return false
}

// HTTPStatus maps the error type to the status the API layer should return.
// ActivityFailure and WorkflowFatal are never surfaced through signal
// submission; they show up in the status query instead.
func (e *WorkflowError) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeConcurrency:
		return http.StatusConflict
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeForbidden:
		return http.StatusForbidden
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithInstance attaches instance context to the error
func (e *WorkflowError) WithInstance(instanceID string) *WorkflowError {
	e.InstanceID = instanceID
	return e
}

// WithStep attaches step context to the error
func (e *WorkflowError) WithStep(stepID string) *WorkflowError {
	e.StepID = stepID
	return e
}

// WithMetadata attaches a metadata key/value pair
func (e *WorkflowError) WithMetadata(key string, value interface{}) *WorkflowError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// New creates a WorkflowError of the given type
func New(errType ErrorType, component, operation, message string) *WorkflowError {
	return &WorkflowError{
		Type:      errType,
		Code:      string(errType),
		Message:   message,
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
		Retryable: errType == ErrorTypeExternal || errType == ErrorTypeTimeout,
	}
}

// Wrap creates a WorkflowError wrapping an underlying cause
func Wrap(cause error, errType ErrorType, component, operation, message string) *WorkflowError {
	e := New(errType, component, operation, message)
	e.Cause = cause
	return e
}

// NewValidation creates a validation error: malformed signal, or a decision
// for a step that is not awaiting one. No state change has occurred.
func NewValidation(component, operation, message string) *WorkflowError {
	return New(ErrorTypeValidation, component, operation, message)
}

// NewConcurrencyConflict creates the stale-version rejection. The caller
// must re-read and retry; the transition was not applied.
func NewConcurrencyConflict(component, operation string, expected, actual int64) *WorkflowError {
	e := New(ErrorTypeConcurrency, component, operation,
		fmt.Sprintf("stale version: expected %d, current %d", expected, actual))
	e.WithMetadata("expected_version", expected)
	e.WithMetadata("current_version", actual)
	return e
}

// NewActivityFailure creates the error raised when an automatic step
// exhausts its retry budget
func NewActivityFailure(component, operation string, cause error, attempts int) *WorkflowError {
	e := Wrap(cause, ErrorTypeActivity, component, operation,
		fmt.Sprintf("activity failed after %d attempts", attempts))
	e.WithMetadata("attempts", attempts)
	return e
}

// NewWorkflowFatal creates an unrecoverable instance-level error
func NewWorkflowFatal(component, operation, message string) *WorkflowError {
	return New(ErrorTypeFatal, component, operation, message)
}

// IsRetryable reports whether the error is a transient collaborator failure
// worth another attempt
func IsRetryable(err error) bool {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Retryable
	}
	// Unclassified collaborator errors are treated as transient.
	return err != nil
}

// TypeOf extracts the error type, or ErrorTypeInternal for foreign errors
func TypeOf(err error) ErrorType {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err carries the given workflow error type
func IsType(err error, errType ErrorType) bool {
	return TypeOf(err) == errType
}

// As re-exports the standard helper so callers need only one errors import
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
