// Package engine executes a resolved probe plan: it linearizes the node
// graph, performs the HTTP requests, waits and assertions in order, and
// emits structured results and lifecycle events.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an execution error for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on retry,
	// such as a network timeout while reporting status.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error, such as an
	// invalid plan graph or an unresolvable secret.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ExecutionError is a classified error with probe context.
type ExecutionError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Node is the node id that caused the error, if applicable.
	Node string `json:"node,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("[%s] %s (node=%s): %s", e.Class, e.Message, e.Node, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for chain inspection.
func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *ExecutionError {
	return &ExecutionError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *ExecutionError {
	return &ExecutionError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *ExecutionError) WithCode(code string) *ExecutionError {
	e.Code = code
	return e
}

// WithNode adds node context.
func (e *ExecutionError) WithNode(nodeID string) *ExecutionError {
	e.Node = nodeID
	return e
}

// IsRetryable reports whether the error is classified as transient.
func IsRetryable(err error) bool {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// Error codes carried by ExecutionError.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeSecretResolution = "SECRET_RESOLUTION_ERROR"
	ErrCodeTransport        = "TRANSPORT_ERROR"
	ErrCodeAssertion        = "ASSERTION_FAILED"
	ErrCodeJobProcessing    = "JOB_PROCESSING_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
