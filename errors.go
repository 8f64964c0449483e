package taskpipe

import (
	"errors"
	"fmt"
)

// Error type constants used for classification
const (
	// ErrorTypeTransient marks network, timeout and rate limit faults that
	// may succeed on redelivery.
	ErrorTypeTransient = "transient"

	// ErrorTypeMalformed marks bad payloads and logic faults. Retrying
	// these cannot succeed.
	ErrorTypeMalformed = "malformed"

	// ErrorTypeInfrastructure marks a failure talking to the bus or the
	// checkpoint store. The worker itself is unhealthy when this happens.
	ErrorTypeInfrastructure = "infrastructure"

	// ErrorTypeCircuitBreaker marks a payload that exceeded the depth bound.
	ErrorTypeCircuitBreaker = "circuit_breaker"
)

var (
	// ErrMaxDepthExceeded is returned when a payload has made more
	// transitions than the worker allows.
	ErrMaxDepthExceeded = &PipelineError{
		Type:  ErrorTypeCircuitBreaker,
		Cause: "max depth exceeded",
	}

	// ErrTaskNotFound is returned by checkpointers for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoGroup is returned by buses when reading from a consumer group
	// that has not been created.
	ErrNoGroup = errors.New("consumer group does not exist")

	// ErrBusClosed is returned after a bus has been closed.
	ErrBusClosed = errors.New("bus closed")
)

// PipelineError represents a structured error with classification. It
// supports Go's error wrapping patterns with the Unwrap() method.
type PipelineError struct {
	Type      string `json:"type"`
	Component string `json:"component,omitempty"`
	Cause     string `json:"cause"`
	Wrapped   error  `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Component, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *PipelineError) Unwrap() error {
	return e.Wrapped
}

// Is matches PipelineErrors of the same type and cause, so that wrapped copies
// of sentinel errors like ErrMaxDepthExceeded are recognized.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Cause == t.Cause
}

// NewPipelineError creates a PipelineError with the given type and cause.
func NewPipelineError(errorType, component, cause string) *PipelineError {
	return &PipelineError{
		Type:      errorType,
		Component: component,
		Cause:     cause,
	}
}

// NewMalformedError reports input that can never be processed successfully.
func NewMalformedError(component, cause string) *PipelineError {
	return NewPipelineError(ErrorTypeMalformed, component, cause)
}

// NewTransientError wraps err as a fault worth retrying.
func NewTransientError(component string, err error) *PipelineError {
	return wrapError(ErrorTypeTransient, component, err)
}

// NewInfrastructureError wraps a bus or store failure. Errors that already
// carry a classification are returned unchanged.
func NewInfrastructureError(component string, err error) error {
	if err == nil {
		return nil
	}
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return err
	}
	return wrapError(ErrorTypeInfrastructure, component, err)
}

// ErrorType returns the classification type of err, or "" if it has none.
func ErrorType(err error) string {
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return pErr.Type
	}
	return ""
}

// AbortError is returned by Worker.Run when the classifier decides the worker
// should stop.
type AbortError struct {
	Stage string
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("worker %s aborted: %v", e.Stage, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

func wrapError(errorType, component string, err error) *PipelineError {
	cause := ""
	if err != nil {
		cause = err.Error()
	}
	return &PipelineError{
		Type:      errorType,
		Component: component,
		Cause:     cause,
		Wrapped:   err,
	}
}
