// Package errors provides the structured error taxonomy used across harvester.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for common failure modes. The typed errors below match
// their sentinel through errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("reference not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTransient         = errors.New("transient i/o failure")
	ErrPluginLoad        = errors.New("plugin load failed")
	ErrNoHandler         = errors.New("no handler")
	ErrTimeout           = errors.New("operation timed out")
	ErrRateLimit         = errors.New("rate limit exceeded")
	ErrUnavailable       = errors.New("service unavailable")
)

// ValidationError reports malformed input (plugin manifest, configuration)
// rejected before any state mutation.
type ValidationError struct {
	Subject string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s: %s", e.Subject, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError creates a validation error.
func NewValidationError(subject, field, reason string) *ValidationError {
	return &ValidationError{Subject: subject, Field: field, Reason: reason}
}

// ReferenceError reports an operation against an unknown session, item or download.
type ReferenceError struct {
	Kind string
	ID   string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("unknown %s: %s", e.Kind, e.ID)
}

func (e *ReferenceError) Is(target error) bool { return target == ErrNotFound }

// NewReferenceError creates a reference error.
func NewReferenceError(kind, id string) *ReferenceError {
	return &ReferenceError{Kind: kind, ID: id}
}

// InvalidTransitionError reports a state-machine edge that is not allowed.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// NewInvalidTransition creates an invalid transition error.
func NewInvalidTransition(entity, id, from, to string) *InvalidTransitionError {
	return &InvalidTransitionError{Entity: entity, ID: id, From: from, To: to}
}

// TransientIOError wraps a network or filesystem failure that may succeed on retry.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

func (e *TransientIOError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a TransientIOError. Returns nil for a nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// PluginLoadError reports a failure to load one plugin.
type PluginLoadError struct {
	Plugin string
	Path   string
	Err    error
}

func (e *PluginLoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("plugin %s (%s): %v", e.Plugin, e.Path, e.Err)
	}
	return fmt.Sprintf("plugin %s: %v", e.Plugin, e.Err)
}

func (e *PluginLoadError) Unwrap() error { return e.Err }

func (e *PluginLoadError) Is(target error) bool { return target == ErrPluginLoad }

// APIError represents a non-success response from a remote endpoint.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
