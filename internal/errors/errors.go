// Package errors provides error types for the harvesting engine boundaries.
package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrorType categorizes errors for handling decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// Input represents malformed or empty input.
	Input
	// Persist represents snapshot, log or database I/O failures.
	Persist
	// Decode represents unreadable snapshot or producer output.
	Decode
	// QueueFull represents a job dropped by backpressure.
	QueueFull
	// Closed represents use of a closed queue or engine.
	Closed
	// Cancelled represents context cancellation.
	Cancelled
	// Config represents invalid configuration.
	Config
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case Input:
		return "input"
	case Persist:
		return "persist"
	case Decode:
		return "decode"
	case QueueFull:
		return "queue_full"
	case Closed:
		return "closed"
	case Cancelled:
		return "cancelled"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// IsRetryable returns whether errors of this type may succeed on a later attempt.
func (t ErrorType) IsRetryable() bool {
	return t == Persist
}

// Sentinel errors shared by the queue and engine.
var (
	ErrQueueFull    = &HarvestError{Type: QueueFull, Operation: "enqueue", Message: "queue at capacity"}
	ErrQueueClosed  = &HarvestError{Type: Closed, Operation: "queue", Message: "queue closed"}
	ErrQueueEmpty   = errors.New("queue empty")
	ErrEngineClosed = &HarvestError{Type: Closed, Operation: "submit", Message: "engine closed"}
)

// HarvestError represents a categorized engine error.
type HarvestError struct {
	Type      ErrorType
	Origin    string
	Operation string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *HarvestError) Error() string {
	var b strings.Builder
	b.WriteString(e.Type.String())
	b.WriteString(" error during ")
	b.WriteString(e.Operation)
	if e.Origin != "" {
		b.WriteString(" on ")
		b.WriteString(e.Origin)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *HarvestError) Unwrap() error {
	return e.Cause
}

// Is matches any HarvestError of the same type.
func (e *HarvestError) Is(target error) bool {
	t, ok := target.(*HarvestError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// New creates a new HarvestError.
func New(errType ErrorType, origin, operation, message string, cause error) *HarvestError {
	return &HarvestError{
		Type:      errType,
		Origin:    origin,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// NewPersistError creates a persistence error for path.
func NewPersistError(path, operation string, cause error) *HarvestError {
	return New(Persist, path, operation, "persistence failed", cause)
}

// NewDecodeError creates a decode error.
func NewDecodeError(origin, operation string, cause error) *HarvestError {
	return New(Decode, origin, operation, "decoding failed", cause)
}

// NewConfigError creates a configuration error.
func NewConfigError(field, message string) *HarvestError {
	return New(Config, field, "validate", message, nil)
}

// NewCancelledError creates a cancelled error.
func NewCancelledError(origin, operation string) *HarvestError {
	return New(Cancelled, origin, operation, "operation cancelled", nil)
}

// Categorize determines the error type from a generic error.
func Categorize(err error, origin string) *HarvestError {
	if err == nil {
		return nil
	}

	var he *HarvestError
	if errors.As(err, &he) {
		return he
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewCancelledError(origin, "run")
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return NewPersistError(pathErr.Path, pathErr.Op, err)
	}

	return New(Unknown, origin, "run", err.Error(), err)
}

// IsPersist checks if an error is a persistence failure.
func IsPersist(err error) bool {
	return GetErrorType(err) == Persist
}

// IsRetryable checks if an error should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return GetErrorType(err).IsRetryable()
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var he *HarvestError
	if errors.As(err, &he) {
		return he.Type
	}
	return Unknown
}
