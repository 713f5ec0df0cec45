// Package errors provides centralized error definitions and error handling utilities
// for parallelmc. It defines the sentinel errors of the coordination layer, the
// domain error type raised by collective operations, a validation error type, and
// classification helpers.
//
// # Error Types
//
//   - GroupError: a fault in the process group (double construction, count
//     overflow, seed collisions, transport failures, aborts). Fatal group
//     errors carry SeverityCritical and must terminate every rank.
//   - ValidationError: invalid input or configuration.
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewGroupError("per-rank event count exceeds engine limit", errors.ErrCountOverflow).
//	    WithRank(0).WithOp("run").WithValue(int64(3e9)).WithLimit(math.MaxInt32)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrGroupAborted) { ... }
//
//	var groupErr *errors.GroupError
//	if errors.As(err, &groupErr) { ... }
//
//	if errors.IsFatal(err) { os.Exit(1) }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that terminate the whole process group.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Group lifecycle sentinel errors
var (
	// ErrGroupExists indicates a second process group was constructed while one is live.
	ErrGroupExists = New("process group already constructed")
	// ErrGroupClosed indicates an operation on a group or communicator after Close.
	ErrGroupClosed = New("process group closed")
	// ErrGroupAborted indicates that some rank aborted the whole group.
	ErrGroupAborted = New("process group aborted")
)

// Workload and seeding sentinel errors
var (
	// ErrCountOverflow indicates a per-rank event count above the engine's int32 limit.
	ErrCountOverflow = New("event count exceeds engine limit")
	// ErrSeedCollision indicates the seed table could not be made pairwise distinct.
	ErrSeedCollision = New("seed collisions not resolved")
)

// General sentinel errors
var (
	// ErrTransport indicates a failure in the underlying messaging layer.
	ErrTransport = New("transport failure")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

type baseError struct {
	message  string
	cause    error
	severity Severity
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// severe is implemented by every error type in this package.
type severe interface {
	error
	Severity() Severity
}

// -----------------------------------------------------------------------------
// Domain Errors
// -----------------------------------------------------------------------------

// GroupError represents a fault in the process group.
//
// Example:
//
//	err := errors.NewGroupError("construct", errors.ErrGroupExists).WithRank(2)
//	fmt.Println(err) // "group error [rank=2]: construct: process group already constructed"
type GroupError struct {
	baseError
	Rank  int
	Op    string
	Value any
	Limit any
}

// NewGroupError creates a fatal GroupError. Every GroupError starts at
// SeverityCritical; use WithSeverity to downgrade diagnostic-only faults.
func NewGroupError(message string, cause error) *GroupError {
	return &GroupError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
		},
		Rank: -1,
	}
}

// WithRank records the rank that observed the fault.
func (e *GroupError) WithRank(rank int) *GroupError {
	e.Rank = rank
	return e
}

// WithOp records the operation that failed.
func (e *GroupError) WithOp(op string) *GroupError {
	e.Op = op
	return e
}

// WithValue records the offending value.
func (e *GroupError) WithValue(v any) *GroupError {
	e.Value = v
	return e
}

// WithLimit records the limit the value violated.
func (e *GroupError) WithLimit(limit any) *GroupError {
	e.Limit = limit
	return e
}

// WithSeverity sets the error severity.
func (e *GroupError) WithSeverity(s Severity) *GroupError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *GroupError) Error() string {
	var parts []string
	if e.Rank >= 0 {
		parts = append(parts, fmt.Sprintf("rank=%d", e.Rank))
	}
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	if e.Limit != nil {
		parts = append(parts, fmt.Sprintf("limit=%v", e.Limit))
	}

	prefix := "group error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("group error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *GroupError) Is(target error) bool {
	if _, ok := target.(*GroupError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or configuration.
//
// Example:
//
//	err := errors.NewValidationError("event count must be non-negative").
//	    WithField("events").WithValue(-1)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsFatal reports whether err must terminate the whole process group.
// That is the case for any critical error and for any error wrapping
// ErrGroupAborted, since an abort observed on one rank means another rank
// already failed.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrGroupAborted) {
		return true
	}
	return GetSeverity(err) == SeverityCritical
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't come from this package.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var s severe
	if As(err, &s) {
		return s.Severity()
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
