// Package errors provides structured error handling for the scanner core.
// It defines the error taxonomy used throughout scheduling, probing, and
// storage, and provides utilities for creating, wrapping, and classifying
// errors with enough context to drive retry and circuit-breaker decisions.
package errors

import (
	"fmt"
)

// ErrorCode classifies an error into one of the kinds the scheduler and
// probe engines must reason about (see the error-handling design: every
// error kind carries a fixed retry/fatal disposition).
type ErrorCode string

const (
	// Configuration errors: conflicting flags, invalid CIDR, invalid ports.
	// Never retried; always fatal.
	CodeConfiguration ErrorCode = "CONFIGURATION"

	// Permission errors: raw socket requested without capability.
	// Never retried; always fatal.
	CodePermission ErrorCode = "PERMISSION"

	// Resolution errors: hostname target failed to resolve.
	// Never retried; fatal per-target only.
	CodeResolution ErrorCode = "RESOLUTION"

	// TransientNetwork errors: per-attempt timeout, transient ICMP signal.
	// Retried with backoff; never fatal.
	CodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"

	// PermanentNetwork errors: host/network unreachable.
	// Never retried; fatal per-target only.
	CodePermanentNetwork ErrorCode = "PERMANENT_NETWORK"

	// Protocol errors: malformed response, pattern-match soft failure.
	// Never retried; scan continues.
	CodeProtocol ErrorCode = "PROTOCOL"

	// ResourceLimit errors: file descriptor exhaustion.
	// Backed off, not retried as a fresh attempt; never fatal.
	CodeResourceLimit ErrorCode = "RESOURCE_LIMIT"

	// ZombieUnsuitable: idle-scan zombie fails the suitability check.
	// Never retried; always fatal.
	CodeZombieUnsuitable ErrorCode = "ZOMBIE_UNSUITABLE"

	// StorageFatal: the async aggregator's writer exhausted its retries.
	// Never retried further; always fatal.
	CodeStorageFatal ErrorCode = "STORAGE_FATAL"

	// General-purpose codes reused by the ambient stack (config, db).
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeValidation         ErrorCode = "VALIDATION"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeCanceled           ErrorCode = "CANCELED"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"
)

// Retryable reports whether this kind should be retried by the scheduler
// with exponential backoff, per the error-handling design table.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeTransientNetwork, CodeTimeout, CodeDatabaseTimeout:
		return true
	default:
		return false
	}
}

// Fatal reports whether this kind aborts the whole run rather than just the
// target or probe that produced it.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeConfiguration, CodePermission, CodeZombieUnsuitable, CodeStorageFatal:
		return true
	default:
		return false
	}
}

// ScanError is the primary error type produced by the scheduler and probe
// engines. It always carries enough context to render a remediation hint.
type ScanError struct {
	Code      ErrorCode
	Operation string
	Target    string
	Port      uint16
	Message   string
	Hint      string
	Cause     error
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Operation)
	if e.Target != "" {
		if e.Port != 0 {
			msg += fmt.Sprintf(" (target: %s:%d)", e.Target, e.Port)
		} else {
			msg += fmt.Sprintf(" (target: %s)", e.Target)
		}
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	if e.Hint != "" {
		msg += " (hint: " + e.Hint + ")"
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the scheduler should retry the attempt that
// produced this error.
func (e *ScanError) Retryable() bool {
	return e.Code.Retryable()
}

// Fatal reports whether the scheduler should abort the entire run.
func (e *ScanError) Fatal() bool {
	return e.Code.Fatal()
}

// NewScanError constructs a ScanError for the given operation and code.
func NewScanError(code ErrorCode, operation, message string) *ScanError {
	return &ScanError{Code: code, Operation: operation, Message: message}
}

// WrapScanError wraps an existing error as a ScanError.
func WrapScanError(code ErrorCode, operation, message string, cause error) *ScanError {
	return &ScanError{Code: code, Operation: operation, Message: message, Cause: cause}
}

// WithTarget attaches target/port context to a ScanError.
func (e *ScanError) WithTarget(target string, port uint16) *ScanError {
	e.Target = target
	e.Port = port
	return e
}

// WithHint attaches a remediation hint to a ScanError.
func (e *ScanError) WithHint(hint string) *ScanError {
	e.Hint = hint
	return e
}

// DatabaseError represents errors from the async-persisted aggregator's
// storage backend.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery attaches the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{Code: code, Message: message}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, cause error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Cause: cause}
}

// ConfigError represents configuration-validation errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: message, Field: field, Value: value}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, cause error) *ConfigError {
	return &ConfigError{Code: code, Message: message, Cause: cause}
}

// IsCode reports whether err carries the given error code, looking through
// any of the taxonomy's concrete types.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the ErrorCode from an error, or CodeUnknown if it is not
// one of this package's types.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *ScanError:
		return e.Code
	case *DatabaseError:
		return e.Code
	case *ConfigError:
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether err indicates a retryable condition.
func IsRetryable(err error) bool {
	return GetCode(err).Retryable()
}

// IsFatal reports whether err indicates a run-aborting condition.
func IsFatal(err error) bool {
	return GetCode(err).Fatal()
}

// Common constructors used across the scheduler and engines.

// ErrZombieUnsuitable reports that an idle-scan zombie failed suitability.
func ErrZombieUnsuitable(zombie, reason string) *ScanError {
	return (&ScanError{
		Code:      CodeZombieUnsuitable,
		Operation: "verify zombie suitability",
		Target:    zombie,
		Message:   reason,
	}).WithHint("choose a zombie host with a globally incrementing IP-ID and low background traffic")
}

// ErrPermission reports that raw-socket capability is required but absent.
func ErrPermission(operation string) *ScanError {
	return (&ScanError{
		Code:      CodePermission,
		Operation: operation,
		Message:   "raw packet capability required",
	}).WithHint("run with CAP_NET_RAW or as root, or choose the connect scan engine")
}

// ErrResolution reports a hostname-resolution failure for a target.
func ErrResolution(host string, cause error) *ScanError {
	return WrapScanError(CodeResolution, "resolve target", "DNS resolution failed", cause).WithTarget(host, 0)
}

// ErrStorageFatal reports that the async aggregator's writer is giving up.
func ErrStorageFatal(cause error) *DatabaseError {
	return WrapDatabaseError(CodeStorageFatal, "writer exhausted retries", cause)
}
