// Package errors provides the structured error system for contentcache with
// error codes, categories, and per-error context.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode identifies a class of cache failure.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeUnknownOption ErrorCode = "UNKNOWN_OPTION"

	// Capacity errors
	ErrCodeOversizeItem  ErrorCode = "OVERSIZE_ITEM"
	ErrCodeCacheFull     ErrorCode = "CACHE_FULL"
	ErrCodeEvictionShort ErrorCode = "EVICTION_SHORT"

	// Storage errors
	ErrCodeIOFailure       ErrorCode = "IO_FAILURE"
	ErrCodeStaleIndexEntry ErrorCode = "STALE_INDEX_ENTRY"
	ErrCodeIndexCorrupt    ErrorCode = "INDEX_CORRUPT"
	ErrCodeKeyNotFound     ErrorCode = "KEY_NOT_FOUND"

	// Memory-mapping errors
	ErrCodeMmapDisabled ErrorCode = "MMAP_DISABLED"
	ErrCodeMmapFailed   ErrorCode = "MMAP_FAILED"

	// Lifecycle errors
	ErrCodeShutdown         ErrorCode = "SHUTDOWN_IN_PROGRESS"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodePrefetchCanceled ErrorCode = "PREFETCH_CANCELED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes by subsystem.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryCapacity      ErrorCategory = "capacity"
	CategoryStorage       ErrorCategory = "storage"
	CategoryMmap          ErrorCategory = "mmap"
	CategoryLifecycle     ErrorCategory = "lifecycle"
	CategoryInternal      ErrorCategory = "internal"
)

// Severity describes the impact of an error.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// CacheError is the structured error type used across the cache tiers.
// Tier-local failures are absorbed at the tier boundary and surface to
// callers only as a miss or a failed put; CacheError carries the detail
// needed for logging and metrics at that boundary.
type CacheError struct {
	Code      ErrorCode              `json:"code"`
	Category  ErrorCategory          `json:"category"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CacheError with the same code.
func (e *CacheError) Is(target error) bool {
	var ce *CacheError
	if errors.As(target, &ce) {
		return e.Code == ce.Code
	}
	return false
}

// WithContext attaches a key/value pair to the error and returns it.
func (e *CacheError) WithContext(key string, value interface{}) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a CacheError with the given code and message.
func New(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  categoryFor(code),
		Severity:  severityFor(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableFor(code),
	}
}

// Newf creates a CacheError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a CacheError wrapping an underlying cause.
func Wrap(cause error, code ErrorCode, message string) *CacheError {
	err := New(code, message)
	err.Cause = cause
	return err
}

// Wrapf creates a wrapping CacheError with a formatted message.
func Wrapf(cause error, code ErrorCode, format string, args ...interface{}) *CacheError {
	return Wrap(cause, code, fmt.Sprintf(format, args...))
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal if err is not
// a CacheError.
func CodeOf(err error) ErrorCode {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err represents a transient condition.
func IsRetryable(err error) bool {
	var ce *CacheError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

func categoryFor(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeUnknownOption:
		return CategoryConfiguration
	case ErrCodeOversizeItem, ErrCodeCacheFull, ErrCodeEvictionShort:
		return CategoryCapacity
	case ErrCodeIOFailure, ErrCodeStaleIndexEntry, ErrCodeIndexCorrupt, ErrCodeKeyNotFound:
		return CategoryStorage
	case ErrCodeMmapDisabled, ErrCodeMmapFailed:
		return CategoryMmap
	case ErrCodeShutdown, ErrCodeOperationTimeout, ErrCodePrefetchCanceled:
		return CategoryLifecycle
	default:
		return CategoryInternal
	}
}

func severityFor(code ErrorCode) Severity {
	switch code {
	case ErrCodeStaleIndexEntry, ErrCodeKeyNotFound, ErrCodePrefetchCanceled:
		return SeverityInfo
	case ErrCodeOversizeItem, ErrCodeCacheFull, ErrCodeEvictionShort, ErrCodeMmapDisabled:
		return SeverityWarning
	case ErrCodeIndexCorrupt, ErrCodeInternal:
		return SeverityCritical
	default:
		return SeverityError
	}
}

func retryableFor(code ErrorCode) bool {
	switch code {
	case ErrCodeIOFailure, ErrCodeOperationTimeout, ErrCodeCacheFull:
		return true
	default:
		return false
	}
}
