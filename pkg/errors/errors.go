// Package errors provides a structured error system for pfcache with error codes, categories, and context.
package errors

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Resource Errors
	ErrCodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"
	ErrCodeQueueFull      ErrorCode = "QUEUE_FULL"

	// Storage Backend Errors
	ErrCodeBackendWrite  ErrorCode = "BACKEND_WRITE"
	ErrCodeBackendRead   ErrorCode = "BACKEND_READ"
	ErrCodeBackendDelete ErrorCode = "BACKEND_DELETE"
	ErrCodeBackendStat   ErrorCode = "BACKEND_STAT"

	// Origin Errors
	ErrCodeOriginFetch       ErrorCode = "ORIGIN_FETCH"
	ErrCodeOriginNotFound    ErrorCode = "ORIGIN_NOT_FOUND"
	ErrCodeOriginTimeout     ErrorCode = "ORIGIN_TIMEOUT"
	ErrCodeOriginUnavailable ErrorCode = "ORIGIN_UNAVAILABLE"
	ErrCodeChecksumMismatch  ErrorCode = "CHECKSUM_MISMATCH"

	// Registry / File Errors
	ErrCodeRegistryRaceTimeout ErrorCode = "REGISTRY_RACE_TIMEOUT"
	ErrCodeFileBusy            ErrorCode = "FILE_BUSY"
	ErrCodeFileNotFound        ErrorCode = "FILE_NOT_FOUND"
	ErrCodeNotCached           ErrorCode = "NOT_CACHED"

	// State Errors
	ErrCodeEngineStopped  ErrorCode = "ENGINE_STOPPED"
	ErrCodeAlreadyStarted ErrorCode = "ALREADY_STARTED"

	// Command Errors
	ErrCodeCommandInvalid   ErrorCode = "COMMAND_INVALID"
	ErrCodeCommandsDisabled ErrorCode = "COMMANDS_DISABLED"

	// Internal Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryResource      ErrorCategory = "resource"
	CategoryStorage       ErrorCategory = "storage"
	CategoryOrigin        ErrorCategory = "origin"
	CategoryFile          ErrorCategory = "file"
	CategoryState         ErrorCategory = "state"
	CategoryCommand       ErrorCategory = "command"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinel values for errors.Is comparisons. Matching is by code only.
var (
	ErrBudgetExceeded      = &CacheError{Code: ErrCodeBudgetExceeded}
	ErrBackendWrite        = &CacheError{Code: ErrCodeBackendWrite}
	ErrBackendDelete       = &CacheError{Code: ErrCodeBackendDelete}
	ErrRegistryRaceTimeout = &CacheError{Code: ErrCodeRegistryRaceTimeout}
	ErrInvalidConfig       = &CacheError{Code: ErrCodeInvalidConfig}
	ErrFileBusy            = &CacheError{Code: ErrCodeFileBusy}
	ErrFileNotFound        = &CacheError{Code: ErrCodeFileNotFound}
	ErrNotCached           = &CacheError{Code: ErrCodeNotCached}
	ErrEngineStopped       = &CacheError{Code: ErrCodeEngineStopped}
	ErrChecksumMismatch    = &CacheError{Code: ErrCodeChecksumMismatch}
	ErrOriginNotFound      = &CacheError{Code: ErrCodeOriginNotFound}
	ErrOriginUnavailable   = &CacheError{Code: ErrCodeOriginUnavailable}
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Path      string `json:"path,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CacheError) Is(target error) bool {
	if ce, ok := target.(*CacheError); ok {
		return e.Code == ce.Code
	}
	return false
}

// NewError creates a new cache error with default values.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Errorf is NewError with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "BUDGET_") || strings.HasPrefix(codeStr, "QUEUE_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "BACKEND_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "ORIGIN_") || strings.HasPrefix(codeStr, "CHECKSUM_"):
		return CategoryOrigin
	case strings.HasPrefix(codeStr, "REGISTRY_") || strings.HasPrefix(codeStr, "FILE_") ||
		strings.HasPrefix(codeStr, "NOT_CACHED"):
		return CategoryFile
	case strings.HasPrefix(codeStr, "ENGINE_") || strings.HasPrefix(codeStr, "ALREADY_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "COMMAND"):
		return CategoryCommand
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeBudgetExceeded:      true,
		ErrCodeQueueFull:           true,
		ErrCodeBackendDelete:       true,
		ErrCodeOriginFetch:         true,
		ErrCodeOriginTimeout:       true,
		ErrCodeOriginUnavailable:   true,
		ErrCodeRegistryRaceTimeout: true,
		ErrCodeInternalError:       true,
	}
	return retryableCodes[code]
}

// IsRetryable reports whether err (or anything it wraps) is a retryable CacheError.
func IsRetryable(err error) bool {
	for err != nil {
		if ce, ok := err.(*CacheError); ok {
			return ce.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the code of the first CacheError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	for err != nil {
		if ce, ok := err.(*CacheError); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// WithContext adds contextual information to an error
func (e *CacheError) WithContext(key, value string) *CacheError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithPath sets the logical file path the error refers to
func (e *CacheError) WithPath(path string) *CacheError {
	e.Path = path
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint
func (e *CacheError) WithRetryable(retryable bool) *CacheError {
	e.Retryable = retryable
	return e
}

// GetRecommendation returns an operator-facing hint for fixing the error
func (e *CacheError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check watermark ordering (low < high) and file usage limits (baseline < nominal < max).",
		ErrCodeBudgetExceeded: "The block RAM budget is exhausted. " +
			"Increase cache.ram or lower prefetch and write queue limits.",
		ErrCodeBackendWrite: "Writing a block to local storage failed. " +
			"Check disk space and permissions of the cache directory.",
		ErrCodeBackendDelete: "Removing a cached file failed. It will be retried on the next purge cycle.",
		ErrCodeRegistryRaceTimeout: "A file open waited too long on a concurrent open or purge. " +
			"Retry the request or raise cache.open_wait_timeout.",
		ErrCodeOriginFetch: "Fetching from the origin failed. " +
			"Verify origin endpoint reachability and credentials.",
		ErrCodeOriginUnavailable: "Origin requests are suspended after repeated failures. " +
			"They resume once a trial request succeeds.",
		ErrCodeCommandsDisabled: "Administrative commands are disabled. Set cache.allow_commands to enable them.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Please check the error message for details."
}

// DetailedDiagnostic returns a comprehensive diagnostic message
func (e *CacheError) DetailedDiagnostic() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Error: %s", e.Message))
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))
	parts = append(parts, fmt.Sprintf("Category: %s", e.Category))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component: %s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation: %s", e.Operation))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("Path: %s", e.Path))
	}

	if len(e.Context) > 0 {
		parts = append(parts, "\nContext:")
		for _, k := range slices.Sorted(maps.Keys(e.Context)) {
			parts = append(parts, fmt.Sprintf("  %s: %s", k, e.Context[k]))
		}
	}

	if len(e.Details) > 0 {
		parts = append(parts, "\nDetails:")
		for _, k := range slices.Sorted(maps.Keys(e.Details)) {
			parts = append(parts, fmt.Sprintf("  %s: %v", k, e.Details[k]))
		}
	}

	parts = append(parts, "\nRecommendation:")
	parts = append(parts, "  "+e.GetRecommendation())

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("\nUnderlying cause: %s", e.Cause.Error()))
	}

	return strings.Join(parts, "\n")
}
