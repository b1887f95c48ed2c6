// Package errors provides structured error types for the piper pipeline.
// Every error carries a category and a code so callers can tell data-quality
// rejections apart from operational failures with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryLock       ErrorCategory = "LOCK"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryManifest   ErrorCategory = "MANIFEST"
	ErrCategoryQuarantine ErrorCategory = "QUARANTINE"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryExport     ErrorCategory = "EXPORT"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMissingField = "MISSING_FIELD"
	CodeInvalidField = "INVALID_FIELD"
	CodeClockSkew    = "CLOCK_SKEW"

	// Lock codes
	CodeLocked = "LOCKED"

	// Store codes
	CodeOpenFailed      = "OPEN_FAILED"
	CodeMigrationFailed = "MIGRATION_FAILED"
	CodeInsertFailed    = "INSERT_FAILED"
	CodeQueryFailed     = "QUERY_FAILED"

	// Manifest codes
	CodeRecordFailed = "RECORD_FAILED"

	// Quarantine codes
	CodeWriteFailed = "WRITE_FAILED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Export codes
	CodePublishFailed = "PUBLISH_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PiperError is the structured error type used throughout the pipeline.
type PiperError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *PiperError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PiperError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PiperError) Is(target error) bool {
	var t *PiperError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PiperError.
func New(category ErrorCategory, code, message string) *PiperError {
	return &PiperError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new PiperError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PiperError {
	return &PiperError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PiperError) WithDetails(details map[string]interface{}) *PiperError {
	cp := *e
	cp.Details = details
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PiperError.
func GetCategory(err error) ErrorCategory {
	var pe *PiperError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PiperError.
func GetCode(err error) string {
	var pe *PiperError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsDataQuality reports whether err is a line-level rejection that belongs in
// quarantine rather than aborting the run.
func IsDataQuality(err error) bool {
	return GetCategory(err) == ErrCategoryValidation
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *PiperError {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *PiperError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewManifestError(code, message string, cause error) *PiperError {
	return Wrap(ErrCategoryManifest, code, message, cause)
}

func NewQuarantineError(message string, cause error) *PiperError {
	return Wrap(ErrCategoryQuarantine, CodeWriteFailed, message, cause)
}

func NewConfigError(message string, cause error) *PiperError {
	return Wrap(ErrCategoryConfig, CodeInvalidConfig, message, cause)
}

func NewExportError(code, message string, cause error) *PiperError {
	return Wrap(ErrCategoryExport, code, message, cause)
}

func NewInternalError(message string, cause error) *PiperError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
