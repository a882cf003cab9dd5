package errors

import (
	"fmt"
)

// SageError is the structured error type for docsage.
// It provides rich context for error handling, logging, and HTTP mapping.
type SageError struct {
	// Code is the unique error code (e.g., "ERR_301_NO_AVAILABLE_INSTANCE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Upstream, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *SageError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *SageError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with SageError.
func (e *SageError) Is(target error) bool {
	if t, ok := target.(*SageError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *SageError) WithDetail(key, value string) *SageError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new SageError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *SageError {
	return &SageError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a SageError from an existing error.
// The error's message becomes the SageError message.
func Wrap(code string, err error) *SageError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *SageError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *SageError {
	return New(ErrCodeInvalidInput, message, cause)
}

// UpstreamError creates an error for a failed downstream service call.
func UpstreamError(code string, service string, cause error) *SageError {
	e := New(code, fmt.Sprintf("%s request failed", service), cause)
	return e.WithDetail("service", service)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *SageError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a SageError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*SageError); ok {
		return se.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors abort the current request without retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*SageError); ok {
		return se.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a SageError anywhere in the chain.
// Returns empty string if no SageError is found.
func GetCode(err error) string {
	for err != nil {
		if se, ok := err.(*SageError); ok {
			return se.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// GetCategory extracts the category from a SageError.
// Returns empty string if not a SageError.
func GetCategory(err error) Category {
	if se, ok := err.(*SageError); ok {
		return se.Category
	}
	return ""
}
