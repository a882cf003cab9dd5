// Package errors provides structured error handling for docsage.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (vector store, conversation store)
//   - 3XX: Upstream errors (model servers, reranker, web search)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
//   - 6XX: Capacity errors
package errors

import "net/http"

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates vector or conversation store errors.
	CategoryStorage Category = "STORAGE"
	// CategoryUpstream indicates failures of downstream HTTP services.
	CategoryUpstream Category = "UPSTREAM"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
	// CategoryCapacity indicates the service is at its concurrency cap.
	CategoryCapacity Category = "CAPACITY"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates the request cannot proceed at all.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed but the service continues.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeStoreUnavailable  = "ERR_201_VECTOR_STORE_UNAVAILABLE"
	ErrCodeConversationStore = "ERR_202_CONVERSATION_STORE"

	// Upstream errors (300-399)
	ErrCodeNoInstance        = "ERR_301_NO_AVAILABLE_INSTANCE"
	ErrCodeEmbeddingFailed   = "ERR_302_EMBEDDING_FAILED"
	ErrCodeGenerationFailed  = "ERR_303_GENERATION_FAILED"
	ErrCodeGenerationTimeout = "ERR_304_GENERATION_TIMEOUT"
	ErrCodeWebSearchFailed   = "ERR_305_WEB_SEARCH_FAILED"
	ErrCodeRerankFailed      = "ERR_306_RERANK_FAILED"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	ErrCodeQueryEmpty   = "ERR_402_QUERY_EMPTY"
	ErrCodeQueryTooLong = "ERR_403_QUERY_TOO_LONG"
	ErrCodeUnknownModel = "ERR_404_UNKNOWN_MODEL"

	// Internal errors (500-599)
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodeDimensionMismatch = "ERR_502_DIMENSION_MISMATCH"
	ErrCodeContextOverflow   = "ERR_503_CONTEXT_OVERFLOW"
	ErrCodeEmptyCorpus       = "ERR_504_EMPTY_CORPUS"

	// Capacity errors (600-699)
	ErrCodeOverloaded = "ERR_601_OVERLOADED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Numeric portion, e.g. "301" from "ERR_301_NO_AVAILABLE_INSTANCE"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryUpstream
	case '4':
		return CategoryValidation
	case '6':
		return CategoryCapacity
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeDimensionMismatch:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNoInstance, ErrCodeEmbeddingFailed, ErrCodeWebSearchFailed,
		ErrCodeStoreUnavailable, ErrCodeOverloaded:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to the HTTP status code the API surfaces.
// Validation errors map to 400, capacity to 429, upstream unavailability
// to 503, upstream deadlines to 504, and everything else to 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeQueryEmpty, ErrCodeQueryTooLong, ErrCodeUnknownModel:
		return http.StatusBadRequest
	case ErrCodeOverloaded:
		return http.StatusTooManyRequests
	case ErrCodeNoInstance, ErrCodeEmbeddingFailed, ErrCodeGenerationFailed,
		ErrCodeWebSearchFailed, ErrCodeStoreUnavailable, ErrCodeEmptyCorpus:
		return http.StatusServiceUnavailable
	case ErrCodeGenerationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
