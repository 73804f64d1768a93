// Package errors defines the error taxonomy shared by the RPC layer, the scanner
// and the deposit pipeline.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryProvider covers chain node failures after failover
	CategoryProvider ErrorCategory = "provider"
	// CategoryTimeout covers RPC deadline overruns
	CategoryTimeout ErrorCategory = "timeout"
	// CategoryInvalidInput covers malformed addresses, hashes and amounts
	CategoryInvalidInput ErrorCategory = "invalid_input"
	// CategoryLock covers lock contention
	CategoryLock ErrorCategory = "lock"
	// CategoryBusiness covers terminal outcomes that need human reconciliation
	CategoryBusiness ErrorCategory = "business"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategorySystem represents everything else
	CategorySystem ErrorCategory = "system"
)

// Error codes. Sentinels below match on these through errors.Is.
const (
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodeTimeout              = "TIMEOUT"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeLockNotAcquired      = "LOCK_NOT_ACQUIRED"
	CodeDuplicateTransaction = "DUPLICATE_TRANSACTION"
	CodeUnknownSender        = "UNKNOWN_SENDER"
	CodeCapRejected          = "CAP_REJECTED"
	CodeDatabase             = "DATABASE_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrProviderUnavailable  = &CategorizedError{Category: CategoryProvider, StatusCode: http.StatusBadGateway, Code: CodeProviderUnavailable, Message: "all providers exhausted"}
	ErrTimeout              = &CategorizedError{Category: CategoryTimeout, StatusCode: http.StatusGatewayTimeout, Code: CodeTimeout, Message: "rpc deadline exceeded"}
	ErrInvalidInput         = &CategorizedError{Category: CategoryInvalidInput, StatusCode: http.StatusBadRequest, Code: CodeInvalidInput, Message: "invalid input"}
	ErrLockNotAcquired      = &CategorizedError{Category: CategoryLock, StatusCode: http.StatusConflict, Code: CodeLockNotAcquired, Message: "lock not acquired"}
	ErrDuplicateTransaction = &CategorizedError{Category: CategoryBusiness, StatusCode: http.StatusOK, Code: CodeDuplicateTransaction, Message: "transaction already processed"}
	ErrUnknownSender        = &CategorizedError{Category: CategoryBusiness, StatusCode: http.StatusUnprocessableEntity, Code: CodeUnknownSender, Message: "sender is not a known user"}
	ErrCapRejected          = &CategorizedError{Category: CategoryBusiness, StatusCode: http.StatusUnprocessableEntity, Code: CodeCapRejected, Message: "deposit limit reached"}
	ErrNotFound             = &CategorizedError{Category: CategoryNotFound, StatusCode: http.StatusNotFound, Code: CodeNotFound, Message: "not found"}
)

// NewTimeoutError wraps a deadline overrun on a provider call.
func NewTimeoutError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTimeout,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeTimeout,
		Message:    fmt.Sprintf("rpc call to %s timed out", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewProviderUnavailableError is returned once every candidate provider failed.
func NewProviderUnavailableError(attempted []string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderUnavailable,
		Message:    fmt.Sprintf("no provider succeeded (tried %d)", len(attempted)),
		Cause:      cause,
		Details: map[string]interface{}{
			"attempted": attempted,
		},
	}
}

// NewInvalidInputError creates a permanent validation error
func NewInvalidInputError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryInvalidInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidInput,
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(field, address string) *CategorizedError {
	e := NewInvalidInputError(field, "not a hex address")
	e.Details["address"] = address
	return e
}

// NewLockNotAcquiredError reports contention on key.
func NewLockNotAcquiredError(key string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLock,
		StatusCode: http.StatusConflict,
		Code:       CodeLockNotAcquired,
		Message:    fmt.Sprintf("lock %s is held by another owner", key),
		Details: map[string]interface{}{
			"key": key,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize returns the first CategorizedError in err's chain, mapping bare
// context errors to timeouts and anything else to an internal error.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("unknown", err)
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether a later scheduler cycle may succeed.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryTimeout, CategoryLock, CategoryDatabase:
		return true
	default:
		return false
	}
}

// IsPermanent reports errors that must never be retried or failed over.
func IsPermanent(err error) bool {
	return stderrors.Is(err, ErrInvalidInput)
}

// Is and As re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
