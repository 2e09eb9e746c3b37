package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/balance-sentinel/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUpstream represents chain explorer / RPC failures.
	// Recovered by falling through to the next resolution step.
	CategoryUpstream ErrorCategory = "upstream"
	// CategoryTier represents a backup tier that could not be read or written
	CategoryTier ErrorCategory = "tier"
	// CategoryCache represents shared cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents rejected configuration or request input
	CategoryValidation ErrorCategory = "validation"
	// CategoryDelivery represents notification sink failures
	CategoryDelivery ErrorCategory = "delivery"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents everything else (5xx)
	CategorySystem ErrorCategory = "system"
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

// Validation / request errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewConfigurationError reports a rejected runtime configuration change.
// The previous value stays in effect.
func NewConfigurationError(setting string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_CONFIGURATION",
		Message:    fmt.Sprintf("invalid value for %s: %s", setting, reason),
		Details: map[string]interface{}{
			"setting": setting,
			"reason":  reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// System errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewTierError reports a backup tier read or write failure
func NewTierError(tier string, operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTier,
		StatusCode: http.StatusInternalServerError,
		Code:       "TIER_UNAVAILABLE",
		Message:    fmt.Sprintf("backup tier %s failed during %s", tier, operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"tier":      tier,
			"operation": operation,
		},
	}
}

// NewDeliveryError reports a notification sink failure
func NewDeliveryError(sink string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDelivery,
		StatusCode: http.StatusBadGateway,
		Code:       "DELIVERY_FAILED",
		Message:    fmt.Sprintf("notification delivery failed: %s", sink),
		Cause:      cause,
		Details: map[string]interface{}{
			"sink": sink,
		},
	}
}

// Upstream (chain) errors

// NewUpstreamError creates a chain provider error
func NewUpstreamError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusBadGateway,
		Code:       "UPSTREAM_UNAVAILABLE",
		Message:    fmt.Sprintf("chain provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewUpstreamTimeoutError creates a chain provider timeout error
func NewUpstreamTimeoutError(provider string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUpstream,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "UPSTREAM_TIMEOUT",
		Message:    fmt.Sprintf("chain provider timeout: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}

	switch err.Code {
	case "INVALID_PARAMETER", "INVALID_CONFIGURATION", "INVALID_NETWORK":
		out.Category = CategoryValidation
		out.StatusCode = http.StatusBadRequest
	case "USER_NOT_FOUND", "NOT_FOUND":
		out.Category = CategoryNotFound
		out.StatusCode = http.StatusNotFound
	case "UNAUTHORIZED":
		out.Category = CategoryAuthorization
		out.StatusCode = http.StatusUnauthorized
	}
	return out
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryUpstream, CategoryTier, CategoryCache, CategoryDelivery:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}
