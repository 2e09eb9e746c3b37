package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/balance-sentinel/internal/types"
)

func TestCategorize(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Categorize(nil))
	})

	t.Run("wrapped categorized error is found", func(t *testing.T) {
		inner := NewTierError("durable", "set", fmt.Errorf("quota exceeded"))
		wrapped := fmt.Errorf("persist: %w", inner)

		got := Categorize(wrapped)
		assert.Same(t, inner, got)
		assert.Equal(t, CategoryTier, got.Category)
	})

	t.Run("service error maps to status", func(t *testing.T) {
		got := Categorize(&types.ServiceError{Code: "INVALID_NETWORK", Message: "bad"})
		assert.Equal(t, http.StatusBadRequest, got.StatusCode)
		assert.Equal(t, CategoryValidation, got.Category)
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		got := Categorize(fmt.Errorf("boom"))
		assert.Equal(t, CategorySystem, got.Category)
		assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewUpstreamTimeoutError("explorer")))
	assert.True(t, IsRetryable(NewDeliveryError("push", nil)))
	assert.False(t, IsRetryable(NewConfigurationError("percentChangeThreshold", "must be >= 0")))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(NewUnauthorizedError("invalid admin token")))
	assert.False(t, IsRetryable(fmt.Errorf("boom")))
	assert.True(t, IsRetryable(fmt.Errorf("fetch: %w", NewUpstreamError("explorer", nil))))
	assert.True(t, IsRetryable(NewCacheError("get", nil)))
}
