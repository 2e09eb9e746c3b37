package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *RetryConfig {
	return &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestWithExponentialBackoff(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		res := WithExponentialBackoff(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
			calls++
			if attempt < 3 {
				return errors.New("429")
			}
			return nil
		})
		assert.True(t, res.Success)
		assert.Equal(t, 3, res.Attempts)
		assert.NoError(t, res.LastError)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		cfg := fastConfig()
		permanent := errors.New("invalid address")
		cfg.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

		res := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
			return permanent
		})
		assert.False(t, res.Success)
		assert.Equal(t, 1, res.Attempts)
		assert.ErrorIs(t, res.LastError, permanent)
	})

	t.Run("does not sleep past the deadline", func(t *testing.T) {
		cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		res := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
			return errors.New("timeout")
		})
		assert.False(t, res.Success)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestDo(t *testing.T) {
	err := Do(context.Background(), fastConfig(), func(ctx context.Context, attempt int) error {
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(cfg, 2))
	assert.Equal(t, 300*time.Millisecond, calculateDelay(cfg, 3))
}
