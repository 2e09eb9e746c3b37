package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Name: "test-open", MaxFailures: 3, Timeout: time.Hour})
	ctx := context.Background()
	upstream := errors.New("explorer 503")

	calls := 0
	fail := func(ctx context.Context) error {
		calls++
		return upstream
	}

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), upstream)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, calls, "open breaker must not call upstream")
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Name: "test-recover", MaxFailures: 1, Timeout: 20 * time.Millisecond, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker(&Config{Name: "test-cancel", MaxFailures: 1, Timeout: time.Hour})

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cb.Execute(ctx, func(ctx context.Context) error { return nil }), context.Canceled)
}

func TestCircuitBreakerManager(t *testing.T) {
	m := NewCircuitBreakerManager()
	a := m.GetOrCreate("chain:testnet", nil)
	b := m.GetOrCreate("chain:testnet", &Config{MaxFailures: 99})
	assert.Same(t, a, b)

	stats := m.GetAllStats()
	require.Contains(t, stats, "chain:testnet")
	assert.Equal(t, StateClosed, stats["chain:testnet"].State)
}
