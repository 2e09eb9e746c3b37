package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balance-sentinel/internal/adapter"
	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/types"
)

type countingClient struct {
	calls atomic.Int32
}

func (c *countingClient) FetchBalances(ctx context.Context, address string, network types.Network) (*adapter.RawBalances, error) {
	c.calls.Add(1)
	return &adapter.RawBalances{Native: "1", NativeDecimals: 18}, nil
}

func TestBudgetedClient_PassesThroughWithinBudget(t *testing.T) {
	_, client := newTestRedis(t)
	b, _ := frozenBudget(t, client, 10, 4)
	inner := &countingClient{}
	c := NewBudgetedClient("explorer", inner, b, 2, 10*time.Millisecond, nil)

	raw, err := c.FetchBalances(context.Background(), "0xabc", types.NetworkMainnet)
	require.NoError(t, err)
	assert.Equal(t, "1", raw.Native)
	assert.Equal(t, int32(1), inner.calls.Load())

	usage, err := b.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, usage.ReservedUsed)
}

func TestBudgetedClient_RefusesWhenExhausted(t *testing.T) {
	_, client := newTestRedis(t)
	b, _ := frozenBudget(t, client, 3, 2)
	inner := &countingClient{}
	c := NewBudgetedClient("rpc", inner, b, 1, 10*time.Millisecond, nil)

	ctx := WithPriority(context.Background(), PriorityBackground)
	_, err := c.FetchBalances(ctx, "0xabc", types.NetworkMainnet)
	require.NoError(t, err)

	_, err = c.FetchBalances(ctx, "0xabc", types.NetworkMainnet)
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrProviderRateLimit)
	assert.Equal(t, apperrors.CategoryUpstream, apperrors.Categorize(err).Category)
	assert.Equal(t, int32(1), inner.calls.Load(), "refused calls never reach the provider")

	// interactive reads still have their reservation
	_, err = c.FetchBalances(context.Background(), "0xabc", types.NetworkMainnet)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestBudgetedClient_WaitsForNextWindow(t *testing.T) {
	_, client := newTestRedis(t)
	b, err := NewBudget(BudgetConfig{Redis: client, TotalBudget: 1, ReservedBudget: 1, WindowSize: 50 * time.Millisecond})
	require.NoError(t, err)
	inner := &countingClient{}
	c := NewBudgetedClient("explorer", inner, b, 1, time.Second, nil)

	for i := 0; i < 2; i++ {
		_, err := c.FetchBalances(context.Background(), "0xabc", types.NetworkTestnet)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestBudgetedClient_HonoursCancellation(t *testing.T) {
	_, client := newTestRedis(t)
	b, err := NewBudget(BudgetConfig{Redis: client, TotalBudget: 1, ReservedBudget: 1, WindowSize: time.Minute})
	require.NoError(t, err)
	c := NewBudgetedClient("explorer", &countingClient{}, b, 1, 2*time.Minute, nil)

	_, err = c.FetchBalances(context.Background(), "0xabc", types.NetworkTestnet)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.FetchBalances(ctx, "0xabc", types.NetworkTestnet)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
