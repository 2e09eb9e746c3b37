package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// frozenBudget returns a budget whose clock stands still at the start of a
// window until the returned advance func moves it.
func frozenBudget(t *testing.T, client redis.Cmdable, total, reserved int) (*Budget, func(time.Duration)) {
	t.Helper()
	b, err := NewBudget(BudgetConfig{
		Redis:          client,
		TotalBudget:    total,
		ReservedBudget: reserved,
		WindowSize:     time.Minute,
	})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, func(d time.Duration) { now = now.Add(d) }
}

func TestNewBudget(t *testing.T) {
	_, client := newTestRedis(t)

	tests := []struct {
		name    string
		cfg     BudgetConfig
		wantErr string
	}{
		{name: "nil redis client", cfg: BudgetConfig{}, wantErr: "redis client is required"},
		{name: "defaults", cfg: BudgetConfig{Redis: client}},
		{name: "custom", cfg: BudgetConfig{Redis: client, TotalBudget: 100, ReservedBudget: 60, WindowSize: 2 * time.Second}},
		{name: "negative total", cfg: BudgetConfig{Redis: client, TotalBudget: -1}, wantErr: "total budget cannot be negative"},
		{name: "reserved exceeds total", cfg: BudgetConfig{Redis: client, TotalBudget: 5, ReservedBudget: 6}, wantErr: "cannot exceed total budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBudget(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, b.totalBudget, b.reservedBudget+b.sharedBudget)
		})
	}

	t.Run("small total clamps the default reservation", func(t *testing.T) {
		b, err := NewBudget(BudgetConfig{Redis: client, TotalBudget: 4})
		require.NoError(t, err)
		assert.Equal(t, 4, b.reservedBudget)
		assert.Equal(t, 0, b.sharedBudget)
	})
}

func TestBudget_Pools(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	b, advance := frozenBudget(t, client, 5, 3)

	for i := 0; i < 3; i++ {
		ok, _, err := b.TryConsume(ctx, 1, PriorityInteractive)
		require.NoError(t, err)
		require.True(t, ok, "interactive call %d", i)
	}
	ok, wait, err := b.TryConsume(ctx, 1, PriorityInteractive)
	require.NoError(t, err)
	assert.False(t, ok, "reserved pool is spent")
	assert.Greater(t, wait, 59*time.Second)

	// background work still has the shared pool
	ok, _, err = b.TryConsume(ctx, 2, PriorityBackground)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = b.TryConsume(ctx, 1, PriorityBackground)
	require.NoError(t, err)
	assert.False(t, ok, "total is spent")

	usage, err := b.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, usage.TotalUsed)
	assert.Equal(t, 3, usage.ReservedUsed)
	assert.Equal(t, 2, usage.SharedUsed)

	advance(time.Minute)
	ok, _, err = b.TryConsume(ctx, 1, PriorityBackground)
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts empty")
}

func TestBudget_BackgroundCannotTakeReserved(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	b, _ := frozenBudget(t, client, 4, 3)

	ok, _, err := b.TryConsume(ctx, 1, PriorityBackground)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = b.TryConsume(ctx, 1, PriorityBackground)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = b.TryConsume(ctx, 3, PriorityInteractive)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBudget_ZeroUnitsAlwaysAllowed(t *testing.T) {
	_, client := newTestRedis(t)
	b, _ := frozenBudget(t, client, 1, 1)

	ok, wait, err := b.TryConsume(context.Background(), 0, PriorityBackground)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestBudget_RedisDownDenies(t *testing.T) {
	mr, client := newTestRedis(t)
	b, _ := frozenBudget(t, client, 5, 3)
	mr.Close()

	ok, wait, err := b.TryConsume(context.Background(), 1, PriorityInteractive)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Positive(t, wait)
}

func TestPriorityFromContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, PriorityInteractive, PriorityFrom(ctx))
	assert.Equal(t, PriorityBackground, PriorityFrom(WithPriority(ctx, PriorityBackground)))
	assert.Equal(t, "background", PriorityBackground.String())
	assert.Equal(t, "unknown", Priority(7).String())
}
