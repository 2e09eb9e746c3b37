package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/types"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCacheFromClient(client)
}

func testSnapshot(source types.Source, balances map[string]string) *types.BalanceSnapshot {
	return &types.BalanceSnapshot{
		Address:    "0xabc",
		Network:    types.NetworkTestnet,
		Balances:   balances,
		CapturedAt: time.Now().UTC().Truncate(time.Millisecond),
		Source:     source,
	}
}

func TestGenerateCacheKey(t *testing.T) {
	assert.Equal(t, "config:threshold", GenerateCacheKey(CacheKeyConfig, "Threshold"))
	key := types.NewBalanceKey("User-1", "0xABC", types.NetworkMainnet)
	assert.Equal(t, "balance:User-1:0xabc:mainnet", BalanceCacheKey(key))
}

func TestBalanceCache_SetGet(t *testing.T) {
	mr, rc := newTestRedis(t)
	cache := NewBalanceCache(rc, time.Minute)
	ctx := testContext(t)
	key := types.NewBalanceKey("u1", "0xabc", types.NetworkTestnet)

	t.Run("miss returns nil without error", func(t *testing.T) {
		got, err := cache.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("round trip keeps values and source", func(t *testing.T) {
		snap := testSnapshot(types.SourceChain, map[string]string{"AZE-t": "0.500000"})
		require.NoError(t, cache.Set(ctx, key, snap, 0))

		got, err := cache.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, snap.Balances, got.Balances)
		assert.Equal(t, types.SourceChain, got.Source)
		assert.True(t, snap.CapturedAt.Equal(got.CapturedAt))
	})

	t.Run("entry expires after ttl", func(t *testing.T) {
		assert.Equal(t, time.Minute, mr.TTL(BalanceCacheKey(key)))
		mr.FastForward(2 * time.Minute)

		got, err := cache.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("corrupt entry is an error", func(t *testing.T) {
		require.NoError(t, mr.Set(BalanceCacheKey(key), "{not json"))
		_, err := cache.Get(ctx, key)
		require.Error(t, err)
		catErr := apperrors.Categorize(err)
		assert.Equal(t, apperrors.CategoryCache, catErr.Category)
		assert.Equal(t, "decode", catErr.Details["operation"])
	})

	t.Run("unreachable redis is a cache error", func(t *testing.T) {
		mr.SetError("LOADING")
		defer mr.SetError("")
		_, err := cache.Get(ctx, key)
		require.Error(t, err)
		assert.Equal(t, "CACHE_ERROR", apperrors.Categorize(err).Code)
		assert.True(t, apperrors.IsRetryable(err))

		err = cache.Set(ctx, key, testSnapshot(types.SourceChain, nil), 0)
		require.Error(t, err)
		assert.Equal(t, "set", apperrors.Categorize(err).Details["operation"])
	})
}

func TestRedisBaselineStore_Fencing(t *testing.T) {
	_, rc := newTestRedis(t)
	store := NewRedisBaselineStore(rc, time.Hour)
	ctx := testContext(t)
	key := types.NewBalanceKey("u1", "0xabc", types.NetworkTestnet)

	got, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	t0 := time.Now().UTC()
	newer := &types.Baseline{
		Snapshot:       testSnapshot(types.SourceChain, map[string]string{"AZE-t": "2.000000"}),
		CycleID:        "cycle-2",
		CycleStartedAt: t0,
	}
	older := &types.Baseline{
		Snapshot:       testSnapshot(types.SourceChain, map[string]string{"AZE-t": "1.000000"}),
		CycleID:        "cycle-1",
		CycleStartedAt: t0.Add(-time.Minute),
	}

	applied, err := store.Store(ctx, key, newer)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.Store(ctx, key, older)
	require.NoError(t, err)
	assert.False(t, applied, "a superseded cycle must not overwrite the baseline")

	got, err = store.Load(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cycle-2", got.CycleID)
	assert.Equal(t, "2.000000", got.Snapshot.Balances["AZE-t"])

	later := &types.Baseline{
		Snapshot:       testSnapshot(types.SourceSession, map[string]string{"AZE-t": "3.000000"}),
		CycleID:        "cycle-3",
		CycleStartedAt: t0.Add(time.Minute),
	}
	applied, err = store.Store(ctx, key, later)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestRedisBaselineStore_UserIDKeepsCase(t *testing.T) {
	_, rc := newTestRedis(t)
	store := NewRedisBaselineStore(rc, time.Hour)
	ctx := testContext(t)

	upper := types.NewBalanceKey("User-1", "0xabc", types.NetworkTestnet)
	lower := types.NewBalanceKey("user-1", "0xabc", types.NetworkTestnet)

	applied, err := store.Store(ctx, upper, &types.Baseline{
		Snapshot:       testSnapshot(types.SourceChain, map[string]string{"AZE-t": "1.000000"}),
		CycleID:        "c1",
		CycleStartedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := store.Load(ctx, lower)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisThresholdStore(t *testing.T) {
	mr, rc := newTestRedis(t)
	store := NewRedisThresholdStore(rc)
	ctx := testContext(t)

	_, ok, err := store.LoadThreshold(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveThreshold(ctx, "12.5"))
	got, ok, err := store.LoadThreshold(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "12.5", got)

	stored, err := mr.Get("config:threshold")
	require.NoError(t, err)
	assert.Equal(t, "12.5", stored)
}
