package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/types"
)

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyBalance is for live balance snapshots
	CacheKeyBalance CacheKeyType = "balance"
	// CacheKeyLastObserved is for detector baselines, kept apart from live data
	CacheKeyLastObserved CacheKeyType = "lastobserved"
	// CacheKeyConfig is for runtime settings changed through the admin API
	CacheKeyConfig CacheKeyType = "config"
)

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, param := range params {
		parts = append(parts, strings.ToLower(param))
	}
	return strings.Join(parts, ":")
}

// BalanceCacheKey returns balance:<user>:<address>:<network>.
// The user id keeps its case; only address and network are normalized.
func BalanceCacheKey(key types.BalanceKey) string {
	return string(CacheKeyBalance) + ":" + key.String()
}

// BalanceCache is the cross-process shared cache of the last successfully
// fetched snapshot per (user, address, network).
type BalanceCache struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewBalanceCache creates a new shared balance cache
func NewBalanceCache(redis *RedisCache, ttl time.Duration) *BalanceCache {
	return &BalanceCache{
		redis: redis,
		ttl:   ttl,
	}
}

// TTL returns the default entry lifetime
func (c *BalanceCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached snapshot, or (nil, nil) on a miss
func (c *BalanceCache) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	data, err := c.redis.Get(ctx, BalanceCacheKey(key))
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewCacheError("get", err)
	}

	var snap types.BalanceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, apperrors.NewCacheError("decode", err)
	}
	return &snap, nil
}

// Set stores the snapshot, refreshing the entry's TTL.
// A zero ttl uses the cache default.
func (c *BalanceCache) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot, ttl time.Duration) error {
	if snap == nil {
		return fmt.Errorf("refusing to cache nil snapshot")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return apperrors.NewCacheError("encode", err)
	}
	if err := c.redis.Set(ctx, BalanceCacheKey(key), data, ttl); err != nil {
		return apperrors.NewCacheError("set", err)
	}
	return nil
}

// Invalidate removes the cached snapshot for key
func (c *BalanceCache) Invalidate(ctx context.Context, key types.BalanceKey) error {
	return c.redis.Del(ctx, BalanceCacheKey(key))
}
