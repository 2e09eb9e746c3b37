package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/balance-sentinel/internal/types"
)

// fencedSetScript writes a baseline only when the stored one does not come
// from a newer cycle. Returns 1 when applied, 0 when fenced off.
var fencedSetScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'at', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisBaselineStore keeps detector baselines in Redis under lastobserved:<key>
type RedisBaselineStore struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewRedisBaselineStore creates a Redis-backed baseline store
func NewRedisBaselineStore(redis *RedisCache, ttl time.Duration) *RedisBaselineStore {
	return &RedisBaselineStore{redis: redis, ttl: ttl}
}

func baselineKey(key types.BalanceKey) string {
	return string(CacheKeyLastObserved) + ":" + key.String()
}

// Load returns the stored baseline or (nil, nil) when none exists
func (s *RedisBaselineStore) Load(ctx context.Context, key types.BalanceKey) (*types.Baseline, error) {
	data, err := s.redis.Client().HGet(ctx, baselineKey(key), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	var b types.Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
	}
	return &b, nil
}

// Store saves the baseline unless a newer cycle already stored one.
// The returned bool reports whether the write was applied.
func (s *RedisBaselineStore) Store(ctx context.Context, key types.BalanceKey, b *types.Baseline) (bool, error) {
	if b == nil || b.Snapshot == nil {
		return false, fmt.Errorf("refusing to store empty baseline")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("failed to marshal baseline: %w", err)
	}

	applied, err := fencedSetScript.Run(ctx, s.redis.Client(),
		[]string{baselineKey(key)},
		b.CycleStartedAt.UnixMilli(), data, s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to store baseline: %w", err)
	}
	return applied == 1, nil
}
