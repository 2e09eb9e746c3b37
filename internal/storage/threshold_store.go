package storage

import (
	"context"
	"errors"
	"fmt"
)

var thresholdKey = GenerateCacheKey(CacheKeyConfig, "threshold")

// RedisThresholdStore keeps the admin-set change threshold in Redis so every
// process and restart sees the same value
type RedisThresholdStore struct {
	redis *RedisCache
}

// NewRedisThresholdStore creates a Redis-backed threshold store
func NewRedisThresholdStore(redis *RedisCache) *RedisThresholdStore {
	return &RedisThresholdStore{redis: redis}
}

// LoadThreshold returns the saved percent; ok is false when none was saved
func (s *RedisThresholdStore) LoadThreshold(ctx context.Context) (string, bool, error) {
	data, err := s.redis.Get(ctx, thresholdKey)
	if errors.Is(err, ErrCacheMiss) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load threshold: %w", err)
	}
	return string(data), true, nil
}

// SaveThreshold stores percent without expiry
func (s *RedisThresholdStore) SaveThreshold(ctx context.Context, percent string) error {
	if err := s.redis.Set(ctx, thresholdKey, percent, 0); err != nil {
		return fmt.Errorf("failed to save threshold: %w", err)
	}
	return nil
}
