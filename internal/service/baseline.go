package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/balance-sentinel/internal/types"
)

// BaselineStore keeps the last snapshot each key was diffed against.
// Store must not replace a baseline written by a newer cycle; it reports
// whether the write was applied.
type BaselineStore interface {
	Load(ctx context.Context, key types.BalanceKey) (*types.Baseline, error)
	Store(ctx context.Context, key types.BalanceKey, b *types.Baseline) (bool, error)
}

// MemoryBaselineStore is an in-process BaselineStore for single-instance
// deployments and tests
type MemoryBaselineStore struct {
	mu        sync.Mutex
	baselines map[string]types.Baseline
}

// NewMemoryBaselineStore creates an empty store
func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{baselines: make(map[string]types.Baseline)}
}

// Load returns a copy of the stored baseline or (nil, nil)
func (m *MemoryBaselineStore) Load(ctx context.Context, key types.BalanceKey) (*types.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.baselines[key.String()]
	if !ok {
		return nil, nil
	}
	b.Snapshot = b.Snapshot.Clone()
	return &b, nil
}

// Store saves b unless the stored baseline comes from a later cycle
func (m *MemoryBaselineStore) Store(ctx context.Context, key types.BalanceKey, b *types.Baseline) (bool, error) {
	if b == nil || b.Snapshot == nil {
		return false, fmt.Errorf("refusing to store empty baseline")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.baselines[key.String()]; ok && cur.CycleStartedAt.After(b.CycleStartedAt) {
		return false, nil
	}
	stored := *b
	stored.Snapshot = b.Snapshot.Clone()
	m.baselines[key.String()] = stored
	return true, nil
}
