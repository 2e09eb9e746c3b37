package backup

import (
	"context"
	"sync"
	"time"

	"github.com/balance-sentinel/internal/types"
)

// memTier is an in-memory tier with injectable failures
type memTier struct {
	mu       sync.Mutex
	source   types.Source
	data     map[string]*types.BalanceSnapshot
	getErr   error
	setErr   error
	panicGet bool
	block    chan struct{} // when set, Set waits on it
	sets     int
}

func newMemTier(source types.Source) *memTier {
	return &memTier{source: source, data: make(map[string]*types.BalanceSnapshot)}
}

func (m *memTier) Source() types.Source { return m.source }

func (m *memTier) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	if m.panicGet {
		panic("tier exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.data[key.String()].Clone(), nil
}

func (m *memTier) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key.String()] = snap.Clone()
	return nil
}

func (m *memTier) stored(key types.BalanceKey) *types.BalanceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key.String()]
}

// memCache is an in-memory SharedCache
type memCache struct {
	mu   sync.Mutex
	data map[string]*types.BalanceSnapshot
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]*types.BalanceSnapshot)}
}

func (c *memCache) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.data[key.String()].Clone(), nil
}

func (c *memCache) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.data[key.String()] = snap.Clone()
	return nil
}

func testKey() types.BalanceKey {
	return types.NewBalanceKey("u1", "0xabc", types.NetworkTestnet)
}

func chainSnapshot(balances map[string]string) *types.BalanceSnapshot {
	return &types.BalanceSnapshot{
		Address:    "0xabc",
		Network:    types.NetworkTestnet,
		Balances:   balances,
		CapturedAt: time.Now().UTC(),
		Source:     types.SourceChain,
	}
}
