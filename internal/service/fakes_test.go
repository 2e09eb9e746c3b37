package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/balance-sentinel/internal/adapter"
	"github.com/balance-sentinel/internal/types"
)

// fakeChain is a ChainClient with injectable failures and latency
type fakeChain struct {
	mu    sync.Mutex
	raw   *adapter.RawBalances
	err   error
	delay time.Duration
	gate  chan struct{} // when set, fetches wait on it
	calls int32
}

func (f *fakeChain) FetchBalances(ctx context.Context, address string, network types.Network) (*adapter.RawBalances, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.raw, nil
}

func (f *fakeChain) set(raw *adapter.RawBalances, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw, f.err = raw, err
}

func (f *fakeChain) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

// rawNative returns raw balances of whole native coins on an 18 decimal chain
func rawNative(native string) *adapter.RawBalances {
	return &adapter.RawBalances{Native: native + "000000000000000000", NativeDecimals: 18}
}

var errChainDown = errors.New("explorer unreachable")

// stubTier is a backup tier with injectable failures
type stubTier struct {
	mu       sync.Mutex
	source   types.Source
	data     map[string]*types.BalanceSnapshot
	getErr   error
	panicGet bool
}

func newStubTier(source types.Source) *stubTier {
	return &stubTier{source: source, data: make(map[string]*types.BalanceSnapshot)}
}

func (s *stubTier) Source() types.Source { return s.source }

func (s *stubTier) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	if s.panicGet {
		panic("tier exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.data[key.String()].Clone(), nil
}

func (s *stubTier) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key.String()] = snap.Clone()
	return nil
}

// stubCache is an in-memory SharedCache
type stubCache struct {
	mu   sync.Mutex
	data map[string]*types.BalanceSnapshot
	err  error
}

func newStubCache() *stubCache {
	return &stubCache{data: make(map[string]*types.BalanceSnapshot)}
}

func (c *stubCache) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.data[key.String()].Clone(), nil
}

func (c *stubCache) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.data[key.String()] = snap.Clone()
	return nil
}

// recordingSink collects emitted events; failFor makes Emit fail for a token
type recordingSink struct {
	mu      sync.Mutex
	events  []types.ChangeEvent
	failFor map[string]bool
}

func (s *recordingSink) Emit(ctx context.Context, event types.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[event.Token] {
		return errors.New("push gateway down")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) all() []types.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ChangeEvent, len(s.events))
	copy(out, s.events)
	return out
}

// scriptedResolver returns queued snapshots in order, repeating the last one
type scriptedResolver struct {
	mu    sync.Mutex
	snaps map[string][]*types.BalanceSnapshot
}

func newScriptedResolver() *scriptedResolver {
	return &scriptedResolver{snaps: make(map[string][]*types.BalanceSnapshot)}
}

func (r *scriptedResolver) push(key types.BalanceKey, source types.Source, balances map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps[key.String()] = append(r.snaps[key.String()], &types.BalanceSnapshot{
		Address:    key.Address,
		Network:    key.Network,
		Balances:   balances,
		CapturedAt: time.Now().UTC(),
		Source:     source,
	})
}

func (r *scriptedResolver) Resolve(ctx context.Context, key types.BalanceKey) *types.BalanceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.snaps[key.String()]
	if len(queue) == 0 {
		return EmergencySnapshot(key, time.Now())
	}
	snap := queue[0]
	if len(queue) > 1 {
		r.snaps[key.String()] = queue[1:]
	}
	return snap.Clone()
}

func testnetKey(user string) types.BalanceKey {
	return types.NewBalanceKey(user, "0x00000000000000000000000000000000000000a1", types.NetworkTestnet)
}

func testnetUser(user string) types.TrackedUser {
	key := testnetKey(user)
	return types.TrackedUser{
		UserID:  user,
		Wallets: []types.TrackedWallet{{Address: key.Address, Network: key.Network}},
	}
}
