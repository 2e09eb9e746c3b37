package backup

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/balance-sentinel/internal/types"
)

// SessionTier keeps snapshots in process memory for the lifetime of the
// process (the "session"). Entries expire after ttl.
type SessionTier struct {
	store *cache.Cache
}

// NewSessionTier creates an in-memory tier
func NewSessionTier(ttl time.Duration) *SessionTier {
	return &SessionTier{store: cache.New(ttl, ttl/2+time.Second)}
}

// Source implements Tier
func (t *SessionTier) Source() types.Source { return types.SourceSession }

// Get implements Tier
func (t *SessionTier) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	v, ok := t.store.Get(key.String())
	if !ok {
		return nil, nil
	}
	return v.(*types.BalanceSnapshot).Clone(), nil
}

// Set implements Tier
func (t *SessionTier) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) error {
	t.store.SetDefault(key.String(), snap.Clone())
	return nil
}

// Clear drops every entry, as at session end
func (t *SessionTier) Clear() {
	t.store.Flush()
}
