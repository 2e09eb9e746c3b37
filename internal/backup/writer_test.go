package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/types"
)

func TestWriter_TierFailureIsolation(t *testing.T) {
	key := testKey()
	cache := newMemCache()
	session := newMemTier(types.SourceSession)
	durable := newMemTier(types.SourceDurable)
	durable.setErr = errors.New("QuotaExceededError: storage quota exceeded")
	lastKnown := newMemTier(types.SourceLastKnown)

	w := NewWriter(cache, []Tier{session, durable, ChainSourcedOnly(lastKnown)}, WriterConfig{}, logging.NewNopLogger())
	snap := chainSnapshot(map[string]string{"AZE-t": "0.500000"})

	w.Persist(key, snap)
	w.Wait()

	assert.NotNil(t, session.stored(key), "session write succeeds despite durable failure")
	assert.NotNil(t, lastKnown.stored(key))
	assert.Nil(t, durable.stored(key))

	cached, err := cache.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, snap.Balances, cached.Balances)
}

func TestWriter_PersistDoesNotBlock(t *testing.T) {
	slow := newMemTier(types.SourceDurable)
	slow.block = make(chan struct{})
	w := NewWriter(nil, []Tier{slow}, WriterConfig{Timeout: time.Second}, logging.NewNopLogger())

	start := time.Now()
	w.Persist(testKey(), chainSnapshot(map[string]string{"AZE-t": "1.000000"}))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(slow.block)
	w.Wait()
	assert.NotNil(t, slow.stored(testKey()))
}

func TestWriter_PanickingTierIsContained(t *testing.T) {
	session := newMemTier(types.SourceSession)
	w := NewWriter(nil, []Tier{panicTier{}, session}, WriterConfig{}, logging.NewNopLogger())

	results := w.PersistSync(context.Background(), testKey(), chainSnapshot(map[string]string{"AZE-t": "1.000000"}))

	assert.Error(t, results[types.SourceLocal])
	assert.NoError(t, results[types.SourceSession])
	assert.NotNil(t, session.stored(testKey()))
}

func TestWriter_LastKnownRejectsBackupData(t *testing.T) {
	lastKnown := newMemTier(types.SourceLastKnown)
	w := NewWriter(nil, []Tier{ChainSourcedOnly(lastKnown)}, WriterConfig{}, logging.NewNopLogger())

	snap := chainSnapshot(map[string]string{"AZE-t": "1.000000"}).WithSource(types.SourceSession)
	results := w.PersistSync(context.Background(), testKey(), snap)

	assert.ErrorIs(t, results[types.SourceLastKnown], ErrNotChainSourced)
	assert.Nil(t, lastKnown.stored(testKey()))
}

func TestWriter_CloseStopsNewWrites(t *testing.T) {
	session := newMemTier(types.SourceSession)
	w := NewWriter(nil, []Tier{session}, WriterConfig{}, logging.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	w.Persist(testKey(), chainSnapshot(map[string]string{"AZE-t": "1.000000"}))
	w.Wait()
	assert.Nil(t, session.stored(testKey()))
}

type panicTier struct{}

func (panicTier) Source() types.Source { return types.SourceLocal }

func (panicTier) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	panic("boom")
}

func (panicTier) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) error {
	panic("boom")
}
