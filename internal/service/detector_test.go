package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/types"
)

func newTestDetector(t *testing.T, resolver SnapshotResolver, baselines BaselineStore, sink NotificationSink, threshold string) *Detector {
	t.Helper()
	th, err := NewThresholdConfig(threshold)
	require.NoError(t, err)
	return NewDetector(resolver, baselines, sink, th, logging.NewNopLogger())
}

func TestDetector_ColdStartEmitsNothing(t *testing.T) {
	resolver := newScriptedResolver()
	baselines := NewMemoryBaselineStore()
	sink := &recordingSink{}
	d := newTestDetector(t, resolver, baselines, sink, "5")
	key := testnetKey("u1")
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "0.500000"})

	result, err := d.CheckUser(context.Background(), testnetUser("u1"))
	require.NoError(t, err)

	assert.Empty(t, result.Events)
	assert.Empty(t, sink.all())
	require.Len(t, result.Wallets, 1)
	assert.True(t, result.Wallets[0].ColdStart)
	assert.True(t, result.Wallets[0].BaselineStored)

	stored, err := baselines.Load(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "0.500000", stored.Snapshot.Balances["AZE-t"])
	assert.Equal(t, result.CycleID, stored.CycleID)
}

func TestDetector_SignificantIncrease(t *testing.T) {
	resolver := newScriptedResolver()
	sink := &recordingSink{}
	d := newTestDetector(t, resolver, NewMemoryBaselineStore(), sink, "5")
	key := testnetKey("u1")
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "0.500000"})
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "1.500000"})

	_, err := d.CheckUser(context.Background(), testnetUser("u1"))
	require.NoError(t, err)
	result, err := d.CheckUser(context.Background(), testnetUser("u1"))
	require.NoError(t, err)

	events := sink.all()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "AZE-t", ev.Token)
	assert.Equal(t, "0.500000", ev.PreviousAmount)
	assert.Equal(t, "1.500000", ev.CurrentAmount)
	assert.Equal(t, "1.000000", ev.Delta)
	assert.Equal(t, types.DirectionIncrease, ev.Direction)
	assert.Equal(t, result.CycleID, ev.CycleID)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, result.Events, events)
}

func TestDetector_BelowThresholdStillMovesBaseline(t *testing.T) {
	resolver := newScriptedResolver()
	baselines := NewMemoryBaselineStore()
	sink := &recordingSink{}
	d := newTestDetector(t, resolver, baselines, sink, "5")
	key := testnetKey("u1")
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "100.000000"})
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "101.000000"})

	_, _ = d.CheckUser(context.Background(), testnetUser("u1"))
	result, err := d.CheckUser(context.Background(), testnetUser("u1"))
	require.NoError(t, err)

	assert.Empty(t, sink.all())
	assert.Equal(t, 1, result.Wallets[0].Changes)
	stored, _ := baselines.Load(context.Background(), key)
	assert.Equal(t, "101.000000", stored.Snapshot.Balances["AZE-t"])
}

func TestDetector_DiffsAgainstBackupBaseline(t *testing.T) {
	resolver := newScriptedResolver()
	sink := &recordingSink{}
	d := newTestDetector(t, resolver, NewMemoryBaselineStore(), sink, "5")
	key := testnetKey("u1")
	resolver.push(key, types.SourceDurable, map[string]string{"AZE-t": "1.000000"})
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "2.000000"})

	_, _ = d.CheckUser(context.Background(), testnetUser("u1"))
	_, err := d.CheckUser(context.Background(), testnetUser("u1"))
	require.NoError(t, err)

	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, types.SourceDurable, events[0].BaselineSource)
	assert.Equal(t, types.SourceChain, events[0].CurrentSource)
}

func TestDetector_EmergencySnapshotStoresBaselineWithoutEvents(t *testing.T) {
	resolver := newScriptedResolver()
	baselines := NewMemoryBaselineStore()
	sink := &recordingSink{}
	d := newTestDetector(t, resolver, baselines, sink, "5")
	key := testnetKey("u1")
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "3.000000"})
	_, _ = d.CheckUser(context.Background(), testnetUser("u1"))

	resolver.snaps[key.String()] = nil // every source down from now on
	result, err := d.CheckUser(context.Background(), testnetUser("u1"))
	require.NoError(t, err)

	assert.Empty(t, sink.all(), "a drop to the emergency floor is not reported")
	require.Len(t, result.Wallets, 1)
	assert.Equal(t, types.SourceEmergency, result.Wallets[0].Source)
	assert.Equal(t, 1, result.Wallets[0].Changes)
	assert.NotEmpty(t, result.Wallets[0].Skipped)
	assert.True(t, result.Wallets[0].BaselineStored)

	stored, err := baselines.Load(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.SourceEmergency, stored.Snapshot.Source)
	assert.Equal(t, "0.000000", stored.Snapshot.Balances["AZE-t"])

	// recovery is diffed against the emergency baseline
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "3.000000"})
	_, err = d.CheckUser(context.Background(), testnetUser("u1"))
	require.NoError(t, err)
	events := sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, types.SourceEmergency, events[0].BaselineSource)
	assert.Equal(t, types.DirectionIncrease, events[0].Direction)
}

func TestDetector_ColdStartDuringTotalOutage(t *testing.T) {
	resolver := newScriptedResolver() // nothing queued: emergency only
	baselines := NewMemoryBaselineStore()
	sink := &recordingSink{}
	d := newTestDetector(t, resolver, baselines, sink, "5")
	key := testnetKey("u1")

	result, err := d.CheckUser(context.Background(), testnetUser("u1"))
	require.NoError(t, err)

	assert.Empty(t, sink.all())
	require.Len(t, result.Wallets, 1)
	wr := result.Wallets[0]
	assert.Equal(t, types.SourceEmergency, wr.Source)
	assert.True(t, wr.ColdStart)
	assert.True(t, wr.BaselineStored)
	assert.Empty(t, wr.Skipped)

	stored, err := baselines.Load(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, result.CycleID, stored.CycleID)
	assert.Equal(t, types.SourceEmergency, stored.Snapshot.Source)
}

func TestDetector_SinkFailureIsIsolated(t *testing.T) {
	resolver := newScriptedResolver()
	sink := &recordingSink{failFor: map[string]bool{"USDT": true}}
	d := newTestDetector(t, resolver, NewMemoryBaselineStore(), sink, "5")
	key := testnetKey("u1")
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "1.000000", "USDT": "1.000000"})
	resolver.push(key, types.SourceChain, map[string]string{"AZE-t": "2.000000", "USDT": "2.000000"})

	_, _ = d.CheckUser(context.Background(), testnetUser("u1"))
	result, err := d.CheckUser(context.Background(), testnetUser("u1"))
	require.NoError(t, err, "sink failures are not cycle errors")

	assert.Equal(t, 1, result.SinkFailures)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "AZE-t", sink.all()[0].Token)
	assert.True(t, result.Wallets[0].BaselineStored)
}

type failingBaselines struct {
	*MemoryBaselineStore
	failFor string
}

func (f failingBaselines) Store(ctx context.Context, key types.BalanceKey, b *types.Baseline) (bool, error) {
	if key.Network == types.Network(f.failFor) {
		return false, errors.New("redis: OOM")
	}
	return f.MemoryBaselineStore.Store(ctx, key, b)
}

func TestDetector_BaselineErrorDoesNotStopOtherWallets(t *testing.T) {
	resolver := newScriptedResolver()
	baselines := failingBaselines{MemoryBaselineStore: NewMemoryBaselineStore(), failFor: string(types.NetworkMainnet)}
	d := newTestDetector(t, resolver, baselines, &recordingSink{}, "5")

	user := types.TrackedUser{UserID: "u1", Wallets: []types.TrackedWallet{
		{Address: "0x00000000000000000000000000000000000000a1", Network: types.NetworkMainnet},
		{Address: "0x00000000000000000000000000000000000000a2", Network: types.NetworkTestnet},
	}}
	keys := user.Keys()
	resolver.push(keys[0], types.SourceChain, map[string]string{"AZE": "1.000000"})
	resolver.push(keys[1], types.SourceChain, map[string]string{"AZE-t": "1.000000"})

	result, err := d.CheckUser(context.Background(), user)
	require.Error(t, err)
	require.Len(t, result.Wallets, 2)
	assert.NotEmpty(t, result.Wallets[0].Error)
	assert.True(t, result.Wallets[1].BaselineStored)
	assert.Equal(t, StateIdle, d.State("u1"))
}

func TestDetector_RejectsInvalidUser(t *testing.T) {
	d := newTestDetector(t, newScriptedResolver(), NewMemoryBaselineStore(), &recordingSink{}, "5")
	_, err := d.CheckUser(context.Background(), types.TrackedUser{})
	assert.Error(t, err)
}

func TestMemoryBaselineStore_Fencing(t *testing.T) {
	store := NewMemoryBaselineStore()
	ctx := context.Background()
	key := testnetKey("u1")
	now := time.Now()

	applied, err := store.Store(ctx, key, &types.Baseline{Snapshot: snapOf(types.SourceChain, map[string]string{"A": "2.000000"}), CycleID: "new", CycleStartedAt: now})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.Store(ctx, key, &types.Baseline{Snapshot: snapOf(types.SourceChain, map[string]string{"A": "1.000000"}), CycleID: "old", CycleStartedAt: now.Add(-time.Second)})
	require.NoError(t, err)
	assert.False(t, applied)

	got, _ := store.Load(ctx, key)
	assert.Equal(t, "new", got.CycleID)

	_, err = store.Store(ctx, key, nil)
	assert.Error(t, err)
}

func TestDetector_NoDuplicateEvents_Property(t *testing.T) {
	tokens := []string{"AZE-t", "USDT", "DAI", "WETH"}
	properties := gopter.NewProperties(nil)

	properties.Property("each token is emitted at most once per cycle", prop.ForAll(
		func(prev, cur []int64, threshold int64) bool {
			resolver := newScriptedResolver()
			sink := &recordingSink{}
			d := newTestDetector(t, resolver, NewMemoryBaselineStore(), sink, fmt.Sprintf("%d", threshold))
			key := testnetKey("u1")

			toMap := func(vals []int64) map[string]string {
				m := make(map[string]string)
				for i, v := range vals {
					if i < len(tokens) && v > 0 {
						m[tokens[i]] = fmt.Sprintf("%d.000000", v)
					}
				}
				return m
			}
			resolver.push(key, types.SourceChain, toMap(prev))
			resolver.push(key, types.SourceChain, toMap(cur))

			if _, err := d.CheckUser(context.Background(), testnetUser("u1")); err != nil {
				return false
			}
			result, err := d.CheckUser(context.Background(), testnetUser("u1"))
			if err != nil {
				return false
			}

			seen := make(map[string]bool)
			for _, ev := range result.Events {
				if seen[ev.Token] || ev.CycleID != result.CycleID {
					return false
				}
				seen[ev.Token] = true
			}
			return len(result.Events) <= len(tokens) && len(sink.all()) == len(result.Events)
		},
		gen.SliceOfN(4, gen.Int64Range(0, 5)),
		gen.SliceOfN(4, gen.Int64Range(0, 5)),
		gen.Int64Range(0, 300),
	))

	properties.TestingRun(t)
}
