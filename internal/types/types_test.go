package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork("")
	require.NoError(t, err)
	assert.Equal(t, NetworkMainnet, n)

	n, err = ParseNetwork(" TestNet ")
	require.NoError(t, err)
	assert.Equal(t, NetworkTestnet, n)

	_, err = ParseNetwork("devnet")
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "INVALID_NETWORK", svcErr.Code)
}

func TestBalanceKey(t *testing.T) {
	k := NewBalanceKey(" u1 ", "0xABCdef", NetworkTestnet)
	assert.Equal(t, "u1:0xabcdef:testnet", k.String())
	assert.NoError(t, k.Validate())

	assert.Error(t, BalanceKey{Address: "0x1", Network: NetworkMainnet}.Validate())
	assert.Error(t, BalanceKey{UserID: "u", Address: "0x1"}.Validate())
}

func TestSnapshotWithSourceCopies(t *testing.T) {
	orig := &BalanceSnapshot{
		Address:    "0xabc",
		Network:    NetworkTestnet,
		Balances:   map[string]string{"AZE-t": "0.500000"},
		CapturedAt: time.Now(),
		Source:     SourceChain,
	}

	tagged := orig.WithSource(SourceSession)
	tagged.Balances["AZE-t"] = "9.000000"

	assert.Equal(t, SourceChain, orig.Source)
	assert.Equal(t, SourceSession, tagged.Source)
	assert.Equal(t, "0.500000", orig.Balances["AZE-t"])
}

func TestSnapshotValidate(t *testing.T) {
	snap := &BalanceSnapshot{Address: "0xabc", Balances: map[string]string{"AZE": "1.000000"}, Source: SourceChain}
	assert.NoError(t, snap.Validate())

	snap.Balances["USDT"] = "-1"
	assert.Error(t, snap.Validate())

	noSource := &BalanceSnapshot{Address: "0xabc", Balances: map[string]string{}}
	assert.Error(t, noSource.Validate())

	var nilSnap *BalanceSnapshot
	assert.True(t, nilSnap.IsEmpty())
	assert.Error(t, nilSnap.Validate())
}

func TestTrackedUserValidate(t *testing.T) {
	u := TrackedUser{
		UserID: "u1",
		Wallets: []TrackedWallet{
			{Address: "0xa", Network: NetworkMainnet},
			{Address: "0xb", Network: NetworkTestnet},
		},
	}
	require.NoError(t, u.Validate())
	assert.Len(t, u.Keys(), 2)

	u.Wallets = append(u.Wallets, TrackedWallet{Address: "0xc", Network: NetworkTestnet})
	assert.Error(t, u.Validate())
}

func TestSourceIsBackup(t *testing.T) {
	assert.True(t, SourceDurable.IsBackup())
	assert.True(t, SourceLastKnown.IsBackup())
	assert.False(t, SourceChain.IsBackup())
	assert.False(t, SourceSharedCache.IsBackup())
	assert.False(t, SourceEmergency.IsBackup())
}
