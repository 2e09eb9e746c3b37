package adapter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balance-sentinel/internal/types"
)

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw := &RawBalances{
		Native:         "1999999999999999999",
		NativeDecimals: 18,
		Tokens: []RawToken{
			{Symbol: "USDT", Decimals: 6, BalanceRaw: "2500000"},
			{Symbol: "USDT", Decimals: 6, BalanceRaw: "9000000"},
			{Symbol: "BAD", Decimals: -1, BalanceRaw: "1"},
			{Symbol: "NEG", Decimals: 6, BalanceRaw: "-5"},
			{Symbol: " ", Decimals: 6, BalanceRaw: "5"},
		},
	}

	snap, err := Normalize("0xABC", types.NetworkTestnet, "AZE-t", raw, now)
	require.NoError(t, err)

	assert.Equal(t, "0xabc", snap.Address)
	assert.Equal(t, types.NetworkTestnet, snap.Network)
	assert.Equal(t, types.SourceChain, snap.Source)
	assert.Equal(t, now, snap.CapturedAt)
	assert.Equal(t, map[string]string{
		"AZE-t": "1.999999", // truncated, never rounded up
		"USDT":  "2.500000",
	}, snap.Balances)
	assert.NoError(t, snap.Validate())
}

func TestNormalize_RejectsBadNative(t *testing.T) {
	_, err := Normalize("0xabc", types.NetworkMainnet, "AZE", &RawBalances{Native: "abc", NativeDecimals: 18}, time.Now())
	assert.True(t, errors.Is(err, ErrMalformedResponse))

	_, err = Normalize("0xabc", types.NetworkMainnet, "AZE", nil, time.Now())
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}
