package service

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balance-sentinel/internal/types"
)

func snapOf(source types.Source, balances map[string]string) *types.BalanceSnapshot {
	return &types.BalanceSnapshot{Address: "0xabc", Network: types.NetworkTestnet, Balances: balances, Source: source}
}

func TestIsSignificant(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		name      string
		previous  string
		current   string
		threshold string
		want      bool
	}{
		{"tripled balance at 5%", "0.5", "1.5", "5", true},
		{"zero to positive always counts", "0", "0.000001", "1000000", true},
		{"positive to zero is a 100% drop", "2", "0", "100", true},
		{"below threshold", "100", "104.999999", "5", false},
		{"exactly at threshold", "100", "105", "5", true},
		{"decrease at threshold", "100", "95", "5", true},
		{"no change", "1", "1", "0", false},
		{"zero threshold catches any move", "1000", "1000.000001", "0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSignificant(d(tt.previous), d(tt.current), d(tt.threshold)))
		})
	}
}

func TestDiff(t *testing.T) {
	prev := snapOf(types.SourceChain, map[string]string{"AZE-t": "0.500000", "USDT": "10.000000", "OLD": "1.000000"})
	cur := snapOf(types.SourceChain, map[string]string{"AZE-t": "1.500000", "USDT": "10.000000", "NEW": "2.000000"})

	deltas := Diff(prev, cur, decimal.NewFromInt(5))
	require.Len(t, deltas, 3)

	assert.Equal(t, "AZE-t", deltas[0].Token)
	assert.Equal(t, "1", deltas[0].Delta.String())
	assert.Equal(t, types.DirectionIncrease, deltas[0].Direction())
	assert.True(t, deltas[0].Significant)

	assert.Equal(t, "NEW", deltas[1].Token)
	assert.True(t, deltas[1].Previous.IsZero())
	assert.True(t, deltas[1].Significant)

	assert.Equal(t, "OLD", deltas[2].Token)
	assert.Equal(t, types.DirectionDecrease, deltas[2].Direction())
	assert.True(t, deltas[2].Current.IsZero())
}

func TestDiff_NilSides(t *testing.T) {
	cur := snapOf(types.SourceChain, map[string]string{"AZE-t": "1.000000"})
	assert.Len(t, Diff(nil, cur, decimal.Zero), 1)
	assert.Len(t, Diff(cur, nil, decimal.Zero), 1)
	assert.Empty(t, Diff(nil, nil, decimal.Zero))
}

func TestThresholdMonotonicity_Property(t *testing.T) {
	properties := gopter.NewProperties(nil)
	micro := func(v int64) decimal.Decimal { return decimal.New(v, -6) }

	properties.Property("raising the threshold never adds events", prop.ForAll(
		func(prev, cur, low, extra int64) bool {
			previous, current := micro(prev), micro(cur)
			lowT := decimal.New(low, -2)
			highT := lowT.Add(decimal.New(extra, -2))
			if IsSignificant(previous, current, highT) && !IsSignificant(previous, current, lowT) {
				return false
			}

			p := snapOf(types.SourceChain, map[string]string{"T": previous.StringFixed(6)})
			c := snapOf(types.SourceChain, map[string]string{"T": current.StringFixed(6)})
			return countSignificant(Diff(p, c, highT)) <= countSignificant(Diff(p, c, lowT))
		},
		gen.Int64Range(0, 50_000_000),
		gen.Int64Range(0, 50_000_000),
		gen.Int64Range(0, 20_000),
		gen.Int64Range(0, 20_000),
	))

	properties.TestingRun(t)
}

func countSignificant(deltas []TokenDelta) int {
	n := 0
	for _, d := range deltas {
		if d.Significant {
			n++
		}
	}
	return n
}
