package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/balance-sentinel/internal/amount"
	"github.com/balance-sentinel/internal/types"
)

var hundred = decimal.NewFromInt(100)

// TokenDelta is the change of one token between two snapshots
type TokenDelta struct {
	Token       string
	Previous    decimal.Decimal
	Current     decimal.Decimal
	Delta       decimal.Decimal // current - previous
	Significant bool
}

// Direction returns increase for a positive delta, decrease otherwise
func (d TokenDelta) Direction() types.Direction {
	if d.Delta.IsPositive() {
		return types.DirectionIncrease
	}
	return types.DirectionDecrease
}

// Diff compares two snapshots over the union of their tokens; a token absent
// from one side counts as zero. Only tokens with a nonzero delta are
// returned, sorted by symbol. Unparseable amounts are read as zero.
func Diff(previous, current *types.BalanceSnapshot, thresholdPercent decimal.Decimal) []TokenDelta {
	symbols := make(map[string]struct{})
	if previous != nil {
		for sym := range previous.Balances {
			symbols[sym] = struct{}{}
		}
	}
	if current != nil {
		for sym := range current.Balances {
			symbols[sym] = struct{}{}
		}
	}

	tokens := make([]string, 0, len(symbols))
	for sym := range symbols {
		tokens = append(tokens, sym)
	}
	sort.Strings(tokens)

	var out []TokenDelta
	for _, sym := range tokens {
		prev := balanceOf(previous, sym)
		cur := balanceOf(current, sym)
		delta := cur.Sub(prev)
		if delta.IsZero() {
			continue
		}
		out = append(out, TokenDelta{
			Token:       sym,
			Previous:    prev,
			Current:     cur,
			Delta:       delta,
			Significant: IsSignificant(prev, cur, thresholdPercent),
		})
	}
	return out
}

// IsSignificant applies the change rule: a move from zero to a positive
// balance always counts; otherwise |delta| / max(previous, epsilon) * 100
// must reach thresholdPercent.
func IsSignificant(previous, current, thresholdPercent decimal.Decimal) bool {
	delta := current.Sub(previous)
	if delta.IsZero() {
		return false
	}
	if previous.IsZero() && current.IsPositive() {
		return true
	}
	base := decimal.Max(previous, amount.Epsilon)
	pct := delta.Abs().Div(base).Mul(hundred)
	return pct.GreaterThanOrEqual(thresholdPercent)
}

func balanceOf(snap *types.BalanceSnapshot, symbol string) decimal.Decimal {
	if snap == nil {
		return decimal.Zero
	}
	v, ok := snap.Balances[symbol]
	if !ok {
		return decimal.Zero
	}
	d, err := amount.Parse(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
