package adapter

import (
	"fmt"
	"strings"
	"time"

	"github.com/balance-sentinel/internal/amount"
	"github.com/balance-sentinel/internal/logging"
	"github.com/balance-sentinel/internal/types"
)

// Normalize converts raw chain balances into a chain-sourced snapshot.
// The native coin is always present. Token entries that cannot be scaled are
// dropped; the first entry wins when a symbol repeats.
func Normalize(address string, network types.Network, nativeSymbol string, raw *RawBalances, now time.Time) (*types.BalanceSnapshot, error) {
	if raw == nil {
		return nil, fmt.Errorf("normalize %s: %w", address, ErrMalformedResponse)
	}

	native, err := amount.FromRaw(raw.Native, raw.NativeDecimals)
	if err != nil {
		return nil, NewAdapterError(network, "normalize", ErrMalformedResponse, map[string]interface{}{
			"address": address,
			"native":  raw.Native,
			"reason":  err.Error(),
		})
	}

	snap := &types.BalanceSnapshot{
		Address:    strings.ToLower(address),
		Network:    network,
		Balances:   map[string]string{nativeSymbol: native},
		CapturedAt: now.UTC(),
		Source:     types.SourceChain,
	}

	for _, tok := range raw.Tokens {
		symbol := strings.TrimSpace(tok.Symbol)
		if symbol == "" {
			continue
		}
		if _, dup := snap.Balances[symbol]; dup {
			continue
		}
		value, err := amount.FromRaw(tok.BalanceRaw, tok.Decimals)
		if err != nil {
			logging.WithFields(map[string]interface{}{
				"address": address,
				"network": network,
				"token":   symbol,
			}).WithError(err).Warn("Skipping token with unparseable balance")
			continue
		}
		snap.Balances[symbol] = value
	}

	return snap, nil
}
