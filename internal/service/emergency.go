package service

import (
	"time"

	"github.com/balance-sentinel/internal/types"
)

// emergencyBalances is the last-resort table served when every other source
// is empty. It lists each network's native coin so a snapshot is never
// missing its primary row.
var emergencyBalances = map[types.Network]map[string]string{
	types.NetworkMainnet: {"AZE": "0.000000"},
	types.NetworkTestnet: {"AZE-t": "0.000000"},
}

// EmergencySnapshot returns the static snapshot for the key's network,
// tagged emergency and captured at now. Unknown networks get an empty table.
//
// The zeros in an emergency snapshot are placeholders, not observations.
// Consumers must render it by its Source: a row with source "emergency"
// means the balance is unavailable and must never be shown or compared as
// a real zero balance.
func EmergencySnapshot(key types.BalanceKey, now time.Time) *types.BalanceSnapshot {
	balances := make(map[string]string, len(emergencyBalances[key.Network]))
	for sym, v := range emergencyBalances[key.Network] {
		balances[sym] = v
	}
	return &types.BalanceSnapshot{
		Address:    key.Address,
		Network:    key.Network,
		Balances:   balances,
		CapturedAt: now.UTC(),
		Source:     types.SourceEmergency,
	}
}
