package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/types"
)

// chConn is the subset of driver.Conn used by ClickHouseTier
type chConn interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
}

// ClickHouseTier is the append-only last-known tier. Each Set appends a row;
// Get returns the newest one for the key. Wrap it with ChainSourcedOnly so
// it only ever holds live chain reads.
type ClickHouseTier struct {
	conn chConn
}

// NewClickHouseTier creates the last-known tier
func NewClickHouseTier(conn chConn) *ClickHouseTier {
	return &ClickHouseTier{conn: conn}
}

// Source implements Tier
func (t *ClickHouseTier) Source() types.Source { return types.SourceLastKnown }

// Get implements Tier
func (t *ClickHouseTier) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	query := `
		SELECT balances, captured_at
		FROM last_known_balances
		WHERE user_id = ? AND address = ? AND network = ?
		ORDER BY captured_at DESC
		LIMIT 1
	`

	var (
		raw        string
		capturedAt time.Time
	)
	err := t.conn.QueryRow(ctx, query, key.UserID, key.Address, string(key.Network)).Scan(&raw, &capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewTierError(string(types.SourceLastKnown), "get", err)
	}

	snap := &types.BalanceSnapshot{
		Address:    key.Address,
		Network:    key.Network,
		CapturedAt: capturedAt.UTC(),
		Source:     types.SourceChain,
	}
	if err := json.Unmarshal([]byte(raw), &snap.Balances); err != nil {
		return nil, apperrors.NewTierError(string(types.SourceLastKnown), "decode", err)
	}
	return snap, nil
}

// Set implements Tier
func (t *ClickHouseTier) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) error {
	raw, err := json.Marshal(snap.Balances)
	if err != nil {
		return apperrors.NewTierError(string(types.SourceLastKnown), "encode", err)
	}

	query := `
		INSERT INTO last_known_balances (user_id, address, network, balances, captured_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if err := t.conn.Exec(ctx, query, key.UserID, key.Address, string(key.Network), string(raw), snap.CapturedAt.UTC()); err != nil {
		return apperrors.NewTierError(string(types.SourceLastKnown), "set", err)
	}
	return nil
}
