package backup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/balance-sentinel/internal/errors"
	"github.com/balance-sentinel/internal/types"
)

// pgConn is the subset of pgxpool.Pool used by PostgresTier
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresTier stores the latest snapshot per key in balance_backups.
// It survives cache wipes and process restarts.
type PostgresTier struct {
	db pgConn
}

// NewPostgresTier creates the durable tier on top of a pgx pool
func NewPostgresTier(db pgConn) *PostgresTier {
	return &PostgresTier{db: db}
}

// Source implements Tier
func (t *PostgresTier) Source() types.Source { return types.SourceDurable }

// Get implements Tier
func (t *PostgresTier) Get(ctx context.Context, key types.BalanceKey) (*types.BalanceSnapshot, error) {
	query := `
		SELECT balances, source, captured_at
		FROM balance_backups
		WHERE user_id = $1 AND address = $2 AND network = $3
	`

	var (
		raw        []byte
		source     string
		capturedAt time.Time
	)
	err := t.db.QueryRow(ctx, query, key.UserID, key.Address, string(key.Network)).Scan(&raw, &source, &capturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewTierError(string(types.SourceDurable), "get", err)
	}

	snap := &types.BalanceSnapshot{
		Address:    key.Address,
		Network:    key.Network,
		CapturedAt: capturedAt.UTC(),
		Source:     types.Source(source),
	}
	if err := json.Unmarshal(raw, &snap.Balances); err != nil {
		return nil, apperrors.NewTierError(string(types.SourceDurable), "decode", err)
	}
	return snap, nil
}

// Set implements Tier. Older snapshots never replace newer ones.
func (t *PostgresTier) Set(ctx context.Context, key types.BalanceKey, snap *types.BalanceSnapshot) error {
	raw, err := json.Marshal(snap.Balances)
	if err != nil {
		return apperrors.NewTierError(string(types.SourceDurable), "encode", err)
	}

	query := `
		INSERT INTO balance_backups (user_id, address, network, balances, source, captured_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, address, network)
		DO UPDATE SET
			balances = EXCLUDED.balances,
			source = EXCLUDED.source,
			captured_at = EXCLUDED.captured_at,
			updated_at = NOW()
		WHERE balance_backups.captured_at <= EXCLUDED.captured_at
	`
	if _, err := t.db.Exec(ctx, query,
		key.UserID,
		key.Address,
		string(key.Network),
		raw,
		string(snap.Source),
		snap.CapturedAt.UTC(),
	); err != nil {
		return apperrors.NewTierError(string(types.SourceDurable), "set", err)
	}
	return nil
}
