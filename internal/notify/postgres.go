package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/balance-sentinel/internal/types"
)

// pgConn is the subset of pgxpool.Pool used by PostgresStore
type pgConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists notifications in the notifications table
type PostgresStore struct {
	db pgConn
}

// NewPostgresStore creates a notification store
func NewPostgresStore(db pgConn) *PostgresStore {
	return &PostgresStore{db: db}
}

// Name implements Channel
func (s *PostgresStore) Name() string { return "postgres" }

// Deliver implements Channel. A change already stored for the same cycle is
// ignored.
func (s *PostgresStore) Deliver(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, address, network, token,
			previous_amount, current_amount, delta, direction,
			cycle_id, sound, detected_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, network, token, cycle_id) DO NOTHING
	`

	ev := n.Event
	_, err := s.db.Exec(ctx, query,
		n.ID, ev.UserID, ev.Address, string(ev.Network), ev.Token,
		ev.PreviousAmount, ev.CurrentAmount, ev.Delta, string(ev.Direction),
		ev.CycleID, n.Sound, ev.DetectedAt, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// List returns a user's most recent notifications, newest first
func (s *PostgresStore) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, user_id, address, network, token,
		       previous_amount::TEXT, current_amount::TEXT, delta::TEXT, direction,
		       cycle_id, sound, detected_at, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY detected_at DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n                  Notification
			network, direction string
			detectedAt         time.Time
		)
		if err := rows.Scan(
			&n.ID, &n.Event.UserID, &n.Event.Address, &network, &n.Event.Token,
			&n.Event.PreviousAmount, &n.Event.CurrentAmount, &n.Event.Delta, &direction,
			&n.Event.CycleID, &n.Sound, &detectedAt, &n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Event.ID = n.ID
		n.Event.Network = types.Network(network)
		n.Event.Direction = types.Direction(direction)
		n.Event.DetectedAt = detectedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}
