package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balance-sentinel/internal/config"
	"github.com/balance-sentinel/internal/storage"
)

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := &config.PostgresConfig{
		Host: "localhost", Port: "5432", Database: "balance_sentinel",
		User: "sentinel", Password: "sentinel_dev_password", MaxConnections: 5,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.NewPostgresDB(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	defer db.Close()
	if err := storage.NewMigrator(storage.PostgresURL(cfg), "../../migrations/postgres").Up(); err != nil {
		t.Skipf("Skipping test - migrations failed: %v", err)
	}

	store := NewPostgresStore(db.Pool())
	user := "it-" + uuid.NewString()
	ev := event(user, "AZE-t", "0.500000", "1.500000")
	ev.Address = "0xabc"
	ev.Delta = "1.000000"

	n := &Notification{ID: uuid.NewString(), Event: ev, Sound: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Deliver(ctx, n))

	// a retry of the same change in the same cycle is absorbed
	dup := *n
	dup.ID = uuid.NewString()
	require.NoError(t, store.Deliver(ctx, &dup))

	got, err := store.List(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, n.ID, got[0].ID)
	assert.Equal(t, "1.000000", got[0].Event.Delta)
	assert.True(t, got[0].Sound)
}
