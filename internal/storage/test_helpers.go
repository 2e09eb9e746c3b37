package storage

import (
	"context"
	"testing"
	"time"

	"github.com/balance-sentinel/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "balance_sentinel",
		User:           "sentinel",
		Password:       "sentinel_dev_password",
		MaxConnections: 5,
	}
}

// openTestPostgres connects to a local Postgres, skipping the test when
// none is available or when running with -short.
func openTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(testContext(t), testPostgresConfig())
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := NewMigrator(PostgresURL(testPostgresConfig()), "../../migrations/postgres").Up(); err != nil {
		t.Skipf("Skipping test - Postgres migrations failed: %v", err)
	}
	return db
}

// openTestClickHouse connects to a local ClickHouse or skips the test
func openTestClickHouse(t *testing.T) *ClickHouseDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewClickHouseDB(testContext(t), &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "balance_sentinel",
		User:     "default",
		Password: "clickhouse_dev_password",
	})
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := RunClickHouseMigrations(testContext(t), db, "../../migrations/clickhouse"); err != nil {
		t.Skipf("Skipping test - ClickHouse migrations failed: %v", err)
	}
	return db
}
