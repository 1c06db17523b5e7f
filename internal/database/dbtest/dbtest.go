// Package dbtest opens throwaway databases for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/quualle/AgencyReporter/internal/database"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Open returns a migrated SQLite database living in the test's temp dir
func Open(t testing.TB) *database.DB {
	t.Helper()

	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "cache.db")

	db, err := database.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.CreateTables(context.Background()))
	return db
}

// OpenPostgres returns a migrated, emptied PostgreSQL database configured by
// the TEST_DB_* variables. The test is skipped when TEST_DB_HOST is unset.
func OpenPostgres(t testing.TB) *database.DB {
	t.Helper()

	cfg := database.TestPostgresConfig()
	if cfg.Host == "" {
		t.Skip("TEST_DB_HOST not set")
	}
	cfg.ApplyDefaults()

	ctx := context.Background()
	db, err := database.Open(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.CreateTables(ctx))
	truncate := func() {
		for _, table := range database.Tables {
			_, err := db.SQL().ExecContext(ctx, "DELETE FROM "+table)
			require.NoError(t, err)
		}
	}
	truncate()
	t.Cleanup(truncate)
	return db
}
