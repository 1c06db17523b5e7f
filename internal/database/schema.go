package database

import (
	"context"
	"fmt"
)

// Table names
const (
	TableCacheEntries    = "cache_entries"
	TableDataFreshness   = "data_freshness"
	TablePreloadSessions = "preload_sessions"
)

// Tables lists every table owned by the cache layer
var Tables = []string{TableCacheEntries, TableDataFreshness, TablePreloadSessions}

func blobType(driver string) string {
	if driver == DriverPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// CreateTables creates the necessary database tables
func (d *DB) CreateTables(ctx context.Context) error {
	queries := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cache_entries (
			cache_key VARCHAR(500) PRIMARY KEY,
			category VARCHAR(100) NOT NULL,
			agency_id VARCHAR(100),
			time_window VARCHAR(50),
			payload %s NOT NULL,
			encoding VARCHAR(16) NOT NULL DEFAULT 'none',
			payload_hash CHAR(64) NOT NULL,
			payload_size BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			expires_at BIGINT,
			preloaded BOOLEAN NOT NULL DEFAULT FALSE
		)`, blobType(d.config.Driver)),
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_category ON cache_entries (category)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_scope ON cache_entries (agency_id, time_window)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries (expires_at, preloaded)`,

		`CREATE TABLE IF NOT EXISTS data_freshness (
			category VARCHAR(100) NOT NULL,
			agency_id VARCHAR(100) NOT NULL DEFAULT '',
			time_window VARCHAR(50) NOT NULL DEFAULT '',
			last_updated BIGINT NOT NULL,
			freshness_seconds BIGINT NOT NULL,
			is_fresh BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (category, agency_id, time_window)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_freshness_agency ON data_freshness (agency_id)`,

		`CREATE TABLE IF NOT EXISTS preload_sessions (
			session_key VARCHAR(200) PRIMARY KEY,
			scope_id VARCHAR(100) NOT NULL,
			status VARCHAR(20) NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT,
			total_requests BIGINT NOT NULL DEFAULT 0,
			successful_requests BIGINT NOT NULL DEFAULT 0,
			failed_requests BIGINT NOT NULL DEFAULT 0,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_preload_sessions_status ON preload_sessions (status, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_preload_sessions_scope ON preload_sessions (scope_id)`,
	}

	for _, query := range queries {
		if _, err := d.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	d.logger.Debug("database schema ready")
	return nil
}
