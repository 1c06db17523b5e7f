package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

// DB wraps a connection pool together with the dialect it speaks
type DB struct {
	db     *sql.DB
	config Config
	logger *zap.Logger
}

// Info describes the backing database for diagnostics
type Info struct {
	Driver    string           `json:"driver"`
	Path      string           `json:"path,omitempty"`
	SizeBytes int64            `json:"size_bytes"`
	Rows      map[string]int64 `json:"rows"`
}

// Open connects to the configured database and verifies the connection
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*DB, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Driver == DriverSQLite {
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database opened",
		zap.String("driver", cfg.Driver),
		zap.String("path", cfg.Path),
		zap.String("host", cfg.Host))

	return &DB{db: db, config: cfg, logger: logger}, nil
}

// SQL returns the underlying pool
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Driver returns the configured driver name
func (d *DB) Driver() string {
	return d.config.Driver
}

// Close closes the database connection
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping verifies the database connection
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Vacuum reclaims free pages. On PostgreSQL it runs a plain VACUUM over the cache tables.
func (d *DB) Vacuum(ctx context.Context) error {
	if d.config.Driver == DriverSQLite {
		if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
		return nil
	}
	for _, table := range Tables {
		if _, err := d.db.ExecContext(ctx, "VACUUM "+table); err != nil {
			return fmt.Errorf("vacuum %s: %w", table, err)
		}
	}
	return nil
}

// Info reports driver, on-disk size and row counts
func (d *DB) Info(ctx context.Context) (Info, error) {
	info := Info{
		Driver: d.config.Driver,
		Rows:   make(map[string]int64, len(Tables)),
	}

	if d.config.Driver == DriverSQLite {
		info.Path = d.config.Path
		for _, suffix := range []string{"", "-wal"} {
			if st, err := os.Stat(d.config.Path + suffix); err == nil {
				info.SizeBytes += st.Size()
			}
		}
	} else {
		if err := d.db.QueryRowContext(ctx, "SELECT pg_database_size(current_database())").Scan(&info.SizeBytes); err != nil {
			return info, fmt.Errorf("query database size: %w", err)
		}
	}

	for _, table := range Tables {
		var n int64
		if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return info, fmt.Errorf("count %s: %w", table, err)
		}
		info.Rows[table] = n
	}
	return info, nil
}

// ToMillis converts a timestamp into the stored representation
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis converts a stored timestamp back into UTC time
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Wrap adopts an existing pool, typically a sqlmock connection in tests
func Wrap(db *sql.DB, driver string, logger *zap.Logger) *DB {
	return &DB{db: db, config: Config{Driver: driver}, logger: logger}
}
