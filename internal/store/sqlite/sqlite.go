// Package sqlite provides the "sqlite" store driver: the shared sqlx
// repositories over an embedded SQLite file, for single-host events and
// tests.
package sqlite

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/store/sqlstore"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const pragmas = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"

func init() {
	store.Register("sqlite", open)
}

func open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	s, err := Open(ctx, cfg.Path, clk)
	if err != nil {
		return nil, err
	}
	return s.Repositories(), nil
}

// Open opens the database file at path, applies the embedded migrations and
// returns the store.
func Open(ctx context.Context, path string, clk clock.Clock) (*sqlstore.Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	sqlDB, err := otelsql.Open("sqlite", filepath.Clean(path)+pragmas,
		otelsql.WithAttributes(semconv.DBSystemSqlite),
	)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between
	// our own transactions.
	sqlDB.SetMaxOpenConns(1)
	db := sqlx.NewDb(sqlDB, "sqlite")

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening migrations: %w", err)
	}
	if err := sqlstore.Migrate(ctx, db, sub); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return sqlstore.New(db, clk, IsUniqueViolation), nil
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func IsUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
