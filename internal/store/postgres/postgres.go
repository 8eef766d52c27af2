// Package postgres provides the "sqlx" store driver: the shared sqlx
// repositories over Postgres, instrumented with otelsql.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/store/sqlstore"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

func init() {
	store.Register("sqlx", open)
}

func open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, clk).Repositories(), nil
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	sqlDB, err := otelsql.Open("postgres", cfg.DSN(),
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db := sqlx.NewDb(sqlDB, "postgres")

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening migrations: %w", err)
	}
	if err := sqlstore.Migrate(ctx, db, sub); err != nil {
		return fmt.Errorf("migrating postgres: %w", err)
	}
	return nil
}

// New returns the repositories over an open, migrated connection.
func New(db *sqlx.DB, clk clock.Clock) *sqlstore.Store {
	return sqlstore.New(db, clk, IsUniqueViolation)
}

// IsUniqueViolation reports whether err is a duplicate key error.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
