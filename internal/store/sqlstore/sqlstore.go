// Package sqlstore implements the store repositories on top of sqlx. The
// postgres and sqlite drivers share it; queries use ? placeholders and are
// rebound to the dialect of the wrapped *sqlx.DB.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/store"
)

// UniqueViolation reports whether err is a unique or primary key violation
// in the driver's dialect.
type UniqueViolation func(err error) bool

// Store holds the connection shared by every repository.
type Store struct {
	db       *sqlx.DB
	clock    clock.Clock
	isUnique UniqueViolation
}

// New returns a Store over db.
func New(db *sqlx.DB, clk clock.Clock, isUnique UniqueViolation) *Store {
	return &Store{db: db, clock: clk, isUnique: isUnique}
}

// Repositories returns every repository backed by s.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Teams:    (*TeamRepo)(s),
		Ledger:   (*LedgerRepo)(s),
		Auctions: (*AuctionRepo)(s),
		Bids:     (*BidRepo)(s),
		Stations: (*StationRepo)(s),
		Skips:    (*SkipRepo)(s),
		Events:   (*EventStore)(s),
		Closer:   store.CloserFunc(s.db.Close),
		Ping:     s.db.PingContext,
	}
}

func (s *Store) now() time.Time { return clock.NowUTC(s.clock) }

func (s *Store) get(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
}

func (s *Store) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.db.Rebind(query), args...)
}

// insert runs an INSERT and maps unique violations to store.ErrDuplicate.
func (s *Store) insert(ctx context.Context, what, query string, args ...any) error {
	if _, err := s.exec(ctx, query, args...); err != nil {
		if s.isUnique(err) {
			return fmt.Errorf("inserting %s: %w", what, store.ErrDuplicate)
		}
		return fmt.Errorf("inserting %s: %w", what, err)
	}
	return nil
}

// inTx runs fn in a transaction, rolling back when it fails.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// notFound maps sql.ErrNoRows to the given sentinel.
func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}

// affected fails with sentinel when res touched no row.
func affected(res sql.Result, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return sentinel
	}
	return nil
}
