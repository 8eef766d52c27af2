package store

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/event"
)

// Repositories groups all repository implementations returned by a store driver.
type Repositories struct {
	Teams    TeamRepository
	Ledger   LedgerRepository
	Auctions AuctionRepository
	Bids     BidRepository
	Stations StationRepository
	Skips    SkipRepository
	Events   event.Store
	// Closer releases the underlying resources.
	Closer io.Closer
	// Ping checks the underlying connection health.
	Ping func(ctx context.Context) error
}

// Driver opens a backend and returns its Repositories.
type Driver func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error)

var registry = map[string]Driver{}

// Register adds a named driver to the global registry. Driver packages call
// it from init.
func Register(name string, d Driver) {
	registry[name] = d
}

// Open selects the driver named by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error) {
	d, ok := registry[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", cfg.Driver, registeredNames())
	}
	return d(ctx, cfg, clk)
}

func registeredNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// CloserFunc adapts a func() error into an io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }
