// Package bids keeps the append-only bid history of auctions and derives
// each team's standing from it.
package bids

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/store"
)

const scope = "github.com/jensholdgaard/techrun/internal/bids"

// Errors returned by the bid ledger.
var (
	ErrInvalidBid        = apperr.New(apperr.ErrInvalidArgument, "bid price must be positive")
	ErrInsufficientFunds = apperr.New(apperr.ErrInsufficientFunds, "bid exceeds balance")
	ErrNoBids            = apperr.New(apperr.ErrNotFound, "auction received no bids")
)

// BalanceReader reads a team's current coins.
type BalanceReader interface {
	GetBalance(ctx context.Context, teamID string) (int, error)
}

// Ledger records bids. Funds are checked when a bid is placed but not
// reserved; they are only debited at settlement.
type Ledger struct {
	repo     store.BidRepository
	balances BalanceReader
	logger   *slog.Logger
	tracer   trace.Tracer
	recorded metric.Int64Counter
}

// NewLedger returns a bid Ledger.
func NewLedger(repo store.BidRepository, balances BalanceReader, logger *slog.Logger, tp trace.TracerProvider) *Ledger {
	recorded, err := otel.Meter(scope).Int64Counter("techrun.bids.recorded",
		metric.WithDescription("Bids accepted"))
	if err != nil {
		logger.Warn("creating bids counter", slog.Any("error", err))
	}
	return &Ledger{
		repo:     repo,
		balances: balances,
		logger:   logger,
		tracer:   tp.Tracer(scope),
		recorded: recorded,
	}
}

// RecordBid appends a bid after validating price and funds.
func (l *Ledger) RecordBid(ctx context.Context, auctionID, teamID string, price int) (*store.Bid, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.RecordBid",
		trace.WithAttributes(
			attribute.String("auction_id", auctionID),
			attribute.String("team_id", teamID),
			attribute.Int("price", price),
		),
	)
	defer span.End()

	if price <= 0 {
		return nil, fmt.Errorf("price %d: %w", price, ErrInvalidBid)
	}
	balance, err := l.balances.GetBalance(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	if price > balance {
		return nil, fmt.Errorf("price %d, balance %d: %w", price, balance, ErrInsufficientFunds)
	}

	b := &store.Bid{AuctionID: auctionID, TeamID: teamID, Price: price}
	if err := l.repo.Append(ctx, b); err != nil {
		return nil, fmt.Errorf("appending bid: %w", err)
	}

	l.recorded.Add(ctx, 1)
	l.logger.InfoContext(ctx, "bid recorded",
		slog.String("auction_id", auctionID),
		slog.String("team_id", teamID),
		slog.Int("price", price),
	)
	return b, nil
}

// History returns every bid of the auction in placement order.
func (l *Ledger) History(ctx context.Context, auctionID string) ([]store.Bid, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.History",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	return l.repo.ListByAuction(ctx, auctionID)
}

// GetLatestBids returns each team's most recent bid, ascending by price.
// Among equal prices the earlier bid sorts last, so the last element is
// always the winner.
func (l *Ledger) GetLatestBids(ctx context.Context, auctionID string) ([]store.Bid, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.GetLatestBids",
		trace.WithAttributes(attribute.String("auction_id", auctionID)),
	)
	defer span.End()

	history, err := l.repo.ListByAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return Latest(history), nil
}

// GetWinnerAndLosers splits the latest bids into the highest one and the
// rest.
func (l *Ledger) GetWinnerAndLosers(ctx context.Context, auctionID string) (store.Bid, []store.Bid, error) {
	latest, err := l.GetLatestBids(ctx, auctionID)
	if err != nil {
		return store.Bid{}, nil, err
	}
	if len(latest) == 0 {
		return store.Bid{}, nil, fmt.Errorf("auction %s: %w", auctionID, ErrNoBids)
	}
	n := len(latest) - 1
	return latest[n], latest[:n], nil
}

// Latest reduces a bid history to one bid per team, keeping the highest
// Seq, and orders the result for GetLatestBids.
func Latest(history []store.Bid) []store.Bid {
	byTeam := make(map[string]store.Bid, len(history))
	for _, b := range history {
		if cur, ok := byTeam[b.TeamID]; !ok || b.Seq > cur.Seq {
			byTeam[b.TeamID] = b
		}
	}
	out := make([]store.Bid, 0, len(byTeam))
	for _, b := range byTeam {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].Seq > out[j].Seq
	})
	return out
}
