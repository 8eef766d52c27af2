// Package auction runs the live auction: one skill card at a time goes
// through a preparation countdown, a bidding window and settlement.
package auction

import (
	"context"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
)

// Phase is the state of the auction engine.
type Phase string

const (
	// PhaseEnded is the idle state, also entered while settling.
	PhaseEnded Phase = "ENDED_AUCTION"
	// PhasePre counts down to the bidding window. Teams may look at each
	// other's coins.
	PhasePre Phase = "PRE_AUCTION"
	// PhaseLive accepts bids.
	PhaseLive Phase = "LIVE_AUCTION"
)

// Errors returned by auction operations.
var (
	ErrAuctionActive   = apperr.New(apperr.ErrConflict, "an auction is already in progress")
	ErrNoActiveAuction = apperr.New(apperr.ErrPrecondition, "no auction is accepting bids")
	ErrNotLive         = apperr.New(apperr.ErrPrecondition, "auction has not started yet")
	ErrInvalidDuration = apperr.New(apperr.ErrInvalidArgument, "durations must be positive")
	ErrShuttingDown    = apperr.New(apperr.ErrPrecondition, "auction engine is shutting down")
)

// Settlement reasons written to the coin ledger.
const (
	ReasonWin  = "auction_win"
	ReasonLoss = "auction_loss"
)

// Economy is the part of the team ledger settlement uses.
type Economy interface {
	AdjustBalance(ctx context.Context, teamID string, diff int, reason string, attr ledger.Attribution) (int, error)
	GrantSkillCard(ctx context.Context, teamID string, card skillcard.Kind) error
}

// BidLedger records and ranks bids.
type BidLedger interface {
	RecordBid(ctx context.Context, auctionID, teamID string, price int) (*store.Bid, error)
	GetLatestBids(ctx context.Context, auctionID string) ([]store.Bid, error)
	GetWinnerAndLosers(ctx context.Context, auctionID string) (store.Bid, []store.Bid, error)
	History(ctx context.Context, auctionID string) ([]store.Bid, error)
}

// Status is a snapshot of the engine.
type Status struct {
	Phase     Phase          `json:"phase"`
	Auction   *store.Auction `json:"auction,omitempty"`
	Remaining int            `json:"remaining"`
}

// LoserFee is what a losing bidder pays: half the bid, rounded down.
func LoserFee(price int) int { return price / 2 }
