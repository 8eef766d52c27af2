package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/techrun/internal/store"
)

const auctionColumns = `id, skill_card, start_time, end_time, duration_seconds, prepare_duration_seconds,
       winning_team_id, winning_price, settled, settled_at`

// AuctionRepo implements store.AuctionRepository.
type AuctionRepo Store

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return (*Store)(r).insert(ctx, "auction",
		`INSERT INTO auctions (`+auctionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SkillCard, a.StartTime.UTC(), a.EndTime.UTC(), a.DurationSeconds, a.PrepareDurationSeconds,
		a.WinningTeamID, a.WinningPrice, a.Settled, a.SettledAt,
	)
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	var a store.Auction
	if err := (*Store)(r).get(ctx, &a, `SELECT `+auctionColumns+` FROM auctions WHERE id = ?`, id); err != nil {
		return nil, notFound(err, store.ErrAuctionNotFound)
	}
	return &a, nil
}

func (r *AuctionRepo) Settle(ctx context.Context, id string, winnerID *string, price *int, at time.Time) error {
	s := (*Store)(r)
	res, err := s.exec(ctx,
		`UPDATE auctions SET settled = TRUE, winning_team_id = ?, winning_price = ?, settled_at = ?
		  WHERE id = ? AND NOT settled`,
		winnerID, price, at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("settling auction: %w", err)
	}
	if err := affected(res, store.ErrAlreadySettled); err != nil {
		if _, gerr := r.GetByID(ctx, id); gerr != nil {
			return gerr
		}
		return err
	}
	return nil
}

func (r *AuctionRepo) List(ctx context.Context) ([]store.Auction, error) {
	var out []store.Auction
	if err := (*Store)(r).selectAll(ctx, &out, `SELECT `+auctionColumns+` FROM auctions ORDER BY start_time DESC`); err != nil {
		return nil, fmt.Errorf("listing auctions: %w", err)
	}
	return out, nil
}

func (r *AuctionRepo) ListUnsettled(ctx context.Context) ([]store.Auction, error) {
	var out []store.Auction
	err := (*Store)(r).selectAll(ctx, &out,
		`SELECT `+auctionColumns+` FROM auctions WHERE NOT settled ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing unsettled auctions: %w", err)
	}
	return out, nil
}

// BidRepo implements store.BidRepository.
type BidRepo Store

func (r *BidRepo) Append(ctx context.Context, b *store.Bid) error {
	s := (*Store)(r)
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO bids (id, auction_id, team_id, price, created_at) VALUES (?, ?, ?, ?, ?) RETURNING seq`),
		b.ID, b.AuctionID, b.TeamID, b.Price, b.CreatedAt,
	).Scan(&b.Seq)
	if err != nil {
		return fmt.Errorf("inserting bid: %w", err)
	}
	return nil
}

func (r *BidRepo) ListByAuction(ctx context.Context, auctionID string) ([]store.Bid, error) {
	var out []store.Bid
	err := (*Store)(r).selectAll(ctx, &out,
		`SELECT id, seq, auction_id, team_id, price, created_at FROM bids WHERE auction_id = ? ORDER BY seq`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("listing bids: %w", err)
	}
	return out, nil
}
