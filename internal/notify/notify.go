// Package notify delivers game notifications. The engine reports what
// happened through Notifier; the Dispatcher persists each notification and
// fans it out to publishers without ever blocking the caller.
package notify

import (
	"context"

	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
)

// Notifier receives game happenings. Implementations must return promptly
// and must not fail the operation that triggered them.
type Notifier interface {
	NotifyAuctionCreated(ctx context.Context, a *store.Auction)
	NotifyAuctionTick(ctx context.Context, phase string, remaining int)
	NotifyAuctionStart(ctx context.Context, a *store.Auction)
	NotifyAuctionBid(ctx context.Context, b *store.Bid)
	// NotifyAuctionEnd reports the outcome; winner is nil when nobody bid.
	NotifyAuctionEnd(ctx context.Context, a *store.Auction, winner *store.Bid)
	NotifyCoinsChanged(ctx context.Context, teamID string, diff int, reason string)
	NotifySkillCardUsed(ctx context.Context, teamID string, card skillcard.Kind)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) NotifyAuctionCreated(context.Context, *store.Auction) {}
func (Nop) NotifyAuctionTick(context.Context, string, int) {}
func (Nop) NotifyAuctionStart(context.Context, *store.Auction) {}
func (Nop) NotifyAuctionBid(context.Context, *store.Bid) {}
func (Nop) NotifyAuctionEnd(context.Context, *store.Auction, *store.Bid) {}
func (Nop) NotifyCoinsChanged(context.Context, string, int, string) {}
func (Nop) NotifySkillCardUsed(context.Context, string, skillcard.Kind) {}

var _ Notifier = Nop{}
