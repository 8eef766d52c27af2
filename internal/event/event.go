// Package event defines the notifications the game emits and the store
// keeping their history.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies a notification kind.
type Type string

const (
	PublicAnnouncement  Type = "public_announcement"
	PrivateAnnouncement Type = "private_announcement"
	SkillCardUsed       Type = "item_used"
	CoinsUpdate         Type = "coins_update"
	NewAuction          Type = "new_auction"
	TickToAuction       Type = "tick_to_auction"
	AuctionStart        Type = "auction_start"
	AuctionTick         Type = "auction_tick"
	AuctionEnd          Type = "auction_end"
	AuctionBid          Type = "auction_bid"
)

// Ephemeral reports whether notifications of type t are only broadcast and
// never kept in history.
func (t Type) Ephemeral() bool {
	return t == TickToAuction || t == AuctionTick
}

// Event is one notification. TeamID is empty for broadcasts.
type Event struct {
	ID        string          `json:"id" db:"id"`
	Type      Type            `json:"type" db:"type"`
	TeamID    string          `json:"team_id,omitempty" db:"team_id"`
	Data      json.RawMessage `json:"data" db:"data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Public reports whether the event is addressed to every team.
func (e Event) Public() bool { return e.TeamID == "" }

// AnnouncementData is the payload of announcements.
type AnnouncementData struct {
	Message string `json:"message"`
}

// AuctionData is the payload of new_auction, auction_start and auction_end.
type AuctionData struct {
	AuctionID              string `json:"auction_id"`
	SkillCard              string `json:"skill_card"`
	PrepareDurationSeconds int    `json:"prepare_duration_seconds,omitempty"`
	DurationSeconds        int    `json:"duration_seconds,omitempty"`
	WinnerTeamID           string `json:"winner_team_id,omitempty"`
	WinningPrice           int    `json:"winning_price,omitempty"`
}

// TickData is the payload of tick_to_auction and auction_tick.
type TickData struct {
	Phase     string `json:"phase"`
	Remaining int    `json:"remaining"`
}

// BidData is the payload of auction_bid.
type BidData struct {
	AuctionID string `json:"auction_id"`
	TeamID    string `json:"team_id"`
	Price     int    `json:"price"`
}

// CoinsData is the payload of coins_update.
type CoinsData struct {
	Diff   int    `json:"diff"`
	Reason string `json:"reason"`
}

// SkillCardData is the payload of item_used.
type SkillCardData struct {
	TeamID    string `json:"team_id"`
	SkillCard string `json:"skill_card"`
}
