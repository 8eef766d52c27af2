package store

import (
	"context"
	"time"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/skillcard"
)

// Role of a team account.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RolePlayer Role = "PLAYER"
)

// Difficulty of a station.
type Difficulty string

const (
	Easy   Difficulty = "EASY"
	Medium Difficulty = "MEDIUM"
	Hard   Difficulty = "HARD"
)

// Errors returned by every driver.
var (
	ErrTeamNotFound    = apperr.New(apperr.ErrNotFound, "team not found")
	ErrAuctionNotFound = apperr.New(apperr.ErrNotFound, "auction not found")
	ErrStationNotFound = apperr.New(apperr.ErrNotFound, "station not found")
	ErrGroupNotFound   = apperr.New(apperr.ErrNotFound, "station group not found")
	ErrSkipNotFound    = apperr.New(apperr.ErrNotFound, "skip not found")

	ErrDuplicate      = apperr.New(apperr.ErrConflict, "record already exists")
	ErrStaleVersion   = apperr.New(apperr.ErrConflict, "team was modified concurrently")
	ErrAlreadySettled = apperr.New(apperr.ErrConflict, "auction already settled")
)

// Team is a participating team and its economic state.
type Team struct {
	ID              string           `db:"id" json:"id"`
	Username        string           `db:"username" json:"username"`
	Name            string           `db:"name" json:"name"`
	Role            Role             `db:"role" json:"role"`
	Coins           int              `db:"coins" json:"coins"`
	SkillCards      []skillcard.Kind `db:"-" json:"skill_cards"`
	ActiveEffects   []skillcard.Kind `db:"-" json:"active_effects"`
	UnlockedPuzzles []string         `db:"-" json:"unlocked_puzzles"`
	Version         int              `db:"version" json:"version"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without aliasing.
func (t Team) Clone() Team {
	t.SkillCards = append([]skillcard.Kind(nil), t.SkillCards...)
	t.ActiveEffects = append([]skillcard.Kind(nil), t.ActiveEffects...)
	t.UnlockedPuzzles = append([]string(nil), t.UnlockedPuzzles...)
	return t
}

// Auction is a timed sale of one skill card.
type Auction struct {
	ID                     string         `db:"id" json:"id"`
	SkillCard              skillcard.Kind `db:"skill_card" json:"skill_card"`
	StartTime              time.Time      `db:"start_time" json:"start_time"`
	EndTime                time.Time      `db:"end_time" json:"end_time"`
	DurationSeconds        int            `db:"duration_seconds" json:"duration_seconds"`
	PrepareDurationSeconds int            `db:"prepare_duration_seconds" json:"prepare_duration_seconds"`
	WinningTeamID          *string        `db:"winning_team_id" json:"winning_team_id,omitempty"`
	WinningPrice           *int           `db:"winning_price" json:"winning_price,omitempty"`
	Settled                bool           `db:"settled" json:"settled"`
	SettledAt              *time.Time     `db:"settled_at" json:"settled_at,omitempty"`
}

// Bid is one entry of an auction's append-only bid history.
type Bid struct {
	ID        string    `db:"id" json:"id"`
	Seq       int64     `db:"seq" json:"seq"`
	AuctionID string    `db:"auction_id" json:"auction_id"`
	TeamID    string    `db:"team_id" json:"team_id"`
	Price     int       `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CoinLedgerEntry records one balance change.
type CoinLedgerEntry struct {
	ID        string    `db:"id" json:"id"`
	TeamID    string    `db:"team_id" json:"team_id"`
	Diff      int       `db:"diff" json:"diff"`
	Reason    string    `db:"reason" json:"reason"`
	StationID string    `db:"station_id" json:"station_id,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SkillCardEvent records a skill card entering or leaving a team's hands.
type SkillCardEvent struct {
	ID        string           `db:"id" json:"id"`
	TeamID    string           `db:"team_id" json:"team_id"`
	SkillCard skillcard.Kind   `db:"skill_card" json:"skill_card"`
	Action    skillcard.Action `db:"action" json:"action"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
}

// Skip marks a station group a team deferred.
type Skip struct {
	TeamID         string    `db:"team_id" json:"team_id"`
	StationGroupID string    `db:"station_group_id" json:"station_group_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// StationGroup clusters stations that are skipped together.
type StationGroup struct {
	ID       string `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Codename string `db:"codename" json:"codename"`
	Position string `db:"position" json:"position"`
}

// Station is a physical checkpoint.
type Station struct {
	ID         string     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	Codename   string     `db:"codename" json:"codename"`
	Difficulty Difficulty `db:"difficulty" json:"difficulty"`
	GroupID    string     `db:"group_id" json:"group_id"`
	Pin        string     `db:"pin" json:"-"`
}

// Checkin records a paid station visit.
type Checkin struct {
	ID        string    `db:"id" json:"id"`
	TeamID    string    `db:"team_id" json:"team_id"`
	StationID string    `db:"station_id" json:"station_id"`
	Price     int       `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// LedgerCommit is one atomic economic write: the team's new state, guarded by
// the version it was read at, plus the audit records describing the change.
type LedgerCommit struct {
	Team        *Team
	Coin        *CoinLedgerEntry
	SkillEvents []SkillCardEvent
}

// TeamRepository defines team persistence operations.
type TeamRepository interface {
	Create(ctx context.Context, t *Team) error
	GetByID(ctx context.Context, id string) (*Team, error)
	GetByUsername(ctx context.Context, username string) (*Team, error)
	List(ctx context.Context) ([]Team, error)
}

// LedgerRepository persists economic changes and their history.
type LedgerRepository interface {
	// Commit writes the team and its audit records in one transaction. It
	// fails with ErrStaleVersion when the stored version differs from
	// c.Team.Version, and bumps c.Team.Version on success.
	Commit(ctx context.Context, c LedgerCommit) error
	CoinHistory(ctx context.Context, teamID string) ([]CoinLedgerEntry, error)
	SkillCardHistory(ctx context.Context, teamID string) ([]SkillCardEvent, error)
}

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, a *Auction) error
	GetByID(ctx context.Context, id string) (*Auction, error)
	// Settle marks the auction settled. winnerID nil records no winner.
	Settle(ctx context.Context, id string, winnerID *string, price *int, at time.Time) error
	List(ctx context.Context) ([]Auction, error)
	ListUnsettled(ctx context.Context) ([]Auction, error)
}

// BidRepository stores bid history.
type BidRepository interface {
	// Append stores b and assigns its ID and Seq.
	Append(ctx context.Context, b *Bid) error
	// ListByAuction returns bids in Seq order.
	ListByAuction(ctx context.Context, auctionID string) ([]Bid, error)
}

// StationRepository stores stations, groups and checkins.
type StationRepository interface {
	CreateGroup(ctx context.Context, g *StationGroup) error
	CreateStation(ctx context.Context, s *Station) error
	GetGroup(ctx context.Context, id string) (*StationGroup, error)
	GetGroupByCodename(ctx context.Context, codename string) (*StationGroup, error)
	GetStation(ctx context.Context, id string) (*Station, error)
	GetStationByCodename(ctx context.Context, codename string) (*Station, error)
	ListGroups(ctx context.Context) ([]StationGroup, error)
	ListStations(ctx context.Context) ([]Station, error)
	RecordCheckin(ctx context.Context, c *Checkin) error
	CountCheckins(ctx context.Context, teamID, stationID string) (int, error)
	ListCheckins(ctx context.Context, teamID string) ([]Checkin, error)
}

// SkipRepository stores skipped station groups.
type SkipRepository interface {
	// Create fails with ErrDuplicate if the pair is already skipped.
	Create(ctx context.Context, s *Skip) error
	Get(ctx context.Context, teamID, groupID string) (*Skip, error)
	Delete(ctx context.Context, teamID, groupID string) error
	ListByTeam(ctx context.Context, teamID string) ([]Skip, error)
}
