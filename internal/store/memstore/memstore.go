// Package memstore provides an in-memory store.Driver. It keeps everything
// in process memory and is used for tests and single-night deployments that
// accept losing state on restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/event"
	"github.com/jensholdgaard/techrun/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return New(clk).Repositories(), nil
}

// Store holds every record behind one mutex.
type Store struct {
	mu    sync.RWMutex
	clock clock.Clock

	teams    map[string]*store.Team
	coins    []store.CoinLedgerEntry
	cards    []store.SkillCardEvent
	auctions map[string]*store.Auction
	bids     []store.Bid
	bidSeq   int64
	groups   map[string]*store.StationGroup
	stations map[string]*store.Station
	checkins []store.Checkin
	skips    map[skipKey]store.Skip
	events   []event.Event
}

type skipKey struct{ team, group string }

// New returns an empty Store.
func New(clk clock.Clock) *Store {
	return &Store{
		clock:    clk,
		teams:    make(map[string]*store.Team),
		auctions: make(map[string]*store.Auction),
		groups:   make(map[string]*store.StationGroup),
		stations: make(map[string]*store.Station),
		skips:    make(map[skipKey]store.Skip),
	}
}

// Repositories exposes the Store through the repository interfaces.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Teams:    (*TeamRepo)(s),
		Ledger:   (*LedgerRepo)(s),
		Auctions: (*AuctionRepo)(s),
		Bids:     (*BidRepo)(s),
		Stations: (*StationRepo)(s),
		Skips:    (*SkipRepo)(s),
		Events:   (*EventStore)(s),
		Closer:   store.CloserFunc(func() error { return nil }),
		Ping:     func(context.Context) error { return nil },
	}
}

func (s *Store) now() time.Time { return clock.NowUTC(s.clock) }

// TeamRepo implements store.TeamRepository.
type TeamRepo Store

func (r *TeamRepo) Create(_ context.Context, t *store.Team) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.teams {
		if existing.Username == t.Username {
			return store.ErrDuplicate
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Role == "" {
		t.Role = store.RolePlayer
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	t.Version = 1
	c := t.Clone()
	s.teams[t.ID] = &c
	return nil
}

func (r *TeamRepo) GetByID(_ context.Context, id string) (*store.Team, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, store.ErrTeamNotFound
	}
	c := t.Clone()
	return &c, nil
}

func (r *TeamRepo) GetByUsername(_ context.Context, username string) (*store.Team, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.teams {
		if t.Username == username {
			c := t.Clone()
			return &c, nil
		}
	}
	return nil, store.ErrTeamNotFound
}

func (r *TeamRepo) List(_ context.Context) ([]store.Team, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Team, 0, len(s.teams))
	for _, t := range s.teams {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// LedgerRepo implements store.LedgerRepository.
type LedgerRepo Store

func (r *LedgerRepo) Commit(_ context.Context, c store.LedgerCommit) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.teams[c.Team.ID]
	if !ok {
		return store.ErrTeamNotFound
	}
	if cur.Version != c.Team.Version {
		return store.ErrStaleVersion
	}

	now := s.now()
	c.Team.Version++
	c.Team.UpdatedAt = now
	next := c.Team.Clone()
	s.teams[c.Team.ID] = &next

	if c.Coin != nil {
		if c.Coin.ID == "" {
			c.Coin.ID = uuid.NewString()
		}
		c.Coin.CreatedAt = now
		s.coins = append(s.coins, *c.Coin)
	}
	for i := range c.SkillEvents {
		e := c.SkillEvents[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = now
		s.cards = append(s.cards, e)
	}
	return nil
}

func (r *LedgerRepo) CoinHistory(_ context.Context, teamID string) ([]store.CoinLedgerEntry, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.CoinLedgerEntry
	for _, e := range s.coins {
		if e.TeamID == teamID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *LedgerRepo) SkillCardHistory(_ context.Context, teamID string) ([]store.SkillCardEvent, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.SkillCardEvent
	for _, e := range s.cards {
		if e.TeamID == teamID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AuctionRepo implements store.AuctionRepository.
type AuctionRepo Store

func (r *AuctionRepo) Create(_ context.Context, a *store.Auction) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := s.auctions[a.ID]; ok {
		return store.ErrDuplicate
	}
	c := *a
	s.auctions[a.ID] = &c
	return nil
}

func (r *AuctionRepo) GetByID(_ context.Context, id string) (*store.Auction, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, store.ErrAuctionNotFound
	}
	c := *a
	return &c, nil
}

func (r *AuctionRepo) Settle(_ context.Context, id string, winnerID *string, price *int, at time.Time) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return store.ErrAuctionNotFound
	}
	if a.Settled {
		return store.ErrAlreadySettled
	}
	a.Settled = true
	a.SettledAt = &at
	a.WinningTeamID = winnerID
	a.WinningPrice = price
	return nil
}

func (r *AuctionRepo) List(_ context.Context) ([]store.Auction, error) {
	return r.list(func(store.Auction) bool { return true }), nil
}

func (r *AuctionRepo) ListUnsettled(_ context.Context) ([]store.Auction, error) {
	return r.list(func(a store.Auction) bool { return !a.Settled }), nil
}

func (r *AuctionRepo) list(keep func(store.Auction) bool) []store.Auction {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Auction
	for _, a := range s.auctions {
		if keep(*a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

// BidRepo implements store.BidRepository.
type BidRepo Store

func (r *BidRepo) Append(_ context.Context, b *store.Bid) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bidSeq++
	b.Seq = s.bidSeq
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	s.bids = append(s.bids, *b)
	return nil
}

func (r *BidRepo) ListByAuction(_ context.Context, auctionID string) ([]store.Bid, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Bid
	for _, b := range s.bids {
		if b.AuctionID == auctionID {
			out = append(out, b)
		}
	}
	return out, nil
}

// EventStore implements event.Store.
type EventStore Store

func (r *EventStore) Append(_ context.Context, events ...event.Event) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		s.events = append(s.events, e)
	}
	return nil
}

func (r *EventStore) ListForTeam(_ context.Context, teamID string, limit int) ([]event.Event, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.TeamID != "" && e.TeamID != teamID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *EventStore) LoadByType(_ context.Context, t event.Type) ([]event.Event, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out, nil
}
