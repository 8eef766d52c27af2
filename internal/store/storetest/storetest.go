// Package storetest holds behaviour checks every store driver must pass.
// Driver test files call Run with a constructor for fresh, empty
// repositories.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/event"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
)

// Run executes the suite; open must return empty repositories.
func Run(t *testing.T, open func(t *testing.T) *store.Repositories) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, r *store.Repositories)
	}{
		{"Teams", testTeams},
		{"LedgerCommit", testLedgerCommit},
		{"LedgerStaleVersion", testLedgerStaleVersion},
		{"Auctions", testAuctions},
		{"Bids", testBids},
		{"Stations", testStations},
		{"Skips", testSkips},
		{"Events", testEvents},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

// NewTeam creates a player team with the given coins.
func NewTeam(t *testing.T, r *store.Repositories, username string, coins int) *store.Team {
	t.Helper()
	team := &store.Team{Username: username, Name: username, Role: store.RolePlayer, Coins: coins}
	if err := r.Teams.Create(context.Background(), team); err != nil {
		t.Fatalf("Create team %s: %v", username, err)
	}
	return team
}

func testTeams(t *testing.T, r *store.Repositories) {
	ctx := context.Background()
	team := &store.Team{
		Username:        "team-rong",
		Name:            "Rong Vang",
		Role:            store.RolePlayer,
		Coins:           40,
		SkillCards:      []skillcard.Kind{skillcard.Gamble},
		UnlockedPuzzles: []string{"giai-ma-2-lop"},
	}
	if err := r.Teams.Create(ctx, team); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if team.ID == "" {
		t.Fatal("expected ID to be set after Create")
	}

	got, err := r.Teams.GetByUsername(ctx, "team-rong")
	if err != nil {
		t.Fatalf("GetByUsername: %v", err)
	}
	if got.ID != team.ID || got.Coins != 40 || got.Name != "Rong Vang" {
		t.Errorf("GetByUsername = %+v", got)
	}
	if len(got.SkillCards) != 1 || got.SkillCards[0] != skillcard.Gamble {
		t.Errorf("SkillCards = %v, want [gamble]", got.SkillCards)
	}
	if len(got.UnlockedPuzzles) != 1 {
		t.Errorf("UnlockedPuzzles = %v", got.UnlockedPuzzles)
	}

	if err := r.Teams.Create(ctx, &store.Team{Username: "team-rong", Role: store.RolePlayer}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate Create error = %v, want Conflict", err)
	}
	if _, err := r.Teams.GetByID(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want NotFound", err)
	}

	NewTeam(t, r, "team-ho", 0)
	all, err := r.Teams.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List returned %d teams, want 2", len(all))
	}
}

func testLedgerCommit(t *testing.T, r *store.Repositories) {
	ctx := context.Background()
	team := NewTeam(t, r, "team-commit", 10)
	version := team.Version

	team.Coins = 25
	team.ActiveEffects = []skillcard.Kind{skillcard.HoiSinh}
	err := r.Ledger.Commit(ctx, store.LedgerCommit{
		Team: team,
		Coin: &store.CoinLedgerEntry{TeamID: team.ID, Diff: 15, Reason: "minigame", StationID: "st-1"},
		SkillEvents: []store.SkillCardEvent{
			{TeamID: team.ID, SkillCard: skillcard.HoiSinh, Action: skillcard.ActionUsed},
		},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if team.Version != version+1 {
		t.Errorf("Version = %d, want %d", team.Version, version+1)
	}

	got, err := r.Teams.GetByID(ctx, team.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Coins != 25 || got.Version != team.Version {
		t.Errorf("stored team = coins %d version %d", got.Coins, got.Version)
	}
	if len(got.ActiveEffects) != 1 || got.ActiveEffects[0] != skillcard.HoiSinh {
		t.Errorf("ActiveEffects = %v", got.ActiveEffects)
	}

	coins, err := r.Ledger.CoinHistory(ctx, team.ID)
	if err != nil {
		t.Fatalf("CoinHistory: %v", err)
	}
	if len(coins) != 1 || coins[0].Diff != 15 || coins[0].StationID != "st-1" || coins[0].Reason != "minigame" {
		t.Errorf("CoinHistory = %+v", coins)
	}

	cards, err := r.Ledger.SkillCardHistory(ctx, team.ID)
	if err != nil {
		t.Fatalf("SkillCardHistory: %v", err)
	}
	if len(cards) != 1 || cards[0].Action != skillcard.ActionUsed {
		t.Errorf("SkillCardHistory = %+v", cards)
	}

	// A commit without audit records only updates the team.
	team.UnlockedPuzzles = []string{"mat-ma-toa-do"}
	if err := r.Ledger.Commit(ctx, store.LedgerCommit{Team: team}); err != nil {
		t.Fatalf("Commit without entries: %v", err)
	}
	coins, _ = r.Ledger.CoinHistory(ctx, team.ID)
	if len(coins) != 1 {
		t.Errorf("CoinHistory has %d entries, want 1", len(coins))
	}
}

func testLedgerStaleVersion(t *testing.T, r *store.Repositories) {
	ctx := context.Background()
	team := NewTeam(t, r, "team-stale", 10)

	stale := team.Clone()
	team.Coins = 5
	if err := r.Ledger.Commit(ctx, store.LedgerCommit{Team: team}); err != nil {
		t.Fatalf("first Commit: %v", err)
	}

	stale.Coins = 100
	err := r.Ledger.Commit(ctx, store.LedgerCommit{
		Team: &stale,
		Coin: &store.CoinLedgerEntry{TeamID: stale.ID, Diff: 90, Reason: "race"},
	})
	if !errors.Is(err, store.ErrStaleVersion) {
		t.Fatalf("stale Commit error = %v, want ErrStaleVersion", err)
	}

	got, _ := r.Teams.GetByID(ctx, team.ID)
	if got.Coins != 5 {
		t.Errorf("Coins = %d after rejected commit, want 5", got.Coins)
	}
	coins, _ := r.Ledger.CoinHistory(ctx, team.ID)
	if len(coins) != 0 {
		t.Errorf("rejected commit wrote %d coin entries", len(coins))
	}
}

func testAuctions(t *testing.T, r *store.Repositories) {
	ctx := context.Background()
	team := NewTeam(t, r, "team-auction", 0)
	start := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)

	a := &store.Auction{
		SkillCard:              skillcard.DongBo,
		StartTime:              start,
		EndTime:                start.Add(70 * time.Second),
		PrepareDurationSeconds: 10,
		DurationSeconds:        60,
	}
	if err := r.Auctions.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" {
		t.Fatal("expected ID to be set after Create")
	}

	second := &store.Auction{SkillCard: skillcard.Gamble, StartTime: start.Add(time.Hour), EndTime: start.Add(time.Hour), PrepareDurationSeconds: 1, DurationSeconds: 1}
	if err := r.Auctions.Create(ctx, second); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	open, err := r.Auctions.ListUnsettled(ctx)
	if err != nil {
		t.Fatalf("ListUnsettled: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("ListUnsettled returned %d, want 2", len(open))
	}

	price := 120
	if err := r.Auctions.Settle(ctx, a.ID, &team.ID, &price, start.Add(71*time.Second)); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if err := r.Auctions.Settle(ctx, a.ID, nil, nil, start); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second Settle error = %v, want Conflict", err)
	}
	if err := r.Auctions.Settle(ctx, second.ID, nil, nil, start.Add(time.Hour)); err != nil {
		t.Fatalf("Settle without winner: %v", err)
	}

	got, err := r.Auctions.GetByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.Settled || got.WinningTeamID == nil || *got.WinningTeamID != team.ID || got.WinningPrice == nil || *got.WinningPrice != 120 {
		t.Errorf("settled auction = %+v", got)
	}
	if got.SkillCard != skillcard.DongBo || got.DurationSeconds != 60 || got.PrepareDurationSeconds != 10 {
		t.Errorf("auction fields = %+v", got)
	}

	nobody, _ := r.Auctions.GetByID(ctx, second.ID)
	if !nobody.Settled || nobody.WinningTeamID != nil {
		t.Errorf("auction without winner = %+v", nobody)
	}

	all, err := r.Auctions.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].ID != second.ID {
		t.Errorf("List should return newest first, got %d auctions", len(all))
	}
	if _, err := r.Auctions.GetByID(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want NotFound", err)
	}
}

func testBids(t *testing.T, r *store.Repositories) {
	ctx := context.Background()
	a := NewTeam(t, r, "team-a", 200)
	b := NewTeam(t, r, "team-b", 200)
	auction := &store.Auction{SkillCard: skillcard.HoiSinh, StartTime: time.Now().UTC(), EndTime: time.Now().UTC(), PrepareDurationSeconds: 1, DurationSeconds: 1}
	if err := r.Auctions.Create(ctx, auction); err != nil {
		t.Fatalf("Create auction: %v", err)
	}

	var last int64
	for _, bid := range []store.Bid{
		{AuctionID: auction.ID, TeamID: a.ID, Price: 100},
		{AuctionID: auction.ID, TeamID: b.ID, Price: 150},
		{AuctionID: auction.ID, TeamID: a.ID, Price: 120},
	} {
		bid := bid
		if err := r.Bids.Append(ctx, &bid); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if bid.Seq <= last {
			t.Errorf("Seq %d not increasing after %d", bid.Seq, last)
		}
		last = bid.Seq
	}

	got, err := r.Bids.ListByAuction(ctx, auction.ID)
	if err != nil {
		t.Fatalf("ListByAuction: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListByAuction returned %d, want 3", len(got))
	}
	if got[0].Price != 100 || got[2].Price != 120 || got[2].TeamID != a.ID {
		t.Errorf("bids out of order: %+v", got)
	}
}

func testStations(t *testing.T, r *store.Repositories) {
	ctx := context.Background()
	team := NewTeam(t, r, "team-station", 0)

	g := &store.StationGroup{Name: "Minigame station", Codename: "minigame-station", Position: "THSG"}
	if err := r.Stations.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	st := &store.Station{Name: "Giai cuu thanh long", Codename: "giai-cuu-thanh-long", Difficulty: store.Easy, GroupID: g.ID, Pin: "4821"}
	if err := r.Stations.CreateStation(ctx, st); err != nil {
		t.Fatalf("CreateStation: %v", err)
	}
	if err := r.Stations.CreateGroup(ctx, &store.StationGroup{Name: "dup", Codename: "minigame-station"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate CreateGroup error = %v, want Conflict", err)
	}

	gotSt, err := r.Stations.GetStationByCodename(ctx, "giai-cuu-thanh-long")
	if err != nil {
		t.Fatalf("GetStationByCodename: %v", err)
	}
	if gotSt.ID != st.ID || gotSt.Difficulty != store.Easy || gotSt.GroupID != g.ID || gotSt.Pin != "4821" {
		t.Errorf("station = %+v", gotSt)
	}
	gotG, err := r.Stations.GetGroup(ctx, g.ID)
	if err != nil || gotG.Codename != "minigame-station" {
		t.Errorf("GetGroup = %+v, %v", gotG, err)
	}
	if _, err := r.Stations.GetGroupByCodename(ctx, "minigame-station"); err != nil {
		t.Errorf("GetGroupByCodename: %v", err)
	}
	if _, err := r.Stations.GetStation(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetStation(missing) error = %v, want NotFound", err)
	}

	for i := 0; i < 2; i++ {
		if err := r.Stations.RecordCheckin(ctx, &store.Checkin{TeamID: team.ID, StationID: st.ID, Price: i}); err != nil {
			t.Fatalf("RecordCheckin: %v", err)
		}
	}
	n, err := r.Stations.CountCheckins(ctx, team.ID, st.ID)
	if err != nil {
		t.Fatalf("CountCheckins: %v", err)
	}
	if n != 2 {
		t.Errorf("CountCheckins = %d, want 2", n)
	}
	checkins, err := r.Stations.ListCheckins(ctx, team.ID)
	if err != nil || len(checkins) != 2 {
		t.Errorf("ListCheckins = %d, %v", len(checkins), err)
	}

	groups, _ := r.Stations.ListGroups(ctx)
	stations, _ := r.Stations.ListStations(ctx)
	if len(groups) != 1 || len(stations) != 1 {
		t.Errorf("ListGroups/ListStations = %d/%d, want 1/1", len(groups), len(stations))
	}
}

func testSkips(t *testing.T, r *store.Repositories) {
	ctx := context.Background()
	team := NewTeam(t, r, "team-skip", 0)
	g := &store.StationGroup{Name: "Bigdata", Codename: "bigdata", Position: "KHTN"}
	if err := r.Stations.CreateGroup(ctx, g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	if err := r.Skips.Create(ctx, &store.Skip{TeamID: team.ID, StationGroupID: g.ID}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Skips.Create(ctx, &store.Skip{TeamID: team.ID, StationGroupID: g.ID}); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate Create error = %v, want ErrDuplicate", err)
	}
	if _, err := r.Skips.Get(ctx, team.ID, g.ID); err != nil {
		t.Errorf("Get: %v", err)
	}
	list, err := r.Skips.ListByTeam(ctx, team.ID)
	if err != nil || len(list) != 1 {
		t.Errorf("ListByTeam = %d, %v", len(list), err)
	}

	if err := r.Skips.Delete(ctx, team.ID, g.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Skips.Get(ctx, team.ID, g.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want NotFound", err)
	}
	if err := r.Skips.Delete(ctx, team.ID, g.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second Delete error = %v, want NotFound", err)
	}
}

func testEvents(t *testing.T, r *store.Repositories) {
	ctx := context.Background()
	a := NewTeam(t, r, "team-ev-a", 0)
	b := NewTeam(t, r, "team-ev-b", 0)
	base := time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC)

	err := r.Events.Append(ctx,
		event.Event{Type: event.NewAuction, Data: []byte(`{"auction_id":"x"}`), CreatedAt: base},
		event.Event{Type: event.CoinsUpdate, TeamID: a.ID, Data: []byte(`{"diff":5}`), CreatedAt: base.Add(time.Second)},
		event.Event{Type: event.CoinsUpdate, TeamID: b.ID, Data: []byte(`{"diff":7}`), CreatedAt: base.Add(2 * time.Second)},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	feed, err := r.Events.ListForTeam(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("ListForTeam: %v", err)
	}
	if len(feed) != 2 {
		t.Fatalf("ListForTeam returned %d, want 2", len(feed))
	}
	if feed[0].Type != event.CoinsUpdate || feed[1].Type != event.NewAuction {
		t.Errorf("feed not newest first: %v, %v", feed[0].Type, feed[1].Type)
	}

	limited, _ := r.Events.ListForTeam(ctx, a.ID, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d events", len(limited))
	}

	updates, err := r.Events.LoadByType(ctx, event.CoinsUpdate)
	if err != nil {
		t.Fatalf("LoadByType: %v", err)
	}
	if len(updates) != 2 || updates[0].TeamID != a.ID {
		t.Errorf("LoadByType = %+v", updates)
	}
}
