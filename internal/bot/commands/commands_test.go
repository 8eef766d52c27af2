package commands_test

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/techrun/internal/auction"
	"github.com/jensholdgaard/techrun/internal/bot/commands"
	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/station"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/team"
)

// --- mocks ---

type mockAuctions struct {
	created  []skillcard.Kind
	durs     [][2]int
	bids     map[string]int
	bidErr   error
	snapshot auction.Status
}

func (m *mockAuctions) CreateAuction(_ context.Context, card skillcard.Kind, prepare, duration int) (*store.Auction, error) {
	m.created = append(m.created, card)
	m.durs = append(m.durs, [2]int{prepare, duration})
	return &store.Auction{ID: "a1", SkillCard: card}, nil
}

func (m *mockAuctions) RecordBid(_ context.Context, teamID string, price int) (*store.Bid, error) {
	if m.bidErr != nil {
		return nil, m.bidErr
	}
	if m.bids == nil {
		m.bids = make(map[string]int)
	}
	m.bids[teamID] = price
	return &store.Bid{TeamID: teamID, Price: price}, nil
}

func (m *mockAuctions) Snapshot() auction.Status { return m.snapshot }

type mockTeams struct {
	byName map[string]*store.Team
}

func (m *mockTeams) GetByUsername(_ context.Context, username string) (*store.Team, error) {
	t, ok := m.byName[username]
	if !ok {
		return nil, store.ErrTeamNotFound
	}
	return t, nil
}

func (m *mockTeams) Leaderboard(context.Context) ([]team.Standing, error) {
	return []team.Standing{{Name: "Alpha", Coins: 30}, {Name: "Beta", Coins: 10}}, nil
}

func (m *mockTeams) OtherTeamsCoins(context.Context, string) ([]team.Standing, error) {
	return nil, team.ErrCoinsHidden
}

type mockCards struct {
	played []skillcard.Kind
}

func (m *mockCards) ActivateSkillCard(_ context.Context, _ string, card skillcard.Kind) (*ledger.ActivationResult, error) {
	m.played = append(m.played, card)
	applied := card
	if card == skillcard.DongBo {
		applied = skillcard.HoiSinh
	}
	eff, _ := skillcard.EffectOf(applied)
	return &ledger.ActivationResult{Card: card, Applied: applied, Description: eff.Description}, nil
}

type unskipCall struct {
	teamID string
	waive  bool
}

type mockStations struct {
	unskips []unskipCall
	awards  map[string]int
}

var (
	testStation = &store.Station{ID: "s1", Name: "Tham tu", Codename: "tham-tu-lat-mat", Difficulty: store.Hard}
	testGroup   = &store.StationGroup{ID: "g1", Name: "Bigdata", Codename: "bigdata"}
)

func (m *mockStations) ResolveStation(_ context.Context, ref string) (*store.Station, error) {
	if ref != testStation.Codename {
		return nil, store.ErrStationNotFound
	}
	return testStation, nil
}

func (m *mockStations) ResolveGroup(_ context.Context, ref string) (*store.StationGroup, error) {
	if ref != testGroup.Codename {
		return nil, store.ErrGroupNotFound
	}
	return testGroup, nil
}

func (m *mockStations) GetVisitPrice(context.Context, string, string) (int, error) { return 5, nil }

func (m *mockStations) VisitStation(context.Context, string, string) (*station.VisitResult, error) {
	return &station.VisitResult{Price: 5, Balance: 15, Bypassed: true}, nil
}

func (m *mockStations) Skip(context.Context, string, string) (bool, error) { return true, nil }

func (m *mockStations) Unskip(_ context.Context, teamID, _ string, waive bool) (int, error) {
	m.unskips = append(m.unskips, unskipCall{teamID, waive})
	if waive {
		return 0, nil
	}
	return 30, nil
}

func (m *mockStations) AwardStationCoins(_ context.Context, _, teamID string, diff int, _ string) (int, error) {
	if m.awards == nil {
		m.awards = make(map[string]int)
	}
	m.awards[teamID] += diff
	return 100 + diff, nil
}

// --- helpers ---

type fixture struct {
	h        *commands.Handlers
	auctions *mockAuctions
	cards    *mockCards
	stations *mockStations
}

func newFixture() *fixture {
	teams := &mockTeams{byName: map[string]*store.Team{
		"gm":    {ID: "t-gm", Username: "gm", Name: "Game Master", Role: store.RoleAdmin},
		"alpha": {ID: "t-alpha", Username: "alpha", Name: "Alpha", Role: store.RolePlayer, Coins: 30, SkillCards: []skillcard.Kind{skillcard.Gamble}},
	}}
	f := &fixture{auctions: &mockAuctions{}, cards: &mockCards{}, stations: &mockStations{}}
	f.h = commands.NewHandlers(f.auctions, teams, f.cards, f.stations, config.Defaults().Game, slog.Default(), noop.NewTracerProvider())
	return f
}

func strOpt(name, v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionString, Value: v}
}

func intOpt(name string, v int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionInteger, Value: float64(v)}
}

func boolOpt(name string, v bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionBoolean, Value: v}
}

type opts = []*discordgo.ApplicationCommandInteractionDataOption

// --- tests ---

func TestSlashCommands_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for _, c := range commands.SlashCommands() {
		if seen[c.Name] {
			t.Errorf("duplicate command %q", c.Name)
		}
		seen[c.Name] = true
	}
	for _, name := range []string{"bid", "auction-start", "station-visit", "unskip", "card-use"} {
		if !seen[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name    string
		command string
		user    string
		opts    opts
		want    string
	}{
		{
			name:    "unlinked user",
			command: "team",
			user:    "stranger",
			want:    "not linked to a team",
		},
		{
			name:    "team",
			command: "team",
			user:    "alpha",
			want:    "**Alpha**: 30 coins\nSkill cards: gamble",
		},
		{
			name:    "leaderboard",
			command: "leaderboard",
			user:    "alpha",
			want:    "1. Alpha: 30 coins\n2. Beta: 10 coins",
		},
		{
			name:    "coins hidden outside pre-auction",
			command: "coins-others",
			user:    "alpha",
			want:    "Failed:",
		},
		{
			name:    "auction-start needs admin",
			command: "auction-start",
			user:    "alpha",
			opts:    opts{strOpt("card", "gamble")},
			want:    "game masters only",
		},
		{
			name:    "auction-start unknown card",
			command: "auction-start",
			user:    "gm",
			opts:    opts{strOpt("card", "joker")},
			want:    "unknown skill card",
		},
		{
			name:    "bid",
			command: "bid",
			user:    "alpha",
			opts:    opts{intOpt("amount", 12)},
			want:    "Bid of **12 coins** placed",
		},
		{
			name:    "card-use replay",
			command: "card-use",
			user:    "alpha",
			opts:    opts{strOpt("card", "DONG_BO")},
			want:    "**dong_bo** replayed **hoi_sinh**",
		},
		{
			name:    "station price",
			command: "station-price",
			user:    "alpha",
			opts:    opts{strOpt("station", "tham-tu-lat-mat")},
			want:    "costs 5 coins",
		},
		{
			name:    "station visit bypass",
			command: "station-visit",
			user:    "alpha",
			opts:    opts{strOpt("station", "tham-tu-lat-mat")},
			want:    "skip bypassed with vuot_tram_phu",
		},
		{
			name:    "unknown station",
			command: "station-visit",
			user:    "alpha",
			opts:    opts{strOpt("station", "nowhere")},
			want:    "station not found",
		},
		{
			name:    "skip",
			command: "skip",
			user:    "alpha",
			opts:    opts{strOpt("group", "bigdata")},
			want:    "Skipped **Bigdata**",
		},
		{
			name:    "player cannot waive",
			command: "unskip",
			user:    "alpha",
			opts:    opts{strOpt("group", "bigdata"), boolOpt("waive", true)},
			want:    "game masters only",
		},
		{
			name:    "unknown command",
			command: "dance",
			user:    "alpha",
			want:    "Unknown command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			got := f.h.Handle(context.Background(), tt.command, tt.user, tt.opts)
			if !strings.Contains(got, tt.want) {
				t.Errorf("Handle() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestHandle_AuctionStartDefaults(t *testing.T) {
	f := newFixture()
	got := f.h.Handle(context.Background(), "auction-start", "gm", opts{strOpt("card", "hoi_sinh"), intOpt("duration", 30)})
	if !strings.Contains(got, "`a1`") {
		t.Fatalf("Handle() = %q", got)
	}
	if len(f.auctions.created) != 1 || f.auctions.created[0] != skillcard.HoiSinh {
		t.Fatalf("created = %v", f.auctions.created)
	}
	if f.auctions.durs[0] != [2]int{10, 30} {
		t.Errorf("durations = %v, want [10 30]", f.auctions.durs[0])
	}
}

func TestHandle_BidError(t *testing.T) {
	f := newFixture()
	f.auctions.bidErr = auction.ErrNotLive
	got := f.h.Handle(context.Background(), "bid", "alpha", opts{intOpt("amount", 5)})
	if !strings.Contains(got, "has not started yet") {
		t.Errorf("Handle() = %q", got)
	}
	if f.auctions.bids["t-alpha"] != 0 {
		t.Error("bid recorded despite error")
	}
}

func TestHandle_UnskipForTeam(t *testing.T) {
	f := newFixture()
	got := f.h.Handle(context.Background(), "unskip", "gm", opts{strOpt("group", "bigdata"), strOpt("team", "alpha"), boolOpt("waive", true)})
	if !strings.Contains(got, "reopened for Alpha (paid 0 coins)") {
		t.Errorf("Handle() = %q", got)
	}
	want := []unskipCall{{"t-alpha", true}}
	if len(f.stations.unskips) != 1 || f.stations.unskips[0] != want[0] {
		t.Errorf("unskips = %v, want %v", f.stations.unskips, want)
	}
}

func TestHandle_Award(t *testing.T) {
	f := newFixture()
	got := f.h.Handle(context.Background(), "award", "gm", opts{
		strOpt("station", "tham-tu-lat-mat"),
		strOpt("team", "alpha"),
		intOpt("amount", -4),
	})
	if !strings.Contains(got, "**Alpha**: -4 coins at Tham tu (balance: 96)") {
		t.Errorf("Handle() = %q", got)
	}
	if f.stations.awards["t-alpha"] != -4 {
		t.Errorf("awards = %v", f.stations.awards)
	}

	got = f.h.Handle(context.Background(), "award", "alpha", opts{strOpt("station", "tham-tu-lat-mat"), strOpt("team", "alpha"), intOpt("amount", 50)})
	if !strings.Contains(got, "game masters only") {
		t.Errorf("player award = %q", got)
	}
}
