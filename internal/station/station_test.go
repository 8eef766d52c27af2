package station_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/notify"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/station"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/store/memstore"
)

var testTP = noop.NewTracerProvider()

type fixture struct {
	m        *station.Manager
	ledger   *ledger.Manager
	repos    *store.Repositories
	easy     *store.Station
	hard     *store.Station
	minigame *store.Station
	group    *store.StationGroup
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repos := memstore.New(clock.Real()).Repositories()
	led := ledger.NewManager(repos.Teams, repos.Ledger, notify.Nop{}, slog.Default(), testTP)
	m := station.NewManager(repos.Stations, repos.Skips, repos.Teams, led, config.Defaults().Game, slog.Default(), testTP)

	f := &fixture{m: m, ledger: led, repos: repos}
	f.group = &store.StationGroup{Name: "Bigdata", Codename: "bigdata", Position: "KHTN"}
	mg := &store.StationGroup{Name: "Minigame station", Codename: "minigame-station", Position: "THSG"}
	for _, g := range []*store.StationGroup{f.group, mg} {
		if err := repos.Stations.CreateGroup(ctx, g); err != nil {
			t.Fatal(err)
		}
	}
	f.easy = &store.Station{Name: "Ten mien", Codename: "ten-mien-de-thuong", Difficulty: store.Easy, GroupID: f.group.ID, Pin: "1234"}
	f.hard = &store.Station{Name: "Tham tu", Codename: "tham-tu-lat-mat", Difficulty: store.Hard, GroupID: f.group.ID, Pin: "5678"}
	f.minigame = &store.Station{Name: "Xep logo", Codename: "xep-logo", Difficulty: store.Medium, GroupID: mg.ID, Pin: "9012"}
	for _, s := range []*store.Station{f.easy, f.hard, f.minigame} {
		if err := repos.Stations.CreateStation(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func (f *fixture) team(t *testing.T, name string, coins int, cards ...skillcard.Kind) string {
	t.Helper()
	team := &store.Team{Username: name, Role: store.RolePlayer, Coins: coins, SkillCards: cards}
	if err := f.repos.Teams.Create(context.Background(), team); err != nil {
		t.Fatal(err)
	}
	return team.ID
}

func (f *fixture) balance(t *testing.T, teamID string) int {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), teamID)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPrice(t *testing.T) {
	tests := []struct {
		difficulty store.Difficulty
		want       []int
	}{
		{store.Easy, []int{0, 0, 1, 2, 3}},
		{store.Medium, []int{0, 1, 3, 5, 7}},
		{store.Hard, []int{0, 2, 5, 8, 11}},
	}

	for _, tt := range tests {
		t.Run(string(tt.difficulty), func(t *testing.T) {
			for n, want := range tt.want {
				if got := station.Price(tt.difficulty, n); got != want {
					t.Errorf("Price(%s, %d) = %d, want %d", tt.difficulty, n, got, want)
				}
			}
		})
	}
}

func TestManager_VisitStation_PriceGrowsWithVisits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t, "alpha", 20)

	for i, want := range []int{0, 2, 5} {
		price, err := f.m.GetVisitPrice(ctx, f.hard.ID, id)
		if err != nil {
			t.Fatalf("GetVisitPrice: %v", err)
		}
		if price != want {
			t.Errorf("visit %d: quoted %d, want %d", i, price, want)
		}
		res, err := f.m.VisitStation(ctx, f.hard.ID, id)
		if err != nil {
			t.Fatalf("VisitStation %d: %v", i, err)
		}
		if res.Price != want {
			t.Errorf("visit %d: charged %d, want %d", i, res.Price, want)
		}
	}
	if got := f.balance(t, id); got != 13 {
		t.Errorf("balance = %d, want 13", got)
	}

	checkins, _ := f.repos.Stations.ListCheckins(ctx, id)
	if len(checkins) != 3 {
		t.Errorf("recorded %d checkins, want 3", len(checkins))
	}
}

func TestManager_VisitStation_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t, "alpha", 1)

	if _, err := f.m.VisitStation(ctx, f.hard.ID, id); err != nil {
		t.Fatalf("free visit: %v", err)
	}
	if _, err := f.m.VisitStation(ctx, f.hard.ID, id); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("second visit error = %v, want InsufficientFunds", err)
	}
	n, _ := f.repos.Stations.CountCheckins(ctx, id, f.hard.ID)
	if n != 1 {
		t.Errorf("checkins = %d, want 1", n)
	}
	if got := f.balance(t, id); got != 1 {
		t.Errorf("balance = %d, want 1", got)
	}
}

func TestManager_VisitStation_Unknown(t *testing.T) {
	f := newFixture(t)
	id := f.team(t, "alpha", 1)
	if _, err := f.m.VisitStation(context.Background(), "nowhere", id); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("error = %v, want NotFound", err)
	}
	if _, err := f.m.GetVisitPrice(context.Background(), f.easy.ID, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetVisitPrice(ghost) error = %v, want NotFound", err)
	}
}

func TestManager_SkipBlocksVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t, "alpha", 100)

	created, err := f.m.Skip(ctx, id, f.group.ID)
	if err != nil || !created {
		t.Fatalf("Skip = %v, %v", created, err)
	}
	created, err = f.m.Skip(ctx, id, f.group.ID)
	if err != nil || created {
		t.Errorf("second Skip = %v, %v, want false, nil", created, err)
	}

	if _, err := f.m.VisitStation(ctx, f.easy.ID, id); !errors.Is(err, station.ErrSkipped) {
		t.Errorf("visit in skipped group error = %v, want ErrSkipped", err)
	}
	// Other groups stay open.
	if _, err := f.m.VisitStation(ctx, f.minigame.ID, id); err != nil {
		t.Errorf("visit in other group: %v", err)
	}
}

func TestManager_VuotTramPhuBypassesSkipOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t, "alpha", 100, skillcard.VuotTramPhu)

	if _, err := f.m.Skip(ctx, id, f.group.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.ActivateSkillCard(ctx, id, skillcard.VuotTramPhu); err != nil {
		t.Fatal(err)
	}

	res, err := f.m.VisitStation(ctx, f.easy.ID, id)
	if err != nil {
		t.Fatalf("VisitStation with VuotTramPhu: %v", err)
	}
	if !res.Bypassed {
		t.Error("Bypassed = false")
	}
	if _, err := f.m.VisitStation(ctx, f.easy.ID, id); !errors.Is(err, station.ErrSkipped) {
		t.Errorf("second visit error = %v, want ErrSkipped", err)
	}
}

func TestManager_SkipCheckedBeforeFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t, "alpha", 2)

	for i := 0; i < 2; i++ {
		if _, err := f.m.VisitStation(ctx, f.hard.ID, id); err != nil {
			t.Fatalf("visit %d: %v", i, err)
		}
	}
	if _, err := f.m.Skip(ctx, id, f.group.ID); err != nil {
		t.Fatal(err)
	}

	_, err := f.m.VisitStation(ctx, f.hard.ID, id)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("visit error = %v, want Conflict", err)
	}
	if errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Errorf("visit error = %v, should not report funds", err)
	}
}

// drainingEconomy empties the team's balance just before the visit fee is
// taken, as a concurrent auction settlement would.
type drainingEconomy struct {
	*ledger.Manager
}

func (d drainingEconomy) Spend(ctx context.Context, teamID string, c ledger.Charge) (*ledger.ChargeResult, error) {
	balance, err := d.GetBalance(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if _, err := d.AdjustBalance(ctx, teamID, -balance, "settlement", ledger.Attribution{}); err != nil {
		return nil, err
	}
	return d.Manager.Spend(ctx, teamID, c)
}

func TestManager_VisitStation_FailedFeeKeepsBypass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t, "alpha", 20, skillcard.VuotTramPhu)
	if _, err := f.m.VisitStation(ctx, f.hard.ID, id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.ActivateSkillCard(ctx, id, skillcard.VuotTramPhu); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.Skip(ctx, id, f.group.ID); err != nil {
		t.Fatal(err)
	}

	m := station.NewManager(f.repos.Stations, f.repos.Skips, f.repos.Teams, drainingEconomy{f.ledger}, config.Defaults().Game, slog.Default(), testTP)
	if _, err := m.VisitStation(ctx, f.hard.ID, id); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("visit error = %v, want InsufficientFunds", err)
	}

	team, _ := f.ledger.GetTeam(ctx, id)
	if !skillcard.Contains(team.ActiveEffects, skillcard.VuotTramPhu) {
		t.Errorf("active effects = %v, VuotTramPhu lost without a visit", team.ActiveEffects)
	}
	if n, _ := f.repos.Stations.CountCheckins(ctx, id, f.hard.ID); n != 1 {
		t.Errorf("checkins = %d, want 1", n)
	}
}

type failingCheckins struct {
	store.StationRepository
}

func (failingCheckins) RecordCheckin(context.Context, *store.Checkin) error {
	return errors.New("disk full")
}

func TestManager_VisitStation_CheckinFailureReversesCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t, "alpha", 20, skillcard.VuotTramPhu)
	if _, err := f.m.VisitStation(ctx, f.hard.ID, id); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.ActivateSkillCard(ctx, id, skillcard.VuotTramPhu); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.Skip(ctx, id, f.group.ID); err != nil {
		t.Fatal(err)
	}

	m := station.NewManager(failingCheckins{f.repos.Stations}, f.repos.Skips, f.repos.Teams, f.ledger, config.Defaults().Game, slog.Default(), testTP)
	if _, err := m.VisitStation(ctx, f.hard.ID, id); err == nil {
		t.Fatal("VisitStation succeeded with a failing checkin store")
	}

	if got := f.balance(t, id); got != 20 {
		t.Errorf("balance = %d, want 20", got)
	}
	team, _ := f.ledger.GetTeam(ctx, id)
	if !skillcard.Contains(team.ActiveEffects, skillcard.VuotTramPhu) {
		t.Error("VuotTramPhu not restored")
	}
}

type failingDelete struct {
	store.SkipRepository
}

func (failingDelete) Delete(context.Context, string, string) error {
	return errors.New("connection reset")
}

func TestManager_Unskip_DeleteFailureReversesCharge(t *testing.T) {
	for _, hoiSinh := range []bool{false, true} {
		t.Run(fmt.Sprintf("hoi_sinh=%t", hoiSinh), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			id := f.team(t, "alpha", 50, skillcard.HoiSinh)
			if hoiSinh {
				if _, err := f.ledger.ActivateSkillCard(ctx, id, skillcard.HoiSinh); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := f.m.Skip(ctx, id, f.group.ID); err != nil {
				t.Fatal(err)
			}

			m := station.NewManager(f.repos.Stations, failingDelete{f.repos.Skips}, f.repos.Teams, f.ledger, config.Defaults().Game, slog.Default(), testTP)
			if _, err := m.Unskip(ctx, id, f.group.ID, false); err == nil {
				t.Fatal("Unskip succeeded with a failing skip store")
			}

			if got := f.balance(t, id); got != 50 {
				t.Errorf("balance = %d, want 50", got)
			}
			team, _ := f.ledger.GetTeam(ctx, id)
			if got := skillcard.Contains(team.ActiveEffects, skillcard.HoiSinh); got != hoiSinh {
				t.Errorf("HoiSinh active = %t, want %t", got, hoiSinh)
			}
		})
	}
}

func TestManager_Unskip(t *testing.T) {
	tests := []struct {
		name        string
		coins       int
		hoiSinh     bool
		waive       bool
		wantCharged int
		wantBalance int
		wantErr     error
	}{
		{name: "pays the fee", coins: 50, wantCharged: 30, wantBalance: 20},
		{name: "waived by caller", coins: 50, waive: true, wantBalance: 50},
		{name: "free with hoi sinh", coins: 50, hoiSinh: true, wantBalance: 50},
		{name: "cannot afford", coins: 29, wantBalance: 29, wantErr: apperr.ErrInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			var cards []skillcard.Kind
			if tt.hoiSinh {
				cards = append(cards, skillcard.HoiSinh)
			}
			id := f.team(t, "alpha", tt.coins, cards...)
			if tt.hoiSinh {
				if _, err := f.ledger.ActivateSkillCard(ctx, id, skillcard.HoiSinh); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := f.m.Skip(ctx, id, f.group.ID); err != nil {
				t.Fatal(err)
			}

			charged, err := f.m.Unskip(ctx, id, f.group.ID, tt.waive)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Unskip error = %v, want %v", err, tt.wantErr)
				}
				if _, err := f.repos.Skips.Get(ctx, id, f.group.ID); err != nil {
					t.Errorf("skip removed despite failure: %v", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Unskip: %v", err)
				}
				if charged != tt.wantCharged {
					t.Errorf("charged = %d, want %d", charged, tt.wantCharged)
				}
				if _, err := f.m.VisitStation(ctx, f.easy.ID, id); err != nil {
					t.Errorf("visit after unskip: %v", err)
				}
			}
			if got := f.balance(t, id); got != tt.wantBalance {
				t.Errorf("balance = %d, want %d", got, tt.wantBalance)
			}
			if tt.hoiSinh {
				team, _ := f.ledger.GetTeam(ctx, id)
				if skillcard.Contains(team.ActiveEffects, skillcard.HoiSinh) {
					t.Error("HoiSinh not consumed")
				}
			}
		})
	}
}

func TestManager_Unskip_NotSkipped(t *testing.T) {
	f := newFixture(t)
	id := f.team(t, "alpha", 100)
	if _, err := f.m.Unskip(context.Background(), id, f.group.ID, false); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("error = %v, want NotFound", err)
	}
	if got := f.balance(t, id); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
}

func TestManager_AwardStationCoins_Minigame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t, "alpha", 0, skillcard.NgoiSaoHiVong)
	if _, err := f.ledger.ActivateSkillCard(ctx, id, skillcard.NgoiSaoHiVong); err != nil {
		t.Fatal(err)
	}

	// A regular station does not use up the multiplier.
	if _, err := f.m.AwardStationCoins(ctx, f.easy.ID, id, 10, ""); err != nil {
		t.Fatal(err)
	}
	got, err := f.m.AwardStationCoins(ctx, f.minigame.ID, id, 10, "minigame win")
	if err != nil {
		t.Fatalf("AwardStationCoins: %v", err)
	}
	if got != 40 {
		t.Errorf("balance = %d, want 10 + 3*10", got)
	}

	history, _ := f.ledger.CoinHistory(ctx, id)
	last := history[len(history)-1]
	if last.StationID != f.minigame.ID || last.Diff != 30 || last.Reason != "minigame win" {
		t.Errorf("last entry = %+v", last)
	}
}

func TestManager_ConcurrentVisits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.team(t, "alpha", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.m.VisitStation(ctx, f.hard.ID, id); err != nil {
				t.Errorf("VisitStation: %v", err)
			}
		}()
	}
	wg.Wait()

	// 0 + 2 + 5 + ... + 26: every visit saw a distinct count.
	want := 1000
	for n := 0; n < 10; n++ {
		want -= station.Price(store.Hard, n)
	}
	if got := f.balance(t, id); got != want {
		t.Errorf("balance = %d, want %d", got, want)
	}
}

func TestManager_VerifyPin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.m.VerifyPin(ctx, "tham-tu-lat-mat", "5678")
	if err != nil || st.ID != f.hard.ID {
		t.Fatalf("VerifyPin = %v, %v", st, err)
	}
	for _, tc := range []struct{ codename, pin string }{
		{"tham-tu-lat-mat", "0000"},
		{"unknown", "5678"},
	} {
		if _, err := f.m.VerifyPin(ctx, tc.codename, tc.pin); !errors.Is(err, station.ErrInvalidPin) {
			t.Errorf("VerifyPin(%s, %s) error = %v, want ErrInvalidPin", tc.codename, tc.pin, err)
		}
	}
}

func TestManager_Seed(t *testing.T) {
	repos := memstore.New(clock.Real()).Repositories()
	led := ledger.NewManager(repos.Teams, repos.Ledger, notify.Nop{}, slog.Default(), testTP)
	m := station.NewManager(repos.Stations, repos.Skips, repos.Teams, led, config.Defaults().Game, slog.Default(), testTP)
	ctx := context.Background()

	created, err := m.Seed(ctx)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(created) == 0 {
		t.Fatal("Seed created no stations")
	}
	for _, s := range created {
		if len(s.Pin) != 4 {
			t.Errorf("station %s PIN %q is not four digits", s.Codename, s.Pin)
		}
	}
	if _, err := repos.Stations.GetGroupByCodename(ctx, "minigame-station"); err != nil {
		t.Errorf("minigame group missing: %v", err)
	}

	again, err := m.Seed(ctx)
	if err != nil || len(again) != 0 {
		t.Errorf("second Seed = %d stations, %v", len(again), err)
	}
	stations, _ := m.ListStations(ctx)
	if len(stations) != len(created) {
		t.Errorf("ListStations = %d, want %d", len(stations), len(created))
	}
}

func TestManager_Resolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ref := range []string{f.hard.ID, "tham-tu-lat-mat"} {
		st, err := f.m.ResolveStation(ctx, ref)
		if err != nil {
			t.Fatalf("ResolveStation(%q) error = %v", ref, err)
		}
		if st.ID != f.hard.ID {
			t.Errorf("ResolveStation(%q) = %s, want %s", ref, st.ID, f.hard.ID)
		}
	}
	if _, err := f.m.ResolveStation(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("ResolveStation(nope) error = %v, want NotFound", err)
	}

	g, err := f.m.ResolveGroup(ctx, "bigdata")
	if err != nil {
		t.Fatalf("ResolveGroup() error = %v", err)
	}
	if g.ID != f.group.ID {
		t.Errorf("ResolveGroup() = %s, want %s", g.ID, f.group.ID)
	}
}
