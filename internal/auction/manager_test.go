package auction_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/auction"
	"github.com/jensholdgaard/techrun/internal/bids"
	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/notify"
	"github.com/jensholdgaard/techrun/internal/notify/notifytest"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/store/memstore"
	"github.com/jensholdgaard/techrun/internal/tick"
)

var testTP = noop.NewTracerProvider()

type harness struct {
	m      *auction.Manager
	repos  *store.Repositories
	ledger *ledger.Manager
	sched  *tick.Scheduler
	fc     *clockwork.FakeClock
	rec    *notifytest.Recorder
}

// wiring replaces collaborators of the manager under test.
type wiring struct {
	notifier func(*notifytest.Recorder) notify.Notifier
	economy  func(*ledger.Manager) auction.Economy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newWiredHarness(t, wiring{})
}

func newWiredHarness(t *testing.T, w wiring) *harness {
	t.Helper()
	fc := clock.NewMock(time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC))
	repos := memstore.New(fc).Repositories()
	rec := &notifytest.Recorder{}
	led := ledger.NewManager(repos.Teams, repos.Ledger, rec, slog.Default(), testTP)
	bl := bids.NewLedger(repos.Bids, led, slog.Default(), testTP)
	sched := tick.New(slog.Default(), tick.WithClock(fc))

	var notifier notify.Notifier = rec
	if w.notifier != nil {
		notifier = w.notifier(rec)
	}
	var economy auction.Economy = led
	if w.economy != nil {
		economy = w.economy(led)
	}
	m := auction.NewManager(repos.Auctions, bl, economy, notifier, sched, slog.Default(), testTP, fc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &harness{m: m, repos: repos, ledger: led, sched: sched, fc: fc, rec: rec}
}

func (h *harness) team(t *testing.T, name string, coins int) string {
	t.Helper()
	team := &store.Team{Username: name, Name: name, Role: store.RolePlayer, Coins: coins}
	if err := h.repos.Teams.Create(context.Background(), team); err != nil {
		t.Fatalf("creating team %s: %v", name, err)
	}
	return team.ID
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitCountdown waits until a countdown of n ticks is armed.
func (h *harness) waitCountdown(t *testing.T, phase auction.Phase, n int) {
	t.Helper()
	eventually(t, fmt.Sprintf("%s countdown of %d", phase, n), func() bool {
		return h.m.GetStatus() == phase && h.sched.Running() && h.sched.Remaining() == n
	})
}

// step advances the clock one interval at a time, waiting for each tick to
// be applied.
func (h *harness) step(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		before := h.sched.Remaining()
		h.fc.Advance(tick.DefaultInterval)
		eventually(t, "tick", func() bool {
			return !h.sched.Running() || h.sched.Remaining() != before
		})
	}
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	eventually(t, "auction to settle", func() bool {
		_, err := h.m.GetCurrentAuction()
		return err != nil
	})
}

// runToLive creates an auction and lets the preparation elapse.
func (h *harness) runToLive(t *testing.T, card skillcard.Kind, prepare, live int) *store.Auction {
	t.Helper()
	a, err := h.m.CreateAuction(context.Background(), card, prepare, live)
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	h.waitCountdown(t, auction.PhasePre, prepare)
	h.step(t, prepare)
	h.waitCountdown(t, auction.PhaseLive, live)
	return a
}

func (h *harness) balance(t *testing.T, teamID string) int {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), teamID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b
}

func TestManager_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.team(t, "alpha", 200)
	b := h.team(t, "bravo", 200)
	c := h.team(t, "charlie", 100)

	if h.m.GetStatus() != auction.PhaseEnded {
		t.Fatalf("initial phase = %s, want %s", h.m.GetStatus(), auction.PhaseEnded)
	}

	created, err := h.m.CreateAuction(ctx, skillcard.HoiSinh, 2, 3)
	if err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	h.waitCountdown(t, auction.PhasePre, 2)

	if _, err := h.m.RecordBid(ctx, a, 10); !errors.Is(err, auction.ErrNotLive) {
		t.Errorf("bid during preparation error = %v, want ErrNotLive", err)
	}
	if !h.m.CanSeeOtherTeamsCoins() {
		t.Error("coins should be visible during preparation")
	}
	if _, err := h.m.CreateAuction(ctx, skillcard.Gamble, 1, 1); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("second CreateAuction error = %v, want Conflict", err)
	}
	cur, err := h.m.GetCurrentAuction()
	if err != nil || cur.ID != created.ID {
		t.Fatalf("GetCurrentAuction = %v, %v", cur, err)
	}

	h.step(t, 2)
	h.waitCountdown(t, auction.PhaseLive, 3)
	if h.m.CanSeeOtherTeamsCoins() {
		t.Error("coins must be hidden while live")
	}

	for _, bid := range []struct {
		team  string
		price int
	}{{a, 100}, {b, 150}, {c, 61}, {a, 160}} {
		if _, err := h.m.RecordBid(ctx, bid.team, bid.price); err != nil {
			t.Fatalf("RecordBid(%d): %v", bid.price, err)
		}
	}
	if _, err := h.m.RecordBid(ctx, c, 101); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Errorf("over-balance bid error = %v, want InsufficientFunds", err)
	}

	latest, err := h.m.LatestBids(ctx)
	if err != nil {
		t.Fatalf("LatestBids: %v", err)
	}
	if len(latest) != 3 || latest[2].TeamID != a || latest[2].Price != 160 {
		t.Errorf("latest bids = %+v", latest)
	}

	h.step(t, 3)
	h.waitIdle(t)

	if got := h.balance(t, a); got != 40 {
		t.Errorf("winner balance = %d, want 40", got)
	}
	if got := h.balance(t, b); got != 125 {
		t.Errorf("loser bravo balance = %d, want 125", got)
	}
	if got := h.balance(t, c); got != 70 {
		t.Errorf("loser charlie balance = %d, want 70 (61/2 truncated)", got)
	}
	winner, _ := h.ledger.GetTeam(ctx, a)
	if !skillcard.Contains(winner.SkillCards, skillcard.HoiSinh) {
		t.Errorf("winner cards = %v, want hoi_sinh", winner.SkillCards)
	}

	stored, err := h.m.GetAuction(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetAuction: %v", err)
	}
	if !stored.Settled || stored.WinningTeamID == nil || *stored.WinningTeamID != a || *stored.WinningPrice != 160 {
		t.Errorf("stored auction = %+v", stored)
	}
	if h.m.GetStatus() != auction.PhaseEnded {
		t.Errorf("phase = %s after settlement", h.m.GetStatus())
	}
	if !h.rec.Has(fmt.Sprintf("end hoi_sinh %s 160", a)) {
		t.Errorf("missing end notification, got %v", h.rec.Calls())
	}

	wantTicks := []notifytest.Tick{
		{Phase: "PRE_AUCTION", Remaining: 1}, {Phase: "PRE_AUCTION", Remaining: 0},
		{Phase: "LIVE_AUCTION", Remaining: 2}, {Phase: "LIVE_AUCTION", Remaining: 1}, {Phase: "LIVE_AUCTION", Remaining: 0},
	}
	ticks := h.rec.Ticks()
	if len(ticks) != len(wantTicks) {
		t.Fatalf("ticks = %v, want %v", ticks, wantTicks)
	}
	for i := range wantTicks {
		if ticks[i] != wantTicks[i] {
			t.Errorf("tick[%d] = %v, want %v", i, ticks[i], wantTicks[i])
		}
	}

	if _, err := h.m.RecordBid(ctx, a, 1); !errors.Is(err, auction.ErrNoActiveAuction) {
		t.Errorf("bid after settlement error = %v, want ErrNoActiveAuction", err)
	}
	if _, err := h.m.CreateAuction(ctx, skillcard.Gamble, 1, 1); err != nil {
		t.Errorf("CreateAuction after settlement: %v", err)
	}
}

func TestManager_NoBids(t *testing.T) {
	h := newHarness(t)
	a := h.team(t, "alpha", 50)

	created := h.runToLive(t, skillcard.LagMay, 1, 2)
	h.step(t, 2)
	h.waitIdle(t)

	if got := h.balance(t, a); got != 50 {
		t.Errorf("balance = %d, want 50", got)
	}
	stored, _ := h.m.GetAuction(context.Background(), created.ID)
	if !stored.Settled || stored.WinningTeamID != nil {
		t.Errorf("stored auction = %+v, want settled without winner", stored)
	}
	if !h.rec.Has("end lag_may nobody") {
		t.Errorf("missing end notification, got %v", h.rec.Calls())
	}
}

func TestManager_WinnerCannotPay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.team(t, "alpha", 200)
	b := h.team(t, "bravo", 200)

	created := h.runToLive(t, skillcard.Gamble, 1, 2)
	if _, err := h.m.RecordBid(ctx, a, 150); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.RecordBid(ctx, b, 100); err != nil {
		t.Fatal(err)
	}
	// Funds are not reserved: alpha spends them before settlement.
	if _, err := h.ledger.AdjustBalance(ctx, a, -120, "station", ledger.Attribution{}); err != nil {
		t.Fatal(err)
	}

	h.step(t, 2)
	h.waitIdle(t)

	if got := h.balance(t, a); got != 80 {
		t.Errorf("alpha balance = %d, want 80", got)
	}
	if got := h.balance(t, b); got != 200 {
		t.Errorf("bravo balance = %d, want 200 (no loser charge without a winner)", got)
	}
	stored, _ := h.m.GetAuction(ctx, created.ID)
	if !stored.Settled || stored.WinningTeamID != nil {
		t.Errorf("stored auction = %+v", stored)
	}
	team, _ := h.ledger.GetTeam(ctx, a)
	if len(team.SkillCards) != 0 {
		t.Errorf("unpaid winner received %v", team.SkillCards)
	}
}

// lateBidder bids from inside the final LIVE tick notification.
type lateBidder struct {
	*notifytest.Recorder
	m      *auction.Manager
	teamID string
	errs   chan error
}

func (l *lateBidder) NotifyAuctionTick(ctx context.Context, phase string, remaining int) {
	l.Recorder.NotifyAuctionTick(ctx, phase, remaining)
	if phase == string(auction.PhaseLive) && remaining == 0 {
		_, err := l.m.RecordBid(ctx, l.teamID, 50)
		l.errs <- err
	}
}

func TestManager_NoBidsOnceLiveCountdownExpires(t *testing.T) {
	late := &lateBidder{errs: make(chan error, 1)}
	h := newWiredHarness(t, wiring{notifier: func(rec *notifytest.Recorder) notify.Notifier {
		late.Recorder = rec
		return late
	}})
	late.m = h.m
	late.teamID = h.team(t, "alpha", 100)

	created := h.runToLive(t, skillcard.Gamble, 1, 2)
	h.step(t, 2)

	select {
	case err := <-late.errs:
		if !errors.Is(err, auction.ErrNoActiveAuction) {
			t.Errorf("bid at expiry error = %v, want ErrNoActiveAuction", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("final live tick was not delivered")
	}
	h.waitIdle(t)

	if got := h.balance(t, late.teamID); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
	stored, _ := h.m.GetAuction(context.Background(), created.ID)
	if !stored.Settled || stored.WinningTeamID != nil {
		t.Errorf("stored auction = %+v, want settled without winner", stored)
	}
}

// gatedEconomy holds the winner's debit until released.
type gatedEconomy struct {
	*ledger.Manager
	entered chan struct{}
	release chan struct{}
}

func (g *gatedEconomy) AdjustBalance(ctx context.Context, teamID string, diff int, reason string, attr ledger.Attribution) (int, error) {
	if reason == auction.ReasonWin {
		close(g.entered)
		<-g.release
	}
	return g.Manager.AdjustBalance(ctx, teamID, diff, reason, attr)
}

func TestManager_CreateAuction_ConflictInEveryPhase(t *testing.T) {
	gate := &gatedEconomy{entered: make(chan struct{}), release: make(chan struct{})}
	h := newWiredHarness(t, wiring{economy: func(led *ledger.Manager) auction.Economy {
		gate.Manager = led
		return gate
	}})
	var once sync.Once
	release := func() { once.Do(func() { close(gate.release) }) }
	t.Cleanup(release)

	ctx := context.Background()
	a := h.team(t, "alpha", 100)

	if _, err := h.m.CreateAuction(ctx, skillcard.Gamble, 1, 2); err != nil {
		t.Fatalf("CreateAuction: %v", err)
	}
	h.waitCountdown(t, auction.PhasePre, 1)
	if _, err := h.m.CreateAuction(ctx, skillcard.LagMay, 1, 1); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("create during preparation error = %v, want Conflict", err)
	}

	h.step(t, 1)
	h.waitCountdown(t, auction.PhaseLive, 2)
	if _, err := h.m.CreateAuction(ctx, skillcard.LagMay, 1, 1); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("create while live error = %v, want Conflict", err)
	}
	if _, err := h.m.RecordBid(ctx, a, 40); err != nil {
		t.Fatalf("RecordBid: %v", err)
	}

	h.step(t, 2)
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("settlement did not start")
	}
	if _, err := h.m.CreateAuction(ctx, skillcard.LagMay, 1, 1); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("create during settlement error = %v, want Conflict", err)
	}
	if _, err := h.m.RecordBid(ctx, a, 50); !errors.Is(err, auction.ErrNoActiveAuction) {
		t.Errorf("bid during settlement error = %v, want ErrNoActiveAuction", err)
	}
	if got := h.m.GetStatus(); got != auction.PhaseEnded {
		t.Errorf("phase during settlement = %s, want %s", got, auction.PhaseEnded)
	}

	release()
	h.waitIdle(t)
	if got := h.balance(t, a); got != 60 {
		t.Errorf("winner balance = %d, want 60", got)
	}
	if _, err := h.m.CreateAuction(ctx, skillcard.LagMay, 1, 1); err != nil {
		t.Errorf("CreateAuction after settlement: %v", err)
	}
}

func TestManager_CreateAuction_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		card     skillcard.Kind
		prepare  int
		duration int
	}{
		{name: "unknown card", card: "mystery", prepare: 1, duration: 1},
		{name: "zero preparation", card: skillcard.Gamble, prepare: 0, duration: 1},
		{name: "negative duration", card: skillcard.Gamble, prepare: 1, duration: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.m.CreateAuction(context.Background(), tt.card, tt.prepare, tt.duration)
			if !errors.Is(err, apperr.ErrInvalidArgument) {
				t.Errorf("error = %v, want InvalidArgument", err)
			}
			if h.m.GetStatus() != auction.PhaseEnded {
				t.Errorf("phase = %s after rejected create", h.m.GetStatus())
			}
		})
	}
}

func TestManager_IdleQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.team(t, "alpha", 10)

	if _, err := h.m.RecordBid(ctx, a, 5); !errors.Is(err, auction.ErrNoActiveAuction) {
		t.Errorf("RecordBid error = %v, want ErrNoActiveAuction", err)
	}
	if _, err := h.m.GetCurrentAuction(); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("GetCurrentAuction error = %v, want NotFound", err)
	}
	if _, err := h.m.LatestBids(ctx); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("LatestBids error = %v, want NotFound", err)
	}
	if h.m.CanSeeOtherTeamsCoins() {
		t.Error("coins visible while idle")
	}
	if s := h.m.Snapshot(); s.Phase != auction.PhaseEnded || s.Auction != nil {
		t.Errorf("Snapshot = %+v", s)
	}
}

func TestManager_ShutdownAbandons(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.team(t, "alpha", 100)

	created := h.runToLive(t, skillcard.TangGoiY, 1, 5)
	if _, err := h.m.RecordBid(ctx, a, 90); err != nil {
		t.Fatal(err)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.m.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := h.balance(t, a); got != 100 {
		t.Errorf("balance = %d, want 100", got)
	}
	stored, _ := h.m.GetAuction(ctx, created.ID)
	if !stored.Settled || stored.WinningTeamID != nil {
		t.Errorf("stored auction = %+v, want closed without winner", stored)
	}
	if _, err := h.m.CreateAuction(ctx, skillcard.Gamble, 1, 1); !errors.Is(err, auction.ErrShuttingDown) {
		t.Errorf("CreateAuction after Shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestManager_AbandonStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := &store.Auction{SkillCard: skillcard.DongBo, StartTime: h.fc.Now(), EndTime: h.fc.Now(), PrepareDurationSeconds: 10, DurationSeconds: 60}
	if err := h.repos.Auctions.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}

	n, err := h.m.AbandonStale(ctx)
	if err != nil {
		t.Fatalf("AbandonStale: %v", err)
	}
	if n != 1 {
		t.Errorf("closed %d auctions, want 1", n)
	}
	got, _ := h.m.GetAuction(ctx, stale.ID)
	if !got.Settled || got.WinningTeamID != nil {
		t.Errorf("stale auction = %+v", got)
	}

	all, err := h.m.ListAuctions(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("ListAuctions = %d, %v", len(all), err)
	}
	history, err := h.m.BidHistory(ctx, stale.ID)
	if err != nil || len(history) != 0 {
		t.Errorf("BidHistory = %v, %v", history, err)
	}
}
