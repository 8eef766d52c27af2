package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/techrun/internal/bids"
	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/notify"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/tick"
)

const scope = "github.com/jensholdgaard/techrun/internal/auction"

// Manager owns the auction state machine. Bids hold the read lock and
// phase transitions the write lock, so once settlement flips the phase no
// bid can slip in.
type Manager struct {
	mu      sync.RWMutex
	phase   Phase
	current *store.Auction
	closed  bool
	// live is the running LIVE countdown; bidding closes once it expires.
	live *tick.Countdown

	scheduler *tick.Scheduler
	auctions  store.AuctionRepository
	bids      BidLedger
	economy   Economy
	notifier  notify.Notifier
	logger    *slog.Logger
	tracer    trace.Tracer
	clock     clock.Clock

	wg      sync.WaitGroup
	settled metric.Int64Counter
}

// NewManager creates an idle auction Manager. The scheduler must not be
// shared with anything else.
func NewManager(auctions store.AuctionRepository, bidLedger BidLedger, economy Economy, notifier notify.Notifier, scheduler *tick.Scheduler, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Manager {
	settled, err := otel.Meter(scope).Int64Counter("techrun.auctions.settled",
		metric.WithDescription("Auctions settled, by outcome"))
	if err != nil {
		logger.Warn("creating auctions counter", slog.Any("error", err))
	}
	return &Manager{
		phase:     PhaseEnded,
		scheduler: scheduler,
		auctions:  auctions,
		bids:      bidLedger,
		economy:   economy,
		notifier:  notifier,
		logger:    logger,
		tracer:    tp.Tracer(scope),
		clock:     clk,
		settled:   settled,
	}
}

// CreateAuction persists a new auction for card and starts its preparation
// countdown in the background.
func (m *Manager) CreateAuction(ctx context.Context, card skillcard.Kind, prepareSeconds, durationSeconds int) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CreateAuction",
		trace.WithAttributes(
			attribute.String("skill_card", string(card)),
			attribute.Int("prepare_seconds", prepareSeconds),
			attribute.Int("duration_seconds", durationSeconds),
		),
	)
	defer span.End()

	if !card.Valid() {
		return nil, fail(span, fmt.Errorf("%w: %q", skillcard.ErrUnknown, card))
	}
	if prepareSeconds <= 0 || durationSeconds <= 0 {
		return nil, fail(span, fmt.Errorf("prepare %ds, duration %ds: %w", prepareSeconds, durationSeconds, ErrInvalidDuration))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fail(span, ErrShuttingDown)
	}
	if m.current != nil {
		return nil, fail(span, fmt.Errorf("auction %s: %w", m.current.ID, ErrAuctionActive))
	}

	start := clock.NowUTC(m.clock).Add(time.Duration(prepareSeconds) * time.Second)
	a := &store.Auction{
		SkillCard:              card,
		StartTime:              start,
		EndTime:                start.Add(time.Duration(durationSeconds) * time.Second),
		PrepareDurationSeconds: prepareSeconds,
		DurationSeconds:        durationSeconds,
	}
	if err := m.auctions.Create(ctx, a); err != nil {
		return nil, fail(span, fmt.Errorf("creating auction: %w", err))
	}
	m.current = a
	m.phase = PhasePre

	m.logger.InfoContext(ctx, "auction created",
		slog.String("auction_id", a.ID),
		slog.String("skill_card", string(card)),
		slog.Int("prepare_seconds", prepareSeconds),
		slog.Int("duration_seconds", durationSeconds),
	)
	m.notifier.NotifyAuctionCreated(ctx, a)

	m.wg.Add(1)
	go m.run(context.WithoutCancel(ctx), a)

	out := *a
	return &out, nil
}

// run drives one auction from preparation to settlement.
func (m *Manager) run(ctx context.Context, a *store.Auction) {
	defer m.wg.Done()

	if !m.countdown(ctx, PhasePre, a.PrepareDurationSeconds) {
		m.abandon(ctx, a)
		return
	}

	m.mu.Lock()
	m.phase = PhaseLive
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "auction live", slog.String("auction_id", a.ID))
	m.notifier.NotifyAuctionStart(ctx, a)

	if !m.countdown(ctx, PhaseLive, a.DurationSeconds) {
		m.abandon(ctx, a)
		return
	}
	m.settle(ctx, a)
}

// countdown blocks until a phase countdown ends and reports whether it ran
// to completion.
func (m *Manager) countdown(ctx context.Context, phase Phase, seconds int) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	cd, ok := m.scheduler.Start(seconds, func(remaining int) {
		if phase == PhaseLive && remaining == 0 {
			m.mu.Lock()
			m.phase = PhaseEnded
			m.mu.Unlock()
		}
		m.notifier.NotifyAuctionTick(ctx, string(phase), remaining)
	})
	if ok && phase == PhaseLive {
		m.live = cd
	}
	m.mu.Unlock()
	if !ok {
		m.logger.ErrorContext(ctx, "auction countdown could not start", slog.String("phase", string(phase)))
		return false
	}
	<-cd.Done()
	return !cd.Stopped()
}

// abandon ends an interrupted auction without economic effect.
func (m *Manager) abandon(ctx context.Context, a *store.Auction) {
	m.mu.Lock()
	m.phase = PhaseEnded
	m.current = nil
	m.live = nil
	m.mu.Unlock()

	if err := m.auctions.Settle(ctx, a.ID, nil, nil, clock.NowUTC(m.clock)); err != nil {
		m.logger.ErrorContext(ctx, "failed to close abandoned auction",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
	}
	m.settled.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "abandoned")))
	m.logger.WarnContext(ctx, "auction abandoned", slog.String("auction_id", a.ID))
}

// settle charges the bidders and hands the card to the winner. Bidding is
// already closed when the live countdown expires; the phase is set again
// here so that it is ENDED before bids are read. The current auction is
// released whatever happens.
func (m *Manager) settle(ctx context.Context, a *store.Auction) {
	ctx, span := m.tracer.Start(ctx, "Manager.settle",
		trace.WithAttributes(attribute.String("auction_id", a.ID)),
	)
	defer span.End()

	m.mu.Lock()
	m.phase = PhaseEnded
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.current = nil
		m.live = nil
		m.mu.Unlock()
	}()

	var paid *store.Bid
	outcome := "no_bids"
	winner, losers, err := m.bids.GetWinnerAndLosers(ctx, a.ID)
	switch {
	case errors.Is(err, bids.ErrNoBids):
		m.logger.InfoContext(ctx, "auction ended without bids", slog.String("auction_id", a.ID))
	case err != nil:
		outcome = "failed"
		span.RecordError(err)
		m.logger.ErrorContext(ctx, "failed to read bids, settling without winner",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
	default:
		if _, err := m.economy.AdjustBalance(ctx, winner.TeamID, -winner.Price, ReasonWin, ledger.Attribution{}); err != nil {
			outcome = "winner_unpaid"
			span.RecordError(err)
			m.logger.ErrorContext(ctx, "winner could not pay, settling without winner",
				slog.String("auction_id", a.ID),
				slog.String("team_id", winner.TeamID),
				slog.Int("price", winner.Price),
				slog.Any("error", err),
			)
			break
		}
		paid = &winner
		outcome = "sold"
		m.chargeLosers(ctx, a, losers)
		if err := m.economy.GrantSkillCard(ctx, winner.TeamID, a.SkillCard); err != nil {
			span.RecordError(err)
			m.logger.ErrorContext(ctx, "failed to grant skill card",
				slog.String("auction_id", a.ID),
				slog.String("team_id", winner.TeamID),
				slog.Any("error", err),
			)
		}
	}

	var winnerID *string
	var price *int
	if paid != nil {
		winnerID, price = &paid.TeamID, &paid.Price
	}
	at := clock.NowUTC(m.clock)
	if err := m.auctions.Settle(ctx, a.ID, winnerID, price, at); err != nil {
		span.RecordError(err)
		m.logger.ErrorContext(ctx, "failed to record settlement",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
	}
	m.mu.Lock()
	a.Settled, a.SettledAt, a.WinningTeamID, a.WinningPrice = true, &at, winnerID, price
	m.mu.Unlock()

	span.SetAttributes(attribute.String("outcome", outcome))
	m.settled.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.logger.InfoContext(ctx, "auction settled",
		slog.String("auction_id", a.ID),
		slog.String("outcome", outcome),
	)
	m.notifier.NotifyAuctionEnd(ctx, a, paid)
}

func (m *Manager) chargeLosers(ctx context.Context, a *store.Auction, losers []store.Bid) {
	for _, l := range losers {
		fee := LoserFee(l.Price)
		if fee == 0 {
			continue
		}
		if _, err := m.economy.AdjustBalance(ctx, l.TeamID, -fee, ReasonLoss, ledger.Attribution{}); err != nil {
			m.logger.WarnContext(ctx, "failed to charge losing bidder",
				slog.String("auction_id", a.ID),
				slog.String("team_id", l.TeamID),
				slog.Int("fee", fee),
				slog.Any("error", err),
			)
		}
	}
}

// RecordBid places a bid on the live auction.
func (m *Manager) RecordBid(ctx context.Context, teamID string, price int) (*store.Bid, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.RecordBid",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.Int("price", price),
		),
	)
	defer span.End()

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.phase == PhaseEnded:
		return nil, fail(span, ErrNoActiveAuction)
	case m.phase == PhasePre:
		return nil, fail(span, ErrNotLive)
	case m.live != nil && m.live.Expired():
		return nil, fail(span, ErrNoActiveAuction)
	}
	b, err := m.bids.RecordBid(ctx, m.current.ID, teamID, price)
	if err != nil {
		return nil, fail(span, err)
	}
	m.notifier.NotifyAuctionBid(ctx, b)
	return b, nil
}

// GetStatus returns the current phase.
func (m *Manager) GetStatus() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Snapshot returns the phase, the current auction and the seconds left in
// the running countdown.
func (m *Manager) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Status{Phase: m.phase}
	if m.current != nil {
		a := *m.current
		s.Auction = &a
		s.Remaining = m.scheduler.Remaining()
	}
	return s
}

// GetCurrentAuction returns the auction in progress.
func (m *Manager) GetCurrentAuction() (*store.Auction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, fmt.Errorf("current auction: %w", store.ErrAuctionNotFound)
	}
	a := *m.current
	return &a, nil
}

// CanSeeOtherTeamsCoins reports whether balances are public right now.
func (m *Manager) CanSeeOtherTeamsCoins() bool {
	return m.GetStatus() == PhasePre
}

// LatestBids returns the standing of the auction in progress.
func (m *Manager) LatestBids(ctx context.Context) ([]store.Bid, error) {
	a, err := m.GetCurrentAuction()
	if err != nil {
		return nil, err
	}
	return m.bids.GetLatestBids(ctx, a.ID)
}

// BidHistory returns every bid of an auction.
func (m *Manager) BidHistory(ctx context.Context, auctionID string) ([]store.Bid, error) {
	if _, err := m.auctions.GetByID(ctx, auctionID); err != nil {
		return nil, err
	}
	return m.bids.History(ctx, auctionID)
}

// GetAuction returns a past or present auction.
func (m *Manager) GetAuction(ctx context.Context, id string) (*store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetAuction",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	return m.auctions.GetByID(ctx, id)
}

// ListAuctions returns all auctions, newest first.
func (m *Manager) ListAuctions(ctx context.Context) ([]store.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ListAuctions")
	defer span.End()

	return m.auctions.List(ctx)
}

// AbandonStale closes auctions a previous process left unsettled. Their
// countdown cannot be resumed, so they end without winner or charges. It is
// meant to run at startup, before any auction is created.
func (m *Manager) AbandonStale(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.AbandonStale")
	defer span.End()

	open, err := m.auctions.ListUnsettled(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("listing unsettled auctions: %w", err))
	}

	m.mu.RLock()
	var currentID string
	if m.current != nil {
		currentID = m.current.ID
	}
	m.mu.RUnlock()

	closed := 0
	for _, a := range open {
		if a.ID == currentID {
			continue
		}
		if err := m.auctions.Settle(ctx, a.ID, nil, nil, clock.NowUTC(m.clock)); err != nil {
			m.logger.WarnContext(ctx, "failed to close stale auction",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
			continue
		}
		closed++
		m.logger.WarnContext(ctx, "closed auction left open by a previous run",
			slog.String("auction_id", a.ID),
			slog.String("skill_card", string(a.SkillCard)),
		)
	}
	span.SetAttributes(attribute.Int("closed", closed))
	return closed, nil
}

// Shutdown stops the running countdown, which abandons the auction, and
// waits for the background work to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for auction to stop: %w", ctx.Err())
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
