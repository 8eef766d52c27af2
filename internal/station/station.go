// Package station prices station visits and manages skipped station
// groups. Every coin movement goes through the team ledger.
package station

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/keymutex"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
)

const scope = "github.com/jensholdgaard/techrun/internal/station"

// Errors returned by station operations.
var (
	ErrSkipped    = apperr.New(apperr.ErrConflict, "station group was skipped and not yet unskipped")
	ErrInvalidPin = apperr.New(apperr.ErrInvalidArgument, "invalid station PIN")
	ErrNoFunds    = apperr.New(apperr.ErrInsufficientFunds, "not enough coins")
)

// Multiplier returns the price step of a difficulty.
func Multiplier(d store.Difficulty) int {
	switch d {
	case store.Medium:
		return 2
	case store.Hard:
		return 3
	default:
		return 1
	}
}

// Price is the cost of a visit after n earlier visits.
func Price(d store.Difficulty, n int) int {
	return max(0, Multiplier(d)*n-1)
}

// Economy is the part of the team ledger stations use.
type Economy interface {
	GetBalance(ctx context.Context, teamID string) (int, error)
	AdjustBalance(ctx context.Context, teamID string, diff int, reason string, attr ledger.Attribution) (int, error)
	HasActiveEffect(ctx context.Context, teamID string, card skillcard.Kind) (bool, error)
	Spend(ctx context.Context, teamID string, c ledger.Charge) (*ledger.ChargeResult, error)
	Reverse(ctx context.Context, teamID string, res *ledger.ChargeResult, reason string) error
}

// VisitResult is returned by VisitStation.
type VisitResult struct {
	Checkin store.Checkin `json:"checkin"`
	Price   int           `json:"price"`
	Balance int           `json:"balance"`
	// Bypassed is set when VuotTramPhu let the team past a skip.
	Bypassed bool `json:"bypassed"`
}

// Manager runs station visits and skips. Its per-team lock is always taken
// before the ledger's.
type Manager struct {
	stations store.StationRepository
	skips    store.SkipRepository
	teams    store.TeamRepository
	economy  Economy
	locks    keymutex.KeyMutex
	logger   *slog.Logger
	tracer   trace.Tracer

	unskipPrice   int
	minigameGroup string
}

// NewManager returns a station Manager.
func NewManager(stations store.StationRepository, skips store.SkipRepository, teams store.TeamRepository, economy Economy, game config.GameConfig, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	return &Manager{
		stations:      stations,
		skips:         skips,
		teams:         teams,
		economy:       economy,
		logger:        logger,
		tracer:        tp.Tracer(scope),
		unskipPrice:   game.UnskipPrice,
		minigameGroup: game.MinigameGroup,
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// GetVisitPrice returns what the team pays for its next visit.
func (m *Manager) GetVisitPrice(ctx context.Context, stationID, teamID string) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetVisitPrice",
		trace.WithAttributes(
			attribute.String("station_id", stationID),
			attribute.String("team_id", teamID),
		),
	)
	defer span.End()

	st, err := m.stations.GetStation(ctx, stationID)
	if err != nil {
		return 0, fail(span, err)
	}
	if _, err := m.teams.GetByID(ctx, teamID); err != nil {
		return 0, fail(span, err)
	}
	n, err := m.stations.CountCheckins(ctx, teamID, stationID)
	if err != nil {
		return 0, fail(span, fmt.Errorf("counting checkins: %w", err))
	}
	return Price(st.Difficulty, n), nil
}

// VisitStation charges the team for a visit and records the checkin. A
// skipped group blocks the visit unless VuotTramPhu is active; the effect is
// consumed together with the visit fee.
func (m *Manager) VisitStation(ctx context.Context, stationID, teamID string) (*VisitResult, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.VisitStation",
		trace.WithAttributes(
			attribute.String("station_id", stationID),
			attribute.String("team_id", teamID),
		),
	)
	defer span.End()

	unlock := m.locks.Lock(teamID)
	defer unlock()

	st, err := m.stations.GetStation(ctx, stationID)
	if err != nil {
		return nil, fail(span, err)
	}
	group, err := m.stations.GetGroup(ctx, st.GroupID)
	if err != nil {
		return nil, fail(span, err)
	}
	n, err := m.stations.CountCheckins(ctx, teamID, stationID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("counting checkins: %w", err))
	}
	price := Price(st.Difficulty, n)

	skipped, err := m.isSkipped(ctx, teamID, group.ID)
	if err != nil {
		return nil, fail(span, err)
	}
	charge := ledger.Charge{
		Amount: price,
		Reason: "visit " + st.Codename,
		Attribution: ledger.Attribution{
			StationID: st.ID,
			Minigame:  group.Codename == m.minigameGroup,
		},
	}
	if skipped {
		ok, err := m.economy.HasActiveEffect(ctx, teamID, skillcard.VuotTramPhu)
		if err != nil {
			return nil, fail(span, err)
		}
		if !ok {
			return nil, fail(span, fmt.Errorf("group %s: %w", group.Codename, ErrSkipped))
		}
		charge.Require = skillcard.VuotTramPhu
	}

	balance, err := m.economy.GetBalance(ctx, teamID)
	if err != nil {
		return nil, fail(span, err)
	}
	if balance < price {
		return nil, fail(span, fmt.Errorf("visit costs %d, team has %d: %w", price, balance, ErrNoFunds))
	}

	res, err := m.economy.Spend(ctx, teamID, charge)
	if errors.Is(err, ledger.ErrEffectNotActive) {
		return nil, fail(span, fmt.Errorf("group %s: %w", group.Codename, ErrSkipped))
	}
	if err != nil {
		return nil, fail(span, err)
	}

	c := &store.Checkin{TeamID: teamID, StationID: st.ID, Price: price}
	if err := m.stations.RecordCheckin(ctx, c); err != nil {
		m.reverse(ctx, teamID, res, "visit "+st.Codename+" not recorded")
		return nil, fail(span, fmt.Errorf("recording checkin: %w", err))
	}
	bypassed := res.Consumed == skillcard.VuotTramPhu

	m.logger.InfoContext(ctx, "station visited",
		slog.String("team_id", teamID),
		slog.String("station", st.Codename),
		slog.Int("price", price),
		slog.Bool("bypassed", bypassed),
	)
	return &VisitResult{Checkin: *c, Price: price, Balance: res.Balance, Bypassed: bypassed}, nil
}

// reverse undoes a charge whose follow-up write failed.
func (m *Manager) reverse(ctx context.Context, teamID string, res *ledger.ChargeResult, reason string) {
	if err := m.economy.Reverse(ctx, teamID, res, reason); err != nil {
		m.logger.ErrorContext(ctx, "reversing charge failed",
			slog.String("team_id", teamID),
			slog.String("reason", reason),
			slog.Int("charged", res.Charged),
			slog.String("consumed", string(res.Consumed)),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) isSkipped(ctx context.Context, teamID, groupID string) (bool, error) {
	_, err := m.skips.Get(ctx, teamID, groupID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("reading skip: %w", err)
	}
}

// Skip marks a station group as skipped by the team. It reports false when
// the group was already skipped.
func (m *Manager) Skip(ctx context.Context, teamID, groupID string) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Skip",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("group_id", groupID),
		),
	)
	defer span.End()

	if _, err := m.teams.GetByID(ctx, teamID); err != nil {
		return false, fail(span, err)
	}
	group, err := m.stations.GetGroup(ctx, groupID)
	if err != nil {
		return false, fail(span, err)
	}

	err = m.skips.Create(ctx, &store.Skip{TeamID: teamID, StationGroupID: groupID})
	if errors.Is(err, store.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fail(span, fmt.Errorf("creating skip: %w", err))
	}

	m.logger.InfoContext(ctx, "station group skipped",
		slog.String("team_id", teamID),
		slog.String("group", group.Codename),
	)
	return true, nil
}

// Unskip lifts a skip and returns what the team was charged. The fee is
// waived by the caller or by an active HoiSinh, which is consumed in the
// same commit that would have taken the fee.
func (m *Manager) Unskip(ctx context.Context, teamID, groupID string, waiveCost bool) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Unskip",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("group_id", groupID),
			attribute.Bool("waive_cost", waiveCost),
		),
	)
	defer span.End()

	unlock := m.locks.Lock(teamID)
	defer unlock()

	if _, err := m.skips.Get(ctx, teamID, groupID); err != nil {
		return 0, fail(span, err)
	}

	var res *ledger.ChargeResult
	if !waiveCost {
		var err error
		res, err = m.economy.Spend(ctx, teamID, ledger.Charge{
			Amount: m.unskipPrice,
			Reason: "unskip",
			Waiver: skillcard.HoiSinh,
		})
		if err != nil {
			return 0, fail(span, err)
		}
	}

	if err := m.skips.Delete(ctx, teamID, groupID); err != nil {
		if res != nil {
			m.reverse(ctx, teamID, res, "unskip not applied")
		}
		return 0, fail(span, fmt.Errorf("deleting skip: %w", err))
	}
	charged := 0
	if res != nil {
		charged = res.Charged
	}

	m.logger.InfoContext(ctx, "station group unskipped",
		slog.String("team_id", teamID),
		slog.String("group_id", groupID),
		slog.Int("charged", charged),
	)
	return charged, nil
}

// AwardStationCoins credits (or debits) a team on behalf of a station, so
// minigame gains qualify for NgoiSaoHiVong.
func (m *Manager) AwardStationCoins(ctx context.Context, stationID, teamID string, diff int, reason string) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.AwardStationCoins",
		trace.WithAttributes(
			attribute.String("station_id", stationID),
			attribute.String("team_id", teamID),
			attribute.Int("diff", diff),
		),
	)
	defer span.End()

	st, err := m.stations.GetStation(ctx, stationID)
	if err != nil {
		return 0, fail(span, err)
	}
	group, err := m.stations.GetGroup(ctx, st.GroupID)
	if err != nil {
		return 0, fail(span, err)
	}
	if reason == "" {
		reason = "station " + st.Codename
	}
	balance, err := m.economy.AdjustBalance(ctx, teamID, diff, reason, ledger.Attribution{
		StationID: st.ID,
		Minigame:  group.Codename == m.minigameGroup,
	})
	if err != nil {
		return 0, fail(span, err)
	}
	return balance, nil
}

// VerifyPin returns the station whose codename and PIN match.
func (m *Manager) VerifyPin(ctx context.Context, codename, pin string) (*store.Station, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.VerifyPin",
		trace.WithAttributes(attribute.String("station", codename)),
	)
	defer span.End()

	st, err := m.stations.GetStationByCodename(ctx, codename)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fail(span, ErrInvalidPin)
	}
	if err != nil {
		return nil, fail(span, err)
	}
	if subtle.ConstantTimeCompare([]byte(st.Pin), []byte(pin)) != 1 {
		return nil, fail(span, ErrInvalidPin)
	}
	return st, nil
}

// GetStation returns a station by ID.
func (m *Manager) GetStation(ctx context.Context, id string) (*store.Station, error) {
	return m.stations.GetStation(ctx, id)
}

// ResolveStation looks a station up by ID, then by codename.
func (m *Manager) ResolveStation(ctx context.Context, ref string) (*store.Station, error) {
	st, err := m.stations.GetStation(ctx, ref)
	if errors.Is(err, apperr.ErrNotFound) {
		return m.stations.GetStationByCodename(ctx, ref)
	}
	return st, err
}

// ResolveGroup looks a station group up by ID, then by codename.
func (m *Manager) ResolveGroup(ctx context.Context, ref string) (*store.StationGroup, error) {
	g, err := m.stations.GetGroup(ctx, ref)
	if errors.Is(err, apperr.ErrNotFound) {
		return m.stations.GetGroupByCodename(ctx, ref)
	}
	return g, err
}

// ListStations returns every station.
func (m *Manager) ListStations(ctx context.Context) ([]store.Station, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ListStations")
	defer span.End()

	return m.stations.ListStations(ctx)
}

// ListGroups returns every station group.
func (m *Manager) ListGroups(ctx context.Context) ([]store.StationGroup, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ListGroups")
	defer span.End()

	return m.stations.ListGroups(ctx)
}

// ListSkips returns the groups the team has skipped.
func (m *Manager) ListSkips(ctx context.Context, teamID string) ([]store.Skip, error) {
	return m.skips.ListByTeam(ctx, teamID)
}
