// Package ledger is the single authority over team balances, skill card
// inventories and active effects. Every mutation of one team is serialized
// and written together with its audit record.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/keymutex"
	"github.com/jensholdgaard/techrun/internal/notify"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
)

const scope = "github.com/jensholdgaard/techrun/internal/ledger"

// Errors returned by ledger operations.
var (
	ErrInsufficientFunds = apperr.New(apperr.ErrInsufficientFunds, "balance would become negative")
	ErrNotHeld           = apperr.New(apperr.ErrPrecondition, "skill card not held")
	ErrNoPriorCard       = apperr.New(apperr.ErrPrecondition, "no previously used skill card to replay")
	ErrEffectNotActive   = apperr.New(apperr.ErrPrecondition, "required effect is not active")
)

// minigameMultiplier scales a minigame gain while NgoiSaoHiVong is active.
const minigameMultiplier = 3

// Attribution tells AdjustBalance where a change comes from.
type Attribution struct {
	StationID string
	// Minigame is set when the station belongs to the minigame category.
	Minigame bool
}

// ActivationResult describes an activated skill card.
type ActivationResult struct {
	// Card is the card the team played.
	Card skillcard.Kind `json:"card"`
	// Applied is the card whose effect took place. It differs from Card
	// only when DongBo replayed an earlier card.
	Applied skillcard.Kind `json:"applied"`
	Effect  string         `json:"effect"`
	// Description tells the game master what to carry out.
	Description string `json:"description"`
}

// Manager applies economic changes.
type Manager struct {
	teams    store.TeamRepository
	ledger   store.LedgerRepository
	notifier notify.Notifier
	locks    keymutex.KeyMutex
	logger   *slog.Logger
	tracer   trace.Tracer

	adjusted  metric.Int64Counter
	activated metric.Int64Counter
}

// NewManager returns a ledger Manager.
func NewManager(teams store.TeamRepository, ledger store.LedgerRepository, notifier notify.Notifier, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	meter := otel.Meter(scope)
	adjusted, err := meter.Int64Counter("techrun.coins.adjusted",
		metric.WithDescription("Coins added to or removed from team balances"))
	if err != nil {
		logger.Warn("creating coins counter", slog.Any("error", err))
	}
	activated, err := meter.Int64Counter("techrun.skillcards.activated",
		metric.WithDescription("Skill cards activated"))
	if err != nil {
		logger.Warn("creating skill card counter", slog.Any("error", err))
	}

	return &Manager{
		teams:     teams,
		ledger:    ledger,
		notifier:  notifier,
		logger:    logger,
		tracer:    tp.Tracer(scope),
		adjusted:  adjusted,
		activated: activated,
	}
}

// change is what an update callback asks to persist.
type change struct {
	coin   *store.CoinLedgerEntry
	events []store.SkillCardEvent
	// none skips the commit.
	none bool
}

// update loads teamID under its lock, lets fn mutate it and commits the
// result. Nothing is written when fn fails.
func (m *Manager) update(ctx context.Context, teamID string, fn func(t *store.Team) (change, error)) (*store.Team, error) {
	unlock := m.locks.Lock(teamID)
	defer unlock()

	t, err := m.teams.GetByID(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("loading team %s: %w", teamID, err)
	}
	c, err := fn(t)
	if err != nil {
		return nil, err
	}
	if c.none {
		return t, nil
	}
	if err := m.ledger.Commit(ctx, store.LedgerCommit{Team: t, Coin: c.coin, SkillEvents: c.events}); err != nil {
		return nil, fmt.Errorf("committing team %s: %w", teamID, err)
	}
	return t, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// GetTeam returns a team by ID.
func (m *Manager) GetTeam(ctx context.Context, teamID string) (*store.Team, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetTeam",
		trace.WithAttributes(attribute.String("team_id", teamID)),
	)
	defer span.End()

	return m.teams.GetByID(ctx, teamID)
}

// GetBalance returns the coins of a team.
func (m *Manager) GetBalance(ctx context.Context, teamID string) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetBalance",
		trace.WithAttributes(attribute.String("team_id", teamID)),
	)
	defer span.End()

	t, err := m.teams.GetByID(ctx, teamID)
	if err != nil {
		return 0, fail(span, err)
	}
	return t.Coins, nil
}

// AdjustBalance adds diff to the team's coins and returns the new balance.
// A positive minigame gain is tripled once while NgoiSaoHiVong is active.
func (m *Manager) AdjustBalance(ctx context.Context, teamID string, diff int, reason string, attr Attribution) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.AdjustBalance",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.Int("diff", diff),
			attribute.String("reason", reason),
			attribute.String("station_id", attr.StationID),
		),
	)
	defer span.End()

	applied := diff
	multiplied := false
	t, err := m.update(ctx, teamID, func(t *store.Team) (change, error) {
		if diff > 0 && attr.Minigame {
			if rest, ok := skillcard.RemoveOne(t.ActiveEffects, skillcard.NgoiSaoHiVong); ok {
				t.ActiveEffects = rest
				applied = diff * minigameMultiplier
				multiplied = true
			}
		}
		if t.Coins+applied < 0 {
			return change{}, fmt.Errorf("team %s has %d coins, needs %d: %w", teamID, t.Coins, -applied, ErrInsufficientFunds)
		}
		t.Coins += applied
		return change{
			coin: &store.CoinLedgerEntry{
				TeamID:    teamID,
				Diff:      applied,
				Reason:    reason,
				StationID: attr.StationID,
			},
		}, nil
	})
	if err != nil {
		return 0, fail(span, err)
	}

	m.adjusted.Add(ctx, int64(applied), metric.WithAttributes(attribute.Bool("multiplied", multiplied)))
	m.logger.InfoContext(ctx, "balance adjusted",
		slog.String("team_id", teamID),
		slog.Int("diff", applied),
		slog.String("reason", reason),
		slog.Int("balance", t.Coins),
		slog.Bool("multiplied", multiplied),
	)
	m.notifier.NotifyCoinsChanged(ctx, teamID, applied, reason)
	return t.Coins, nil
}

// GrantSkillCard adds a card to the team's inventory.
func (m *Manager) GrantSkillCard(ctx context.Context, teamID string, card skillcard.Kind) error {
	ctx, span := m.tracer.Start(ctx, "Manager.GrantSkillCard",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("skill_card", string(card)),
		),
	)
	defer span.End()

	if !card.Valid() {
		return fail(span, fmt.Errorf("%w: %q", skillcard.ErrUnknown, card))
	}
	_, err := m.update(ctx, teamID, func(t *store.Team) (change, error) {
		t.SkillCards = append(t.SkillCards, card)
		return change{events: []store.SkillCardEvent{
			{TeamID: teamID, SkillCard: card, Action: skillcard.ActionAdded},
		}}, nil
	})
	if err != nil {
		return fail(span, err)
	}

	m.logger.InfoContext(ctx, "skill card granted",
		slog.String("team_id", teamID),
		slog.String("skill_card", string(card)),
	)
	return nil
}

// RevokeSkillCard removes one copy of a card without using it.
func (m *Manager) RevokeSkillCard(ctx context.Context, teamID string, card skillcard.Kind) error {
	ctx, span := m.tracer.Start(ctx, "Manager.RevokeSkillCard",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("skill_card", string(card)),
		),
	)
	defer span.End()

	_, err := m.update(ctx, teamID, func(t *store.Team) (change, error) {
		rest, ok := skillcard.RemoveOne(t.SkillCards, card)
		if !ok {
			return change{}, fmt.Errorf("team %s, card %s: %w", teamID, card, ErrNotHeld)
		}
		t.SkillCards = rest
		return change{events: []store.SkillCardEvent{
			{TeamID: teamID, SkillCard: card, Action: skillcard.ActionRemoved},
		}}, nil
	})
	if err != nil {
		return fail(span, err)
	}

	m.logger.InfoContext(ctx, "skill card revoked",
		slog.String("team_id", teamID),
		slog.String("skill_card", string(card)),
	)
	return nil
}

// ActivateSkillCard plays one held card. Deferred cards become active
// effects; DongBo replays the team's most recently used other card.
func (m *Manager) ActivateSkillCard(ctx context.Context, teamID string, card skillcard.Kind) (*ActivationResult, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ActivateSkillCard",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("skill_card", string(card)),
		),
	)
	defer span.End()

	var res ActivationResult
	_, err := m.update(ctx, teamID, func(t *store.Team) (change, error) {
		rest, ok := skillcard.RemoveOne(t.SkillCards, card)
		if !ok {
			return change{}, fmt.Errorf("team %s, card %s: %w", teamID, card, ErrNotHeld)
		}

		applied := card
		effect, _ := skillcard.EffectOf(card)
		if effect.Type == skillcard.HistoryReplay {
			prior, err := m.lastUsed(ctx, teamID)
			if err != nil {
				return change{}, err
			}
			applied = prior
			effect, _ = skillcard.EffectOf(prior)
		}

		t.SkillCards = rest
		if effect.Type == skillcard.DeferredFlag {
			t.ActiveEffects = append(t.ActiveEffects, applied)
		}
		res = ActivationResult{
			Card:        card,
			Applied:     applied,
			Effect:      effect.Type.String(),
			Description: effect.Description,
		}
		return change{events: []store.SkillCardEvent{
			{TeamID: teamID, SkillCard: card, Action: skillcard.ActionUsed},
		}}, nil
	})
	if err != nil {
		return nil, fail(span, err)
	}

	m.activated.Add(ctx, 1, metric.WithAttributes(attribute.String("skill_card", string(card))))
	m.logger.InfoContext(ctx, "skill card activated",
		slog.String("team_id", teamID),
		slog.String("skill_card", string(card)),
		slog.String("applied", string(res.Applied)),
		slog.String("effect", res.Effect),
	)
	m.notifier.NotifySkillCardUsed(ctx, teamID, card)
	return &res, nil
}

// lastUsed returns the most recent card the team used, DongBo excluded.
func (m *Manager) lastUsed(ctx context.Context, teamID string) (skillcard.Kind, error) {
	history, err := m.ledger.SkillCardHistory(ctx, teamID)
	if err != nil {
		return "", fmt.Errorf("loading skill card history: %w", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		if e.Action == skillcard.ActionUsed && e.SkillCard != skillcard.DongBo {
			return e.SkillCard, nil
		}
	}
	return "", fmt.Errorf("team %s: %w", teamID, ErrNoPriorCard)
}

// ConsumeActiveEffect clears one active effect and reports whether it was
// present.
func (m *Manager) ConsumeActiveEffect(ctx context.Context, teamID string, card skillcard.Kind) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ConsumeActiveEffect",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("skill_card", string(card)),
		),
	)
	defer span.End()

	consumed := false
	_, err := m.update(ctx, teamID, func(t *store.Team) (change, error) {
		rest, ok := skillcard.RemoveOne(t.ActiveEffects, card)
		if !ok {
			return change{none: true}, nil
		}
		t.ActiveEffects = rest
		consumed = true
		return change{}, nil
	})
	if err != nil {
		return false, fail(span, err)
	}

	span.SetAttributes(attribute.Bool("consumed", consumed))
	if consumed {
		m.logger.InfoContext(ctx, "active effect consumed",
			slog.String("team_id", teamID),
			slog.String("skill_card", string(card)),
		)
	}
	return consumed, nil
}

// Charge is a debit whose outcome depends on the team's active effects.
type Charge struct {
	Amount      int
	Reason      string
	Attribution Attribution
	// Require must be active for the charge to go through. It is cleared in
	// the same commit as the debit.
	Require skillcard.Kind
	// Waiver, when active and Amount is positive, is cleared instead of
	// debiting Amount. Require and Waiver are exclusive.
	Waiver skillcard.Kind
}

// ChargeResult is what Spend applied.
type ChargeResult struct {
	Charged int
	Balance int
	// Consumed is the effect cleared by the charge, if any.
	Consumed skillcard.Kind
	// Waived is set when the waiver replaced the debit.
	Waived bool
}

// Spend applies c as one commit: either every part of it takes effect or
// none does.
func (m *Manager) Spend(ctx context.Context, teamID string, c Charge) (*ChargeResult, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Spend",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.Int("amount", c.Amount),
			attribute.String("reason", c.Reason),
			attribute.String("require", string(c.Require)),
			attribute.String("waiver", string(c.Waiver)),
		),
	)
	defer span.End()

	if c.Amount < 0 {
		return nil, fail(span, apperr.New(apperr.ErrInvalidArgument, "charge amount must not be negative"))
	}
	if c.Require != "" && c.Waiver != "" {
		return nil, fail(span, apperr.New(apperr.ErrInvalidArgument, "charge cannot both require and waive an effect"))
	}

	var res ChargeResult
	t, err := m.update(ctx, teamID, func(t *store.Team) (change, error) {
		res = ChargeResult{}
		effects := t.ActiveEffects
		if c.Require != "" {
			rest, ok := skillcard.RemoveOne(effects, c.Require)
			if !ok {
				return change{}, fmt.Errorf("team %s, effect %s: %w", teamID, c.Require, ErrEffectNotActive)
			}
			effects = rest
			res.Consumed = c.Require
		}
		if c.Waiver != "" && c.Amount > 0 {
			if rest, ok := skillcard.RemoveOne(effects, c.Waiver); ok {
				t.ActiveEffects = rest
				res.Consumed = c.Waiver
				res.Waived = true
				return change{}, nil
			}
		}
		if t.Coins < c.Amount {
			return change{}, fmt.Errorf("team %s has %d coins, needs %d: %w", teamID, t.Coins, c.Amount, ErrInsufficientFunds)
		}
		t.ActiveEffects = effects
		t.Coins -= c.Amount
		res.Charged = c.Amount
		return change{
			coin: &store.CoinLedgerEntry{
				TeamID:    teamID,
				Diff:      -c.Amount,
				Reason:    c.Reason,
				StationID: c.Attribution.StationID,
			},
		}, nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	res.Balance = t.Coins

	span.SetAttributes(
		attribute.Int("charged", res.Charged),
		attribute.String("consumed", string(res.Consumed)),
	)
	m.logger.InfoContext(ctx, "charge applied",
		slog.String("team_id", teamID),
		slog.String("reason", c.Reason),
		slog.Int("charged", res.Charged),
		slog.String("consumed", string(res.Consumed)),
		slog.Int("balance", res.Balance),
	)
	if !res.Waived {
		m.adjusted.Add(ctx, int64(-res.Charged), metric.WithAttributes(attribute.Bool("multiplied", false)))
		m.notifier.NotifyCoinsChanged(ctx, teamID, -res.Charged, c.Reason)
	}
	return &res, nil
}

// Reverse undoes a charge returned by Spend: the amount is credited back and
// the consumed effect restored, in one commit.
func (m *Manager) Reverse(ctx context.Context, teamID string, res *ChargeResult, reason string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Reverse",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.Int("amount", res.Charged),
			attribute.String("effect", string(res.Consumed)),
		),
	)
	defer span.End()

	if res.Charged == 0 && res.Consumed == "" {
		return nil
	}
	_, err := m.update(ctx, teamID, func(t *store.Team) (change, error) {
		if res.Consumed != "" {
			t.ActiveEffects = append(t.ActiveEffects, res.Consumed)
		}
		if res.Charged == 0 {
			return change{}, nil
		}
		t.Coins += res.Charged
		return change{coin: &store.CoinLedgerEntry{TeamID: teamID, Diff: res.Charged, Reason: reason}}, nil
	})
	if err != nil {
		return fail(span, err)
	}

	m.logger.WarnContext(ctx, "charge reversed",
		slog.String("team_id", teamID),
		slog.String("reason", reason),
		slog.Int("refunded", res.Charged),
		slog.String("restored", string(res.Consumed)),
	)
	if res.Charged != 0 {
		m.notifier.NotifyCoinsChanged(ctx, teamID, res.Charged, reason)
	}
	return nil
}

// HasActiveEffect reports whether card is active for the team without
// consuming it.
func (m *Manager) HasActiveEffect(ctx context.Context, teamID string, card skillcard.Kind) (bool, error) {
	t, err := m.teams.GetByID(ctx, teamID)
	if err != nil {
		return false, err
	}
	return skillcard.Contains(t.ActiveEffects, card), nil
}

// UnlockPuzzle records a puzzle as unlocked for the team. Unlocking twice
// is a no-op.
func (m *Manager) UnlockPuzzle(ctx context.Context, teamID, puzzle string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.UnlockPuzzle",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("puzzle", puzzle),
		),
	)
	defer span.End()

	if puzzle == "" {
		return fail(span, apperr.New(apperr.ErrInvalidArgument, "puzzle must not be empty"))
	}
	_, err := m.update(ctx, teamID, func(t *store.Team) (change, error) {
		for _, p := range t.UnlockedPuzzles {
			if p == puzzle {
				return change{none: true}, nil
			}
		}
		t.UnlockedPuzzles = append(t.UnlockedPuzzles, puzzle)
		return change{}, nil
	})
	if err != nil {
		return fail(span, err)
	}
	return nil
}

// CoinHistory returns the team's balance changes, oldest first.
func (m *Manager) CoinHistory(ctx context.Context, teamID string) ([]store.CoinLedgerEntry, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.CoinHistory",
		trace.WithAttributes(attribute.String("team_id", teamID)),
	)
	defer span.End()

	if _, err := m.teams.GetByID(ctx, teamID); err != nil {
		return nil, fail(span, err)
	}
	return m.ledger.CoinHistory(ctx, teamID)
}

// SkillCardHistory returns the team's skill card events, oldest first.
func (m *Manager) SkillCardHistory(ctx context.Context, teamID string) ([]store.SkillCardEvent, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.SkillCardHistory",
		trace.WithAttributes(attribute.String("team_id", teamID)),
	)
	defer span.End()

	if _, err := m.teams.GetByID(ctx, teamID); err != nil {
		return nil, fail(span, err)
	}
	return m.ledger.SkillCardHistory(ctx, teamID)
}
