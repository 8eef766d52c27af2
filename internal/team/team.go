// Package team provisions teams and serves the read side of the game:
// lookups, the leaderboard and each team's notification feed.
package team

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/event"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/store"
)

const scope = "github.com/jensholdgaard/techrun/internal/team"

// DefaultFeedLimit caps Notifications when the caller passes no limit.
const DefaultFeedLimit = 50

// ReasonInitialGrant is the ledger reason for a team's starting coins.
const ReasonInitialGrant = "initial_grant"

// Errors returned by team operations.
var (
	ErrCoinsHidden     = apperr.New(apperr.ErrConflict, "other teams' coins are only visible before an auction starts")
	ErrInvalidUsername = apperr.New(apperr.ErrInvalidArgument, "username must not be empty")
	ErrInvalidRole     = apperr.New(apperr.ErrInvalidArgument, "role must be ADMIN or PLAYER")
	ErrNegativeCoins   = apperr.New(apperr.ErrInvalidArgument, "starting coins must not be negative")
)

// Visibility decides whether teams may see each other's balances.
type Visibility interface {
	CanSeeOtherTeamsCoins() bool
}

// Economy credits the starting coins.
type Economy interface {
	AdjustBalance(ctx context.Context, teamID string, diff int, reason string, attr ledger.Attribution) (int, error)
}

// Standing is one row of the leaderboard.
type Standing struct {
	TeamID   string `json:"team_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Coins    int    `json:"coins"`
}

// Manager handles team accounts.
type Manager struct {
	teams      store.TeamRepository
	economy    Economy
	visibility Visibility
	events     event.Store
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewManager returns a new team Manager.
func NewManager(teams store.TeamRepository, economy Economy, visibility Visibility, events event.Store, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	return &Manager{
		teams:      teams,
		economy:    economy,
		visibility: visibility,
		events:     events,
		logger:     logger,
		tracer:     tp.Tracer(scope),
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Provision creates a team and credits its starting coins through the
// ledger so the grant shows up in the coin history.
func (m *Manager) Provision(ctx context.Context, username, name string, role store.Role, coins int) (*store.Team, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Provision",
		trace.WithAttributes(
			attribute.String("username", username),
			attribute.String("role", string(role)),
			attribute.Int("coins", coins),
		),
	)
	defer span.End()

	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fail(span, ErrInvalidUsername)
	}
	if role == "" {
		role = store.RolePlayer
	}
	if role != store.RolePlayer && role != store.RoleAdmin {
		return nil, fail(span, fmt.Errorf("%w: %q", ErrInvalidRole, role))
	}
	if coins < 0 {
		return nil, fail(span, ErrNegativeCoins)
	}
	if name == "" {
		name = username
	}

	t := &store.Team{Username: username, Name: name, Role: role}
	if err := m.teams.Create(ctx, t); err != nil {
		return nil, fail(span, fmt.Errorf("creating team %s: %w", username, err))
	}
	if coins > 0 {
		balance, err := m.economy.AdjustBalance(ctx, t.ID, coins, ReasonInitialGrant, ledger.Attribution{})
		if err != nil {
			return nil, fail(span, fmt.Errorf("crediting starting coins: %w", err))
		}
		t.Coins = balance
	}

	m.logger.InfoContext(ctx, "team provisioned",
		slog.String("team_id", t.ID),
		slog.String("username", username),
		slog.String("role", string(role)),
		slog.Int("coins", t.Coins),
	)
	return t, nil
}

// Get returns a team by ID.
func (m *Manager) Get(ctx context.Context, id string) (*store.Team, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Get",
		trace.WithAttributes(attribute.String("team_id", id)),
	)
	defer span.End()

	t, err := m.teams.GetByID(ctx, id)
	if err != nil {
		return nil, fail(span, err)
	}
	return t, nil
}

// GetByUsername returns a team by its login name.
func (m *Manager) GetByUsername(ctx context.Context, username string) (*store.Team, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetByUsername",
		trace.WithAttributes(attribute.String("username", username)),
	)
	defer span.End()

	t, err := m.teams.GetByUsername(ctx, username)
	if err != nil {
		return nil, fail(span, err)
	}
	return t, nil
}

// Leaderboard returns the player teams ordered by coins, richest first.
func (m *Manager) Leaderboard(ctx context.Context) ([]Standing, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Leaderboard")
	defer span.End()

	teams, err := m.teams.List(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing teams: %w", err))
	}
	return standings(teams, ""), nil
}

// OtherTeamsCoins returns every other player team's balance. It is only
// allowed while the auction engine permits it.
func (m *Manager) OtherTeamsCoins(ctx context.Context, teamID string) ([]Standing, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.OtherTeamsCoins",
		trace.WithAttributes(attribute.String("team_id", teamID)),
	)
	defer span.End()

	if !m.visibility.CanSeeOtherTeamsCoins() {
		return nil, fail(span, ErrCoinsHidden)
	}
	if _, err := m.teams.GetByID(ctx, teamID); err != nil {
		return nil, fail(span, err)
	}
	teams, err := m.teams.List(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing teams: %w", err))
	}
	return standings(teams, teamID), nil
}

func standings(teams []store.Team, exclude string) []Standing {
	out := make([]Standing, 0, len(teams))
	for _, t := range teams {
		if t.Role != store.RolePlayer || t.ID == exclude {
			continue
		}
		out = append(out, Standing{TeamID: t.ID, Username: t.Username, Name: t.Name, Coins: t.Coins})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Coins != out[j].Coins {
			return out[i].Coins > out[j].Coins
		}
		return out[i].Username < out[j].Username
	})
	return out
}

// Notifications returns the broadcasts and private messages addressed to the
// team, newest first.
func (m *Manager) Notifications(ctx context.Context, teamID string, limit int) ([]event.Event, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Notifications",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if limit <= 0 {
		limit = DefaultFeedLimit
	}
	if _, err := m.teams.GetByID(ctx, teamID); err != nil {
		return nil, fail(span, err)
	}
	events, err := m.events.ListForTeam(ctx, teamID, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("loading notifications: %w", err))
	}
	return events, nil
}
