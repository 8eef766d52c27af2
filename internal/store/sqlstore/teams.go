package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
)

const teamColumns = `id, username, name, role, coins, skill_cards, active_effects, unlocked_puzzles, version, created_at, updated_at`

// teamRow carries the list fields of a team as JSON text.
type teamRow struct {
	store.Team
	SkillCardsJSON      string `db:"skill_cards"`
	ActiveEffectsJSON   string `db:"active_effects"`
	UnlockedPuzzlesJSON string `db:"unlocked_puzzles"`
}

func encodeList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeList[T any](s string) ([]T, error) {
	var out []T
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r teamRow) team() (*store.Team, error) {
	t := r.Team
	var err error
	if t.SkillCards, err = decodeList[skillcard.Kind](r.SkillCardsJSON); err != nil {
		return nil, fmt.Errorf("decoding skill_cards of team %s: %w", t.ID, err)
	}
	if t.ActiveEffects, err = decodeList[skillcard.Kind](r.ActiveEffectsJSON); err != nil {
		return nil, fmt.Errorf("decoding active_effects of team %s: %w", t.ID, err)
	}
	if t.UnlockedPuzzles, err = decodeList[string](r.UnlockedPuzzlesJSON); err != nil {
		return nil, fmt.Errorf("decoding unlocked_puzzles of team %s: %w", t.ID, err)
	}
	return &t, nil
}

// teamLists returns the JSON encodings of t's list fields.
func teamLists(t *store.Team) (cards, effects, puzzles string, err error) {
	if cards, err = encodeList(t.SkillCards); err != nil {
		return "", "", "", err
	}
	if effects, err = encodeList(t.ActiveEffects); err != nil {
		return "", "", "", err
	}
	if puzzles, err = encodeList(t.UnlockedPuzzles); err != nil {
		return "", "", "", err
	}
	return cards, effects, puzzles, nil
}

// TeamRepo implements store.TeamRepository.
type TeamRepo Store

func (r *TeamRepo) Create(ctx context.Context, t *store.Team) error {
	s := (*Store)(r)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Role == "" {
		t.Role = store.RolePlayer
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	t.Version = 1

	cards, effects, puzzles, err := teamLists(t)
	if err != nil {
		return fmt.Errorf("encoding team: %w", err)
	}
	return s.insert(ctx, "team",
		`INSERT INTO teams (`+teamColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Username, t.Name, t.Role, t.Coins, cards, effects, puzzles, t.Version, t.CreatedAt, t.UpdatedAt,
	)
}

func (r *TeamRepo) getBy(ctx context.Context, column, value string) (*store.Team, error) {
	var row teamRow
	err := (*Store)(r).get(ctx, &row, `SELECT `+teamColumns+` FROM teams WHERE `+column+` = ?`, value)
	if err != nil {
		return nil, notFound(err, store.ErrTeamNotFound)
	}
	return row.team()
}

func (r *TeamRepo) GetByID(ctx context.Context, id string) (*store.Team, error) {
	return r.getBy(ctx, "id", id)
}

func (r *TeamRepo) GetByUsername(ctx context.Context, username string) (*store.Team, error) {
	return r.getBy(ctx, "username", username)
}

func (r *TeamRepo) List(ctx context.Context) ([]store.Team, error) {
	var rows []teamRow
	if err := (*Store)(r).selectAll(ctx, &rows, `SELECT `+teamColumns+` FROM teams ORDER BY username`); err != nil {
		return nil, fmt.Errorf("listing teams: %w", err)
	}
	out := make([]store.Team, 0, len(rows))
	for _, row := range rows {
		t, err := row.team()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// LedgerRepo implements store.LedgerRepository.
type LedgerRepo Store

func (r *LedgerRepo) Commit(ctx context.Context, c store.LedgerCommit) error {
	s := (*Store)(r)
	cards, effects, puzzles, err := teamLists(c.Team)
	if err != nil {
		return fmt.Errorf("encoding team: %w", err)
	}
	now := s.now()

	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE teams SET coins = ?, skill_cards = ?, active_effects = ?, unlocked_puzzles = ?,
			        version = version + 1, updated_at = ?
			  WHERE id = ? AND version = ?`),
			c.Team.Coins, cards, effects, puzzles, now, c.Team.ID, c.Team.Version,
		)
		if err != nil {
			return fmt.Errorf("updating team: %w", err)
		}
		if err := affected(res, store.ErrStaleVersion); err != nil {
			var n int
			if cerr := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM teams WHERE id = ?`), c.Team.ID); cerr == nil && n == 0 {
				return store.ErrTeamNotFound
			}
			return err
		}

		if c.Coin != nil {
			if c.Coin.ID == "" {
				c.Coin.ID = uuid.NewString()
			}
			c.Coin.CreatedAt = now
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO coin_ledger (id, team_id, diff, reason, station_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
				c.Coin.ID, c.Coin.TeamID, c.Coin.Diff, c.Coin.Reason, c.Coin.StationID, c.Coin.CreatedAt,
			); err != nil {
				return fmt.Errorf("inserting coin entry: %w", err)
			}
		}
		for i := range c.SkillEvents {
			e := &c.SkillEvents[i]
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			e.CreatedAt = now
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO skill_card_events (id, team_id, skill_card, action, created_at) VALUES (?, ?, ?, ?, ?)`),
				e.ID, e.TeamID, e.SkillCard, e.Action, e.CreatedAt,
			); err != nil {
				return fmt.Errorf("inserting skill card event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.Team.Version++
	c.Team.UpdatedAt = now
	return nil
}

func (r *LedgerRepo) CoinHistory(ctx context.Context, teamID string) ([]store.CoinLedgerEntry, error) {
	var out []store.CoinLedgerEntry
	err := (*Store)(r).selectAll(ctx, &out,
		`SELECT id, team_id, diff, reason, station_id, created_at FROM coin_ledger WHERE team_id = ? ORDER BY seq`, teamID)
	if err != nil {
		return nil, fmt.Errorf("loading coin history: %w", err)
	}
	return out, nil
}

func (r *LedgerRepo) SkillCardHistory(ctx context.Context, teamID string) ([]store.SkillCardEvent, error) {
	var out []store.SkillCardEvent
	err := (*Store)(r).selectAll(ctx, &out,
		`SELECT id, team_id, skill_card, action, created_at FROM skill_card_events WHERE team_id = ? ORDER BY seq`, teamID)
	if err != nil {
		return nil, fmt.Errorf("loading skill card history: %w", err)
	}
	return out, nil
}
