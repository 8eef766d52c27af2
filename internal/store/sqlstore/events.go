package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/techrun/internal/event"
)

const eventColumns = `id, type, team_id, data, created_at`

// eventRow scans the payload as bytes whatever the column type.
type eventRow struct {
	ID        string     `db:"id"`
	Type      event.Type `db:"type"`
	TeamID    string     `db:"team_id"`
	Data      []byte     `db:"data"`
	CreatedAt time.Time  `db:"created_at"`
}

func (r eventRow) event() event.Event {
	return event.Event{ID: r.ID, Type: r.Type, TeamID: r.TeamID, Data: json.RawMessage(r.Data), CreatedAt: r.CreatedAt}
}

func events(rows []eventRow) []event.Event {
	out := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out
}

// EventStore implements event.Store.
type EventStore Store

func (r *EventStore) Append(ctx context.Context, evts ...event.Event) error {
	s := (*Store)(r)
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()

		for _, e := range evts {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if e.CreatedAt.IsZero() {
				e.CreatedAt = s.now()
			}
			data := string(e.Data)
			if data == "" {
				data = "null"
			}
			if _, err := stmt.ExecContext(ctx, e.ID, e.Type, e.TeamID, data, e.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("inserting event (type=%s): %w", e.Type, err)
			}
		}
		return nil
	})
}

func (r *EventStore) ListForTeam(ctx context.Context, teamID string, limit int) ([]event.Event, error) {
	var rows []eventRow
	query := `SELECT ` + eventColumns + ` FROM events WHERE team_id = '' OR team_id = ? ORDER BY seq DESC`
	args := []any{teamID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	if err := (*Store)(r).selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("loading notifications: %w", err)
	}
	return events(rows), nil
}

func (r *EventStore) LoadByType(ctx context.Context, t event.Type) ([]event.Event, error) {
	var rows []eventRow
	if err := (*Store)(r).selectAll(ctx, &rows, `SELECT `+eventColumns+` FROM events WHERE type = ? ORDER BY seq`, t); err != nil {
		return nil, fmt.Errorf("loading events by type: %w", err)
	}
	return events(rows), nil
}
