package sqlstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jensholdgaard/techrun/internal/store"
)

// StationRepo implements store.StationRepository.
type StationRepo Store

func (r *StationRepo) CreateGroup(ctx context.Context, g *store.StationGroup) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return (*Store)(r).insert(ctx, "station group",
		`INSERT INTO station_groups (id, name, codename, position) VALUES (?, ?, ?, ?)`,
		g.ID, g.Name, g.Codename, g.Position,
	)
}

func (r *StationRepo) CreateStation(ctx context.Context, st *store.Station) error {
	if _, err := r.GetGroup(ctx, st.GroupID); err != nil {
		return err
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	return (*Store)(r).insert(ctx, "station",
		`INSERT INTO stations (id, name, codename, difficulty, group_id, pin) VALUES (?, ?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.Codename, st.Difficulty, st.GroupID, st.Pin,
	)
}

func (r *StationRepo) GetGroup(ctx context.Context, id string) (*store.StationGroup, error) {
	var g store.StationGroup
	if err := (*Store)(r).get(ctx, &g, `SELECT id, name, codename, position FROM station_groups WHERE id = ?`, id); err != nil {
		return nil, notFound(err, store.ErrGroupNotFound)
	}
	return &g, nil
}

func (r *StationRepo) GetGroupByCodename(ctx context.Context, codename string) (*store.StationGroup, error) {
	var g store.StationGroup
	if err := (*Store)(r).get(ctx, &g, `SELECT id, name, codename, position FROM station_groups WHERE codename = ?`, codename); err != nil {
		return nil, notFound(err, store.ErrGroupNotFound)
	}
	return &g, nil
}

func (r *StationRepo) GetStation(ctx context.Context, id string) (*store.Station, error) {
	var st store.Station
	if err := (*Store)(r).get(ctx, &st, `SELECT id, name, codename, difficulty, group_id, pin FROM stations WHERE id = ?`, id); err != nil {
		return nil, notFound(err, store.ErrStationNotFound)
	}
	return &st, nil
}

func (r *StationRepo) GetStationByCodename(ctx context.Context, codename string) (*store.Station, error) {
	var st store.Station
	if err := (*Store)(r).get(ctx, &st, `SELECT id, name, codename, difficulty, group_id, pin FROM stations WHERE codename = ?`, codename); err != nil {
		return nil, notFound(err, store.ErrStationNotFound)
	}
	return &st, nil
}

func (r *StationRepo) ListGroups(ctx context.Context) ([]store.StationGroup, error) {
	var out []store.StationGroup
	if err := (*Store)(r).selectAll(ctx, &out, `SELECT id, name, codename, position FROM station_groups ORDER BY codename`); err != nil {
		return nil, fmt.Errorf("listing station groups: %w", err)
	}
	return out, nil
}

func (r *StationRepo) ListStations(ctx context.Context) ([]store.Station, error) {
	var out []store.Station
	if err := (*Store)(r).selectAll(ctx, &out, `SELECT id, name, codename, difficulty, group_id, pin FROM stations ORDER BY codename`); err != nil {
		return nil, fmt.Errorf("listing stations: %w", err)
	}
	return out, nil
}

func (r *StationRepo) RecordCheckin(ctx context.Context, c *store.Checkin) error {
	s := (*Store)(r)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.now()
	return s.insert(ctx, "checkin",
		`INSERT INTO checkins (id, team_id, station_id, price, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.TeamID, c.StationID, c.Price, c.CreatedAt,
	)
}

func (r *StationRepo) CountCheckins(ctx context.Context, teamID, stationID string) (int, error) {
	var n int
	err := (*Store)(r).get(ctx, &n, `SELECT COUNT(*) FROM checkins WHERE team_id = ? AND station_id = ?`, teamID, stationID)
	if err != nil {
		return 0, fmt.Errorf("counting checkins: %w", err)
	}
	return n, nil
}

func (r *StationRepo) ListCheckins(ctx context.Context, teamID string) ([]store.Checkin, error) {
	var out []store.Checkin
	err := (*Store)(r).selectAll(ctx, &out,
		`SELECT id, team_id, station_id, price, created_at FROM checkins WHERE team_id = ? ORDER BY seq`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing checkins: %w", err)
	}
	return out, nil
}

// SkipRepo implements store.SkipRepository.
type SkipRepo Store

func (r *SkipRepo) Create(ctx context.Context, sk *store.Skip) error {
	s := (*Store)(r)
	sk.CreatedAt = s.now()
	return s.insert(ctx, "skip",
		`INSERT INTO skips (team_id, station_group_id, created_at) VALUES (?, ?, ?)`,
		sk.TeamID, sk.StationGroupID, sk.CreatedAt,
	)
}

func (r *SkipRepo) Get(ctx context.Context, teamID, groupID string) (*store.Skip, error) {
	var sk store.Skip
	err := (*Store)(r).get(ctx, &sk,
		`SELECT team_id, station_group_id, created_at FROM skips WHERE team_id = ? AND station_group_id = ?`, teamID, groupID)
	if err != nil {
		return nil, notFound(err, store.ErrSkipNotFound)
	}
	return &sk, nil
}

func (r *SkipRepo) Delete(ctx context.Context, teamID, groupID string) error {
	res, err := (*Store)(r).exec(ctx, `DELETE FROM skips WHERE team_id = ? AND station_group_id = ?`, teamID, groupID)
	if err != nil {
		return fmt.Errorf("deleting skip: %w", err)
	}
	return affected(res, store.ErrSkipNotFound)
}

func (r *SkipRepo) ListByTeam(ctx context.Context, teamID string) ([]store.Skip, error) {
	var out []store.Skip
	err := (*Store)(r).selectAll(ctx, &out,
		`SELECT team_id, station_group_id, created_at FROM skips WHERE team_id = ? ORDER BY created_at`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing skips: %w", err)
	}
	return out, nil
}
