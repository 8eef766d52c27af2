package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/jensholdgaard/techrun/internal/store"
)

// StationRepo implements store.StationRepository.
type StationRepo Store

func (r *StationRepo) CreateGroup(_ context.Context, g *store.StationGroup) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if existing.Codename == g.Codename {
			return store.ErrDuplicate
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	c := *g
	s.groups[g.ID] = &c
	return nil
}

func (r *StationRepo) CreateStation(_ context.Context, st *store.Station) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[st.GroupID]; !ok {
		return store.ErrGroupNotFound
	}
	for _, existing := range s.stations {
		if existing.Codename == st.Codename {
			return store.ErrDuplicate
		}
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	c := *st
	s.stations[st.ID] = &c
	return nil
}

func (r *StationRepo) GetGroup(_ context.Context, id string) (*store.StationGroup, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, store.ErrGroupNotFound
	}
	c := *g
	return &c, nil
}

func (r *StationRepo) GetGroupByCodename(_ context.Context, codename string) (*store.StationGroup, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.Codename == codename {
			c := *g
			return &c, nil
		}
	}
	return nil, store.ErrGroupNotFound
}

func (r *StationRepo) GetStation(_ context.Context, id string) (*store.Station, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[id]
	if !ok {
		return nil, store.ErrStationNotFound
	}
	c := *st
	return &c, nil
}

func (r *StationRepo) GetStationByCodename(_ context.Context, codename string) (*store.Station, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.stations {
		if st.Codename == codename {
			c := *st
			return &c, nil
		}
	}
	return nil, store.ErrStationNotFound
}

func (r *StationRepo) ListGroups(_ context.Context) ([]store.StationGroup, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.StationGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out, nil
}

func (r *StationRepo) ListStations(_ context.Context) ([]store.Station, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out, nil
}

func (r *StationRepo) RecordCheckin(_ context.Context, c *store.Checkin) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.now()
	s.checkins = append(s.checkins, *c)
	return nil
}

func (r *StationRepo) CountCheckins(_ context.Context, teamID, stationID string) (int, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.checkins {
		if c.TeamID == teamID && c.StationID == stationID {
			n++
		}
	}
	return n, nil
}

func (r *StationRepo) ListCheckins(_ context.Context, teamID string) ([]store.Checkin, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Checkin
	for _, c := range s.checkins {
		if c.TeamID == teamID {
			out = append(out, c)
		}
	}
	return out, nil
}

// SkipRepo implements store.SkipRepository.
type SkipRepo Store

func (r *SkipRepo) Create(_ context.Context, sk *store.Skip) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := skipKey{sk.TeamID, sk.StationGroupID}
	if _, ok := s.skips[k]; ok {
		return store.ErrDuplicate
	}
	sk.CreatedAt = s.now()
	s.skips[k] = *sk
	return nil
}

func (r *SkipRepo) Get(_ context.Context, teamID, groupID string) (*store.Skip, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk, ok := s.skips[skipKey{teamID, groupID}]
	if !ok {
		return nil, store.ErrSkipNotFound
	}
	return &sk, nil
}

func (r *SkipRepo) Delete(_ context.Context, teamID, groupID string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := skipKey{teamID, groupID}
	if _, ok := s.skips[k]; !ok {
		return store.ErrSkipNotFound
	}
	delete(s.skips, k)
	return nil
}

func (r *SkipRepo) ListByTeam(_ context.Context, teamID string) ([]store.Skip, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Skip
	for k, sk := range s.skips {
		if k.team == teamID {
			out = append(out, sk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
