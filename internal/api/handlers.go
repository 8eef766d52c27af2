package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/team"
)

// --- auctions ---

func (s *Server) handleAuctionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Auctions.Snapshot())
}

func (s *Server) handleLatestBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.svc.Auctions.LatestBids(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

func (s *Server) handleAuctionList(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.svc.Auctions.ListAuctions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auctions": auctions})
}

func (s *Server) handleAuctionGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Auctions.GetAuction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleBidHistory(w http.ResponseWriter, r *http.Request) {
	bids, err := s.svc.Auctions.BidHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bids": bids})
}

func (s *Server) handleAuctionCreate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SkillCard              string `json:"skill_card"`
		PrepareDurationSeconds int    `json:"prepare_duration_seconds"`
		DurationSeconds        int    `json:"duration_seconds"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	card, err := skillcard.Parse(in.SkillCard)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.svc.Auctions.CreateAuction(r.Context(), card, in.PrepareDurationSeconds, in.DurationSeconds)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleBid(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Price int `json:"price"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.svc.Auctions.RecordBid(r.Context(), chi.URLParam(r, "teamID"), in.Price)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// --- teams ---

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string     `json:"username"`
		Name     string     `json:"name"`
		Role     store.Role `json:"role"`
		Coins    int        `json:"coins"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.svc.Teams.Provision(r.Context(), in.Username, in.Name, in.Role, in.Coins)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTeamGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Teams.Get(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	ss, err := s.svc.Teams.Leaderboard(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": ss})
}

func (s *Server) handleOtherTeamsCoins(w http.ResponseWriter, r *http.Request) {
	ss, err := s.svc.Teams.OtherTeamsCoins(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": ss})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", team.DefaultFeedLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.svc.Teams.Notifications(r.Context(), chi.URLParam(r, "teamID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": events})
}

func (s *Server) handleCoinHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Ledger.CoinHistory(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSkillCardHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Ledger.SkillCardHistory(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	card, err := skillcard.Parse(chi.URLParam(r, "card"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Ledger.ActivateSkillCard(r.Context(), chi.URLParam(r, "teamID"), card)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUnlockPuzzle(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Puzzle string `json:"puzzle"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.Ledger.UnlockPuzzle(r.Context(), chi.URLParam(r, "teamID"), in.Puzzle); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Diff   int    `json:"diff"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if in.Reason == "" {
		in.Reason = "admin_adjustment"
	}
	balance, err := s.svc.Ledger.AdjustBalance(r.Context(), chi.URLParam(r, "teamID"), in.Diff, in.Reason, ledger.Attribution{})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SkillCard string `json:"skill_card"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	card, err := skillcard.Parse(in.SkillCard)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.Ledger.GrantSkillCard(r.Context(), chi.URLParam(r, "teamID"), card); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	card, err := skillcard.Parse(chi.URLParam(r, "card"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.Ledger.RevokeSkillCard(r.Context(), chi.URLParam(r, "teamID"), card); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TeamID  string `json:"team_id"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	if in.Message == "" {
		s.fail(w, r, apperr.New(apperr.ErrInvalidArgument, "message is required"))
		return
	}
	if in.TeamID != "" {
		if _, err := s.svc.Teams.Get(r.Context(), in.TeamID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.svc.Announcer.Announce(r.Context(), in.TeamID, in.Message)
	w.WriteHeader(http.StatusAccepted)
}

// --- stations ---

func (s *Server) handleStationList(w http.ResponseWriter, r *http.Request) {
	stations, err := s.svc.Stations.ListStations(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": stations})
}

func (s *Server) handleGroupList(w http.ResponseWriter, r *http.Request) {
	groups, err := s.svc.Stations.ListGroups(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleStationLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Codename string `json:"codename"`
		Pin      string `json:"pin"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.svc.Stations.VerifyPin(r.Context(), in.Codename, in.Pin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleVisitPrice(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stations.ResolveStation(r.Context(), chi.URLParam(r, "station"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	teamID := r.URL.Query().Get("team_id")
	price, err := s.svc.Stations.GetVisitPrice(r.Context(), st.ID, teamID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"station_id": st.ID, "team_id": teamID, "price": price})
}

func (s *Server) handleVisit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TeamID string `json:"team_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.svc.Stations.ResolveStation(r.Context(), chi.URLParam(r, "station"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Stations.VisitStation(r.Context(), st.ID, in.TeamID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleAward(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TeamID string `json:"team_id"`
		Diff   int    `json:"diff"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.svc.Stations.ResolveStation(r.Context(), chi.URLParam(r, "station"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if in.Reason == "" {
		in.Reason = "station:" + st.Codename
	}
	balance, err := s.svc.Stations.AwardStationCoins(r.Context(), st.ID, in.TeamID, in.Diff, in.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *Server) handleSkipList(w http.ResponseWriter, r *http.Request) {
	skips, err := s.svc.Stations.ListSkips(r.Context(), chi.URLParam(r, "teamID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skips": skips})
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	g, err := s.svc.Stations.ResolveGroup(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	created, err := s.svc.Stations.Skip(r.Context(), chi.URLParam(r, "teamID"), g.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"station_group_id": g.ID, "created": created})
}

func (s *Server) handleUnskip(w http.ResponseWriter, r *http.Request) {
	waive, err := queryBool(r, "waive")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	g, err := s.svc.Stations.ResolveGroup(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	charged, err := s.svc.Stations.Unskip(r.Context(), chi.URLParam(r, "teamID"), g.ID, waive)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"station_group_id": g.ID, "charged": charged})
}
