// Package api serves the game over JSON HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/auction"
	"github.com/jensholdgaard/techrun/internal/health"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/station"
	"github.com/jensholdgaard/techrun/internal/team"
	"github.com/jensholdgaard/techrun/internal/telemetry"
)

const requestTimeout = 30 * time.Second

// Announcer broadcasts free-text messages.
type Announcer interface {
	Announce(ctx context.Context, teamID, message string)
}

// Leadership reports whether this replica runs the game.
type Leadership interface {
	Leading() bool
}

// errNotLeader is returned by every game route on a replica that does not
// run the auction engine.
var errNotLeader = apperr.New(apperr.ErrUnavailable, "this replica is not running the game")

// Services are the managers the API exposes.
type Services struct {
	Auctions  *auction.Manager
	Ledger    *ledger.Manager
	Stations  *station.Manager
	Teams     *team.Manager
	Announcer Announcer
	// Leader gates the game routes when set. Health routes stay open.
	Leader Leadership
}

// Server routes HTTP requests to the game managers.
type Server struct {
	svc    Services
	log    *slog.Logger
	tracer trace.Tracer
	mux    *chi.Mux
}

// New builds the router. health may be nil.
func New(svc Services, h *health.Handler, logger *slog.Logger, tp trace.TracerProvider) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		log:    logger,
		tracer: tp.Tracer("github.com/jensholdgaard/techrun/internal/api"),
		mux:    chi.NewRouter(),
	}
	s.routes(h)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes(h *health.Handler) {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.traceRequests)
	r.Use(middleware.Timeout(requestTimeout))

	if h != nil {
		h.Mount(r)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.svc.Leader != nil {
			r.Use(s.requireLeader)
		}
		r.Get("/auction", s.handleAuctionStatus)
		r.Get("/auction/bids", s.handleLatestBids)
		r.Get("/auctions", s.handleAuctionList)
		r.Get("/auctions/{id}", s.handleAuctionGet)
		r.Get("/auctions/{id}/bids", s.handleBidHistory)

		r.Get("/leaderboard", s.handleLeaderboard)

		r.Get("/stations", s.handleStationList)
		r.Get("/station-groups", s.handleGroupList)
		r.Post("/stations/login", s.handleStationLogin)
		r.Get("/stations/{station}/price", s.handleVisitPrice)
		r.Post("/stations/{station}/visits", s.handleVisit)
		r.Post("/stations/{station}/awards", s.handleAward)

		r.Route("/teams/{teamID}", func(r chi.Router) {
			r.Get("/", s.handleTeamGet)
			r.Get("/others", s.handleOtherTeamsCoins)
			r.Get("/notifications", s.handleNotifications)
			r.Get("/coins/history", s.handleCoinHistory)
			r.Get("/skill-cards/history", s.handleSkillCardHistory)
			r.Post("/skill-cards/{card}/activate", s.handleActivate)
			r.Post("/puzzles", s.handleUnlockPuzzle)
			r.Post("/bids", s.handleBid)
			r.Get("/skips", s.handleSkipList)
			r.Put("/skips/{group}", s.handleSkip)
			r.Delete("/skips/{group}", s.handleUnskip)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/auctions", s.handleAuctionCreate)
			r.Post("/teams", s.handleProvision)
			r.Post("/teams/{teamID}/coins", s.handleAdjust)
			r.Post("/teams/{teamID}/skill-cards", s.handleGrant)
			r.Delete("/teams/{teamID}/skill-cards/{card}", s.handleRevoke)
			r.Post("/announcements", s.handleAnnounce)
		})
	})
}

// requireLeader rejects game requests on a replica that is not the leader.
// Each replica has its own auction engine, so only the leader may serve them.
func (s *Server) requireLeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.svc.Leader.Leading() {
			s.fail(w, r, errNotLeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traceRequests opens a span per request and logs its outcome.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
				attribute.String("request_id", middleware.GetReqID(r.Context())),
			),
		)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		telemetry.LogWithTrace(ctx, s.log).DebugContext(ctx, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return apperr.New(apperr.ErrInvalidArgument, fmt.Sprintf("decoding request body: %v", err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

// fail maps err to its response status. Unclassified errors are logged and
// hidden from the caller.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		telemetry.LogWithTrace(r.Context(), s.log).ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, status, "internal error")
		return
	}
	var kind string
	if k := apperr.Kind(err); k != nil {
		kind = k.Error()
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": kind})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.New(apperr.ErrInvalidArgument, fmt.Sprintf("bad query parameter %s=%q", name, v))
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperr.New(apperr.ErrInvalidArgument, fmt.Sprintf("bad query parameter %s=%q", name, v))
	}
	return b, nil
}
