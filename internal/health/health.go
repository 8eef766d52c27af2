// Package health serves the liveness and readiness probes of the game
// server, plus a game status summary for operators.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jensholdgaard/techrun/internal/clock"
)

// DefaultCheckTimeout bounds every readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Status represents a health check result.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Game      map[string]any    `json:"game,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker defines a named health check function.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler provides HTTP health check endpoints.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	clock    clock.Clock
	timeout  time.Duration
	game     func() map[string]any
}

// NewHandler creates a new health handler with the given checkers.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk, timeout: DefaultCheckTimeout}
}

// WithGameStatus adds fn's summary to readiness responses.
func (h *Handler) WithGameStatus(fn func() map[string]any) *Handler {
	h.game = fn
	return h
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Ready reports the value last passed to SetReady.
func (h *Handler) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Mount registers /healthz and /readyz on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.LivenessHandler())
	r.Get("/readyz", h.ReadinessHandler())
}

func (h *Handler) timestamp() string {
	return clock.NowUTC(h.clock).Format(time.RFC3339)
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{
			Status:    "ok",
			Timestamp: h.timestamp(),
		})
	}
}

// ReadinessHandler returns HTTP 200 if the service is ready and every check
// passes. Checks run concurrently.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, Status{
				Status:    "not_ready",
				Timestamp: h.timestamp(),
			})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		var (
			mu     sync.Mutex
			wg     sync.WaitGroup
			checks = make(map[string]string, len(h.checkers))
			allOK  = true
		)
		for _, c := range h.checkers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result := "ok"
				if err := c.Check(ctx); err != nil {
					result = err.Error()
				}
				mu.Lock()
				defer mu.Unlock()
				checks[c.Name] = result
				if result != "ok" {
					allOK = false
				}
			}()
		}
		wg.Wait()

		status := "ready"
		code := http.StatusOK
		if !allOK {
			status = "not_ready"
			code = http.StatusServiceUnavailable
		}

		s := Status{
			Status:    status,
			Checks:    checks,
			Timestamp: h.timestamp(),
		}
		if h.game != nil {
			s.Game = h.game()
		}
		writeJSON(w, code, s)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
