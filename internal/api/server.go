// Package api provides the read-only HTTP status server for conductor.
// It exposes scheduler, session-lock, credit and health state; work is never
// submitted over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/health"
	"github.com/tutu-network/conductor/internal/infra/scheduler"
)

// SchedulerView is the read side of the scheduler.
type SchedulerView interface {
	Status() scheduler.Status
	Queue() []domain.Task
	Running() []domain.Task
	Recent(n int) []domain.Task
	Get(id string) (domain.Task, bool)
}

// LockView is the read side of the session lock.
type LockView interface {
	Current() (domain.Lock, bool)
	QueueLength() int
}

// HealthView exposes the latest health check results.
type HealthView interface {
	Statuses() []health.Status
	IsHealthy() bool
}

// CreditView exposes the credit quota.
type CreditView interface {
	Balance() (int64, error)
	History(limit int) ([]domain.LedgerEntry, error)
}

const defaultRecent = 20

// Server is the conductor HTTP status server.
type Server struct {
	scheduler      SchedulerView
	lock           LockView
	health         HealthView
	credits        CreditView
	version        string
	metricsEnabled bool
}

// NewServer creates a new API server.
func NewServer(sched SchedulerView, lk LockView, version string) *Server {
	return &Server{scheduler: sched, lock: lk, version: version}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth sets the health checker reported on /health.
func (s *Server) SetHealth(h HealthView) { s.health = h }

// SetCredits sets the credit ledger reported on /api/credits.
func (s *Server) SetCredits(c CreditView) { s.credits = c }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
		})
		r.Get("/status", s.handleStatus)
		r.Get("/tasks", s.handleTasks)
		r.Get("/tasks/{id}", s.handleTask)
		r.Get("/lock", s.handleLock)
		r.Get("/credits", s.handleCredits)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version":   s.version,
		"scheduler": s.scheduler.Status(),
	}
	if s.lock != nil {
		resp["lock"] = s.lockState()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	n := defaultRecent
	if v := r.URL.Query().Get("recent"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "recent must be a non-negative integer")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":   nonNil(s.scheduler.Queue()),
		"running": nonNil(s.scheduler.Running()),
		"recent":  nonNil(s.scheduler.Recent(n)),
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.scheduler.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type lockResponse struct {
	Locked  bool         `json:"locked"`
	Lock    *domain.Lock `json:"lock,omitempty"`
	Waiters int          `json:"waiters"`
}

func (s *Server) lockState() lockResponse {
	cur, held := s.lock.Current()
	st := lockResponse{Locked: held, Waiters: s.lock.QueueLength()}
	if held {
		st.Lock = &cur
	}
	return st
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if s.lock == nil {
		writeError(w, http.StatusNotFound, "session lock not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.lockState())
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	if s.credits == nil {
		writeError(w, http.StatusNotFound, "credit quota not configured")
		return
	}
	bal, err := s.credits.Balance()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hist, err := s.credits.History(defaultRecent)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance": bal,
		"history": nonNil(hist),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local dashboards.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
