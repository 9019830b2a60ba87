package keeper

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Health tracks liveness state served on /health.
type Health struct {
	staleAfter time.Duration
	started    time.Time
	now        func() time.Time

	mu              sync.RWMutex
	lastPollAt      time.Time
	engineConnected bool
}

// NewHealth reports stale once no poll has completed for staleAfter.
func NewHealth(staleAfter time.Duration) *Health {
	return &Health{staleAfter: staleAfter, started: time.Now(), now: time.Now}
}

// MarkPoll records a completed poll.
func (h *Health) MarkPoll(at time.Time) {
	h.mu.Lock()
	h.lastPollAt = at
	h.mu.Unlock()
}

// SetEngineConnected records whether the last engine call succeeded.
func (h *Health) SetEngineConnected(ok bool) {
	h.mu.Lock()
	h.engineConnected = ok
	h.mu.Unlock()
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status          string     `json:"status"`
	Uptime          int64      `json:"uptime"`
	LastPollAt      *time.Time `json:"lastPollAt"`
	EngineConnected bool       `json:"engineConnected"`
}

// Status returns the current health. A keeper that has never polled is
// not stale.
func (h *Health) Status() HealthStatus {
	now := h.now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := HealthStatus{
		Status:          "ok",
		Uptime:          int64(now.Sub(h.started).Seconds()),
		EngineConnected: h.engineConnected,
	}
	if !h.lastPollAt.IsZero() {
		at := h.lastPollAt.UTC()
		st.LastPollAt = &at
		if now.Sub(h.lastPollAt) > h.staleAfter {
			st.Status = "stale"
		}
	}
	return st
}

// NewHealthHandler serves GET /health and GET /metrics.
func NewHealthHandler(h *Health, m *Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		st := h.Status()
		code := http.StatusOK
		if st.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, m.Snapshot())
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not Found"})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
