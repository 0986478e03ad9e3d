// Package api exposes the HTTP API, the progress websocket and the MCP
// tool server.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jimmypocock/reporeconnoiter.com/internal/ledger"
	"github.com/jimmypocock/reporeconnoiter.com/internal/profile"
	"github.com/jimmypocock/reporeconnoiter.com/internal/progress"
	"github.com/jimmypocock/reporeconnoiter.com/internal/search"
	"github.com/jimmypocock/reporeconnoiter.com/internal/service"
	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
	"github.com/jimmypocock/reporeconnoiter.com/internal/telemetry"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ResultStore is the read access the handlers need.
type ResultStore interface {
	Ping(ctx context.Context) error
	GetResult(ctx context.Context, id string) (storage.Result, error)
}

type Deps struct {
	Store   ResultStore
	Service *service.Service
	Search  *search.Engine
	Ledger  *ledger.Ledger
	Profile *profile.Manager
	Auth    Authenticator
	Gate    *progress.Gate

	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler // nil when no Prometheus exporter is configured

	RequestsPerSecond float64 // 0 disables throttling
	Burst             int
	AllowOrigins      []string // websocket origin patterns beyond same-origin
	Logger            *slog.Logger
}

type handler struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler returns the HTTP handler for the whole API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{deps: deps, logger: deps.Logger, now: time.Now}
	th := newThrottle(deps.RequestsPerSecond, deps.Burst)

	r := chi.NewRouter()
	r.Get("/health", h.handleHealth)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireCaller(deps.Auth))
		r.Use(th.middleware)

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/comparisons", h.handleCreateComparison)
			r.Get("/comparisons/search", h.handleSearchComparisons)
			r.Post("/analyses", h.handleCreateAnalysis)
			r.Get("/results/{id}", h.handleGetResult)
			r.Get("/budget", h.handleBudget)
			r.Get("/profile", h.handleProfile)
		})
		r.Get("/cable/{kind}", h.handleCable)
	})
	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.deps.Store.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
