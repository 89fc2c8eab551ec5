// ABOUTME: Operator HTTP surface of the worker process: health, Prometheus metrics and a small jobs API.
// ABOUTME: Bound to ADMIN_LISTEN_ADDR; intended for the internal network only and carries no auth.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syphar/crates.io/internal/metrics"
	"github.com/syphar/crates.io/internal/store"
	"github.com/syphar/crates.io/internal/worker"
)

// StateFunc reports the current supervisor state.
type StateFunc func() worker.State

// Option configures a Server.
type Option func(*Server)

// WithState reports supervisor state on /healthz.
func WithState(fn StateFunc) Option { return func(s *Server) { s.state = fn } }

// WithMetrics refreshes queue depth gauges when /api/v1/queues is read.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithGatherer serves g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// Server holds the dependencies of the admin HTTP layer.
type Server struct {
	store    *store.Store
	state    StateFunc
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
}

// NewServer creates a Server. s may be nil only in tests that don't need a
// DB (healthz then reports degraded).
func NewServer(s *store.Store, opts ...Option) *Server {
	srv := &Server{store: s, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Handler builds the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(64 << 10))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", srv.healthzHandler)
	r.Handle("/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))

	// ── API v1 sub-router with huma ──────────────────────────────────────────
	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("crates.io background worker admin API", "1.0.0")
	humaConfig.Info.Description = "Inspect and requeue background jobs"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)
	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
	Worker string `json:"worker,omitempty"`
}

// healthzHandler returns 200 while the DB answers and the supervisor has
// not stopped, 503 otherwise.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	statusCode := http.StatusOK

	if srv.store == nil {
		resp.Status = "degraded"
		resp.DB = "unavailable"
		statusCode = http.StatusServiceUnavailable
	} else if err := srv.store.Ping(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
		resp.Status = "degraded"
		resp.DB = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	if srv.state != nil {
		st := srv.state()
		resp.Worker = st.String()
		if st == worker.StateFailed || st == worker.StateStopped {
			resp.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
	}
}
