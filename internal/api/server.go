// Package api wires the HTTP surface: telemetry ingestion, catalog
// inspection, conjunction and plan queries, cycle control, and the SSE feeds.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/kessler/internal/auth"
	"github.com/star/kessler/internal/catalog"
	"github.com/star/kessler/internal/engine"
	"github.com/star/kessler/internal/health"
	"github.com/star/kessler/internal/httputil"
	"github.com/star/kessler/internal/ingest"
	"github.com/star/kessler/internal/maneuver"
	"github.com/star/kessler/internal/metrics"
	"github.com/star/kessler/internal/risk"
	"github.com/star/kessler/internal/stream"
)

// maxIngestBytes caps a telemetry batch body.
const maxIngestBytes = 32 << 20

// Deps are the components the API serves.
type Deps struct {
	Store     *catalog.Store
	Engine    *engine.Engine
	Ingester  *ingest.Ingester
	Bootstrap *ingest.TLEBootstrap // nil disables POST /api/v1/tle/fetch
	Streams   *stream.Handler
	Auth      auth.Config
	Config    ConfigView
}

// ConfigView is the operator-visible runtime configuration served by
// GET /api/v1/config. Credentials never appear here.
type ConfigView struct {
	CyclePeriodSeconds  float64        `json:"cycle_period_seconds"`
	CycleBudgetSeconds  float64        `json:"cycle_budget_seconds"`
	HorizonHours        float64        `json:"horizon_hours"`
	CoarseStepSeconds   float64        `json:"coarse_step_seconds"`
	FineGateKm          float64        `json:"fine_gate_km"`
	WatchThreshold      float64        `json:"watch_threshold"`
	ActionThreshold     float64        `json:"action_threshold"`
	DeltaVBudgetMps     float64        `json:"delta_v_budget_m_s"`
	SafetyMargin        float64        `json:"safety_margin"`
	IterationCap        int            `json:"iteration_cap"`
	AuthorityPriorities map[string]int `json:"authority_priorities,omitempty"`
	AuthEnabled         bool           `json:"auth_enabled"`
	TLESources          []string       `json:"tle_sources,omitempty"`
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	h := &handlers{deps: deps, logger: logger}
	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("GET /{$}", h.root)
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(deps.Engine.Ready))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/v1/ingest", h.ingest)
	mux.HandleFunc("POST /api/v1/tle/fetch", h.tleFetch)
	mux.HandleFunc("GET /api/v1/objects", h.objects)
	mux.HandleFunc("GET /api/v1/objects/{id}", h.objectByID)
	mux.HandleFunc("GET /api/v1/conjunctions", h.conjunctions)
	mux.HandleFunc("GET /api/v1/plans", h.plans)
	mux.HandleFunc("GET /api/v1/cycles/latest", h.latestCycle)
	mux.HandleFunc("POST /api/v1/cycles/run", h.runCycle)
	mux.HandleFunc("GET /api/v1/stream/alerts", deps.Streams.Feed(deps.Engine.Alerts()))
	mux.HandleFunc("GET /api/v1/stream/plans", deps.Streams.Feed(deps.Engine.Plans()))
	mux.HandleFunc("GET /api/v1/config", h.config)

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(deps.Auth)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

func (h *handlers) root(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]any{
		"service": "kessler",
		"objects": h.deps.Store.Len(),
		"ready":   h.deps.Engine.Ready(),
	})
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	var records []ingest.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err := dec.Decode(&records); err != nil {
		httputil.Error(w, http.StatusBadRequest, fmt.Sprintf("decoding batch: %v", err))
		return
	}
	httputil.JSON(w, http.StatusOK, h.deps.Ingester.Apply(records))
}

// tleFetchResponse wraps the ingest summary with any source fetch failure.
// Partial success (some URLs down, some element sets applied) still returns
// 200 so the caller sees what landed.
type tleFetchResponse struct {
	ingest.Summary
	FetchError string `json:"fetch_error,omitempty"`
}

func (h *handlers) tleFetch(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bootstrap == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "no TLE sources configured")
		return
	}

	summary, err := h.deps.Bootstrap.Run(r.Context())
	if err != nil && summary.Applied == 0 {
		httputil.Error(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := tleFetchResponse{Summary: summary}
	if err != nil {
		resp.FetchError = err.Error()
	}
	httputil.JSON(w, http.StatusOK, resp)
}

type objectList struct {
	TakenAt time.Time               `json:"taken_at"`
	Count   int                     `json:"count"`
	Objects []catalog.TrackedObject `json:"objects"`
}

func (h *handlers) objects(w http.ResponseWriter, r *http.Request) {
	snap := h.deps.Store.Snapshot()
	objs := snap.Objects

	if v := r.URL.Query().Get("class"); v != "" {
		class, err := catalog.ParseClass(v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		var filtered []catalog.TrackedObject
		for _, o := range objs {
			if o.Class == class {
				filtered = append(filtered, o)
			}
		}
		objs = filtered
	}
	if v := r.URL.Query().Get("authority"); v != "" {
		var filtered []catalog.TrackedObject
		for _, o := range objs {
			if o.Authority == catalog.Authority(v) {
				filtered = append(filtered, o)
			}
		}
		objs = filtered
	}
	if objs == nil {
		objs = []catalog.TrackedObject{}
	}

	httputil.JSON(w, http.StatusOK, objectList{TakenAt: snap.TakenAt, Count: len(objs), Objects: objs})
}

func (h *handlers) objectByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	obj, ok := h.deps.Store.Get(id)
	if !ok {
		httputil.Error(w, http.StatusNotFound, fmt.Sprintf("object %s not found", id))
		return
	}
	httputil.JSON(w, http.StatusOK, obj)
}

type conjunctionList struct {
	Cycle        uint64               `json:"cycle"`
	StartedAt    time.Time            `json:"started_at"`
	Partial      bool                 `json:"partial,omitempty"`
	Count        int                  `json:"count"`
	Conjunctions []risk.CollisionRisk `json:"conjunctions"`
}

func (h *handlers) conjunctions(w http.ResponseWriter, r *http.Request) {
	report := h.deps.Engine.Latest()
	if report == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "no assessment cycle has completed")
		return
	}

	risks := report.Conjunctions
	if v := r.URL.Query().Get("tier"); v != "" {
		tier, err := risk.ParseTier(v)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		var filtered []risk.CollisionRisk
		for _, cr := range risks {
			if cr.Tier == tier {
				filtered = append(filtered, cr)
			}
		}
		risks = filtered
	}
	if v := r.URL.Query().Get("min_probability"); v != "" {
		min, err := strconv.ParseFloat(v, 64)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, fmt.Sprintf("invalid min_probability %q", v))
			return
		}
		var filtered []risk.CollisionRisk
		for _, cr := range risks {
			if cr.Probability >= min {
				filtered = append(filtered, cr)
			}
		}
		risks = filtered
	}
	if risks == nil {
		risks = []risk.CollisionRisk{}
	}

	httputil.JSON(w, http.StatusOK, conjunctionList{
		Cycle:        report.Number,
		StartedAt:    report.StartedAt,
		Partial:      report.Partial,
		Count:        len(risks),
		Conjunctions: risks,
	})
}

// planList reports committed plans awaiting execution plus every plan the
// latest cycle decided (committed, superseded, rejected).
type planList struct {
	Cycle      uint64           `json:"cycle"`
	Active     []*maneuver.Plan `json:"active"`
	CyclePlans []*maneuver.Plan `json:"cycle_plans"`
}

func (h *handlers) plans(w http.ResponseWriter, r *http.Request) {
	resp := planList{
		Active:     h.deps.Engine.ActivePlans(),
		CyclePlans: []*maneuver.Plan{},
	}
	if report := h.deps.Engine.Latest(); report != nil {
		resp.Cycle = report.Number
		if report.Plans != nil {
			resp.CyclePlans = report.Plans
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}

func (h *handlers) latestCycle(w http.ResponseWriter, r *http.Request) {
	report := h.deps.Engine.Latest()
	if report == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "no assessment cycle has completed")
		return
	}
	httputil.JSON(w, http.StatusOK, report)
}

func (h *handlers) runCycle(w http.ResponseWriter, r *http.Request) {
	report := h.deps.Engine.RunCycle(r.Context(), time.Now().UTC())
	httputil.JSON(w, http.StatusOK, report)
}

func (h *handlers) config(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, h.deps.Config)
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE streams keep working
// through the middleware chain.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer for
// per-write deadlines on stream connections.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", r.RemoteAddr,
			)
		})
	}
}
