package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kessler_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"route", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kessler_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	propagationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kessler_propagation_duration_seconds",
			Help:    "Wall time to derive ephemerides for one snapshot.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ephemeridesDerived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_ephemerides_derived_total",
			Help: "Ephemerides derived from fresh state (cache misses).",
		},
	)

	propagationSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_propagation_skipped_total",
			Help: "Objects the force model could not carry this cycle.",
		},
	)

	screeningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kessler_screening_duration_seconds",
			Help:    "Wall time of the pairwise conjunction screen.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	screeningCandidatePairs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kessler_screening_candidate_pairs",
			Help: "Pairs passing the apsis-band filter in the last cycle.",
		},
	)

	screeningRefinedPairs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kessler_screening_refined_pairs",
			Help: "Pairs refined to a closest approach in the last cycle.",
		},
	)

	screeningSkippedPairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_screening_skipped_pairs_total",
			Help: "Pairs skipped because relative speed exceeded the step-size bound.",
		},
	)

	conjunctionsByTier = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kessler_conjunctions_by_tier",
			Help: "Conjunctions found in the last cycle, by risk tier.",
		},
		[]string{"tier"},
	)

	plansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kessler_plans_total",
			Help: "Maneuver plan lifecycle transitions.",
		},
		[]string{"status"},
	)

	maneuversInfeasible = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_maneuvers_infeasible_total",
			Help: "Action-tier conjunctions with no adequate burn in budget.",
		},
	)

	conjunctionsUnavoidable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_conjunctions_unavoidable_total",
			Help: "Action-tier conjunctions with no maneuverable object.",
		},
	)

	coordinationSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_coordination_sessions_total",
			Help: "Coordination sessions resolved.",
		},
	)

	coordinationTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_coordination_timeouts_total",
			Help: "Sessions that hit the iteration cap and rejected plans.",
		},
	)

	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kessler_cycles_total",
			Help: "Screening cycles by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kessler_cycle_duration_seconds",
			Help:    "End-to-end screening cycle duration.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	catalogObjects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kessler_catalog_objects",
			Help: "Tracked objects in the catalog, by classification.",
		},
		[]string{"class"},
	)

	catalogAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kessler_catalog_age_seconds",
			Help: "Seconds since the last accepted catalog write.",
		},
	)

	alertsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_alerts_emitted_total",
			Help: "Watch-or-above alerts appended to the alert feed.",
		},
	)

	feedDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kessler_feed_dropped_total",
			Help: "Live deliveries skipped because a subscriber lagged, by feed.",
		},
		[]string{"feed"},
	)

	ingestRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kessler_ingest_records_total",
			Help: "Telemetry records by ingestion result.",
		},
		[]string{"result"},
	)

	ingestOutOfOrder = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_ingest_out_of_order_total",
			Help: "Telemetry records dropped for carrying a stale epoch.",
		},
	)

	streamConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kessler_stream_connections_total",
			Help: "Stream connection events.",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kessler_streams_active",
			Help: "Currently connected stream clients.",
		},
	)

	streamMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_stream_messages_total",
			Help: "Messages written to stream clients.",
		},
	)

	streamBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kessler_stream_bytes_total",
			Help: "Bytes written to stream clients.",
		},
	)

	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kessler_stream_errors_total",
			Help: "Stream failures by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		propagationDuration,
		ephemeridesDerived,
		propagationSkipped,
		screeningDuration,
		screeningCandidatePairs,
		screeningRefinedPairs,
		screeningSkippedPairs,
		conjunctionsByTier,
		plansTotal,
		maneuversInfeasible,
		conjunctionsUnavoidable,
		coordinationSessions,
		coordinationTimeouts,
		cyclesTotal,
		cycleDuration,
		catalogObjects,
		catalogAge,
		alertsEmitted,
		feedDropped,
		ingestRecords,
		ingestOutOfOrder,
		streamConnections,
		streamsActive,
		streamMessages,
		streamBytes,
		streamErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPropagation observes one snapshot derivation.
func RecordPropagation(d time.Duration, derived, skipped int) {
	propagationDuration.Observe(d.Seconds())
	ephemeridesDerived.Add(float64(derived))
	propagationSkipped.Add(float64(skipped))
}

// RecordScreening observes one conjunction screen.
func RecordScreening(d time.Duration, candidates, refined, skipped int) {
	screeningDuration.Observe(d.Seconds())
	screeningCandidatePairs.Set(float64(candidates))
	screeningRefinedPairs.Set(float64(refined))
	screeningSkippedPairs.Add(float64(skipped))
}

// SetTierCounts publishes the last cycle's conjunction census.
func SetTierCounts(nominal, watch, action int) {
	conjunctionsByTier.WithLabelValues("nominal").Set(float64(nominal))
	conjunctionsByTier.WithLabelValues("watch").Set(float64(watch))
	conjunctionsByTier.WithLabelValues("action").Set(float64(action))
}

// IncPlanStatus counts one plan lifecycle transition.
func IncPlanStatus(status string) {
	plansTotal.WithLabelValues(status).Inc()
}

func IncManeuversInfeasible()     { maneuversInfeasible.Inc() }
func IncUnavoidableConjunctions() { conjunctionsUnavoidable.Inc() }
func AddCoordinationSessions(n int) {
	coordinationSessions.Add(float64(n))
}
func IncCoordinationTimeouts() { coordinationTimeouts.Inc() }

// RecordCycle observes one screening cycle. Outcome is one of complete,
// partial, or cancelled.
func RecordCycle(outcome string, d time.Duration) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(d.Seconds())
}

// SetCatalogObjects publishes the catalog census for one classification.
func SetCatalogObjects(class string, n int) {
	catalogObjects.WithLabelValues(class).Set(float64(n))
}

func SetCatalogAge(seconds float64) { catalogAge.Set(seconds) }

func AddAlerts(n int) { alertsEmitted.Add(float64(n)) }

func AddFeedDropped(feed string, n int) { feedDropped.WithLabelValues(feed).Add(float64(n)) }

// RecordIngest counts one ingestion batch.
func RecordIngest(applied, dropped, outOfOrder int) {
	ingestRecords.WithLabelValues("applied").Add(float64(applied))
	ingestRecords.WithLabelValues("dropped").Add(float64(dropped))
	ingestOutOfOrder.Add(float64(outOfOrder))
}

func IncStreamConnections(event string) { streamConnections.WithLabelValues(event).Inc() }
func IncStreamsActive()                 { streamsActive.Inc() }
func DecStreamsActive()                 { streamsActive.Dec() }
func IncStreamMessages()                { streamMessages.Inc() }
func AddStreamBytes(n int64)            { streamBytes.Add(float64(n)) }
func IncStreamErrors(reason string)     { streamErrors.WithLabelValues(reason).Inc() }

// knownRoutes are the exact paths the server registers. Anything else is
// bots and scanners, collapsed into one label to bound cardinality.
var knownRoutes = map[string]bool{
	"/":                     true,
	"/healthz":              true,
	"/readyz":               true,
	"/metrics":              true,
	"/api/v1/ingest":        true,
	"/api/v1/tle/fetch":     true,
	"/api/v1/objects":       true,
	"/api/v1/conjunctions":  true,
	"/api/v1/plans":         true,
	"/api/v1/cycles/latest": true,
	"/api/v1/cycles/run":    true,
	"/api/v1/stream/alerts": true,
	"/api/v1/stream/plans":  true,
	"/api/v1/config":        true,
}

// normalizeRoute maps a request path to a bounded label set: known routes
// pass through, per-object paths collapse to a placeholder, the rest become
// "other".
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/api/v1/objects/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return "/api/v1/objects/{id}"
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE streams keep working
// through the middleware chain.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer for
// per-write deadlines on stream connections.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
