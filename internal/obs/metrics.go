package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Identity metrics
var (
	// LoginsTotal is exported so tests can observe per-provider outcomes.
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_logins_total",
			Help: "Login attempts by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	cacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_access_cache_events_total",
			Help: "Access cache hits, misses and invalidations.",
		},
		[]string{"event"},
	)

	tokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_token_verifications_total",
			Help: "Token verification attempts by class and outcome.",
		},
		[]string{"class", "outcome"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		LoginsTotal, cacheEventsTotal, tokenVerificationsTotal,
	)
}

// IncLogin counts one login attempt outcome for a provider.
func IncLogin(provider, outcome string) {
	LoginsTotal.WithLabelValues(provider, outcome).Inc()
}

// IncCacheEvent counts one access cache event (hit, miss, invalidate).
func IncCacheEvent(event string) {
	cacheEventsTotal.WithLabelValues(event).Inc()
}

// IncTokenVerification counts one token verification outcome.
func IncTokenVerification(class, outcome string) {
	tokenVerificationsTotal.WithLabelValues(class, outcome).Inc()
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Route labels are drawn from the fixed route set; anything else collapses to
// "other" so a path scan cannot mint unbounded label values.
var knownPaths = map[string]struct{}{
	"/":                 {},
	"/healthz":          {},
	"/readyz":           {},
	"/metrics":          {},
	"/v1/info":          {},
	"/v1/auth/login":    {},
	"/v1/auth/refresh":  {},
	"/v1/auth/validate": {},
	"/v1/access/verify": {},
	"/v1/grants":        {},
}

// CanonicalPath maps a request path onto its metric label.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpInFlight.Dec()
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	})
}
