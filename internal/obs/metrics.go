package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP request metrics shared by every route.
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

// Relay metrics.
var (
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sessions_started_total",
			Help: "Sessions started, by outcome (new, restart).",
		},
		[]string{"outcome"},
	)

	ResultsRegistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_results_registered_total",
			Help: "Auth results posted to the relay, by outcome.",
		},
		[]string{"outcome"},
	)

	LiveSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_live_subscribers",
		Help: "Open host live streams.",
	})

	BusLagged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_lagged_total",
		Help: "Times a live stream fell behind the update bus and had to reconcile.",
	})

	SessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_swept_total",
		Help: "Sessions deleted by the inactivity sweep.",
	})
)

// Init registers all collectors in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		SessionsStarted, ResultsRegistered, LiveSubscribers, BusLagged, SessionsSwept,
	)
}

// Handler serves the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests per canonical path.
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

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// Route prefixes whose remaining segments are tokens, ids or encoded
// continuation state.
var opaqueTails = map[string]string{
	"/guest/init":           "/guest/init/:token",
	"/guest/start":          "/guest/start/:token",
	"/internal/auth_result": "/internal/auth_result/:id",
	"/host/live":            "/host/live/:token",
	"/host/credentials":     "/host/credentials/:token",
	"/confirm":              "/confirm/:continuation",
	"/browser":              "/browser/:continuation",
	"/cancel":               "/cancel/:continuation",
}

// CanonicalPath collapses opaque path segments so metrics and logs never
// carry tokens or correlation ids.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	for prefix, canonical := range opaqueTails {
		if strings.HasPrefix(p, prefix+"/") && len(p) > len(prefix)+1 {
			return canonical
		}
	}
	return p
}

// statusWriter records the response code for the request metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working behind Instrument.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
