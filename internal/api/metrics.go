package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	responseBytes     *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	rateLimitRejected *prometheus.CounterVec
	queueEnqueued     *prometheus.CounterVec

	rendersTotal   *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec
	adjustedTotal  *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasflow", Subsystem: "api", Name: "requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canvasflow", Subsystem: "api", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		responseBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canvasflow", Subsystem: "api", Name: "response_bytes",
			Help:    "Response body size; dominated by encoded canvases on render routes.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"route"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "canvasflow", Subsystem: "api", Name: "requests_in_flight",
			Help: "Requests currently being served.",
		}),
		rateLimitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasflow", Subsystem: "api", Name: "rate_limit_rejections_total",
			Help: "Requests rejected with 429 by the token bucket.",
		}, []string{"route"}),
		queueEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasflow", Subsystem: "queue", Name: "jobs_enqueued_total",
			Help: "Render jobs handed to the queue.",
		}, []string{"queue"}),
		rendersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasflow", Subsystem: "api", Name: "renders_total",
			Help: "Synchronous canvas renders by mode, output format and status.",
		}, []string{"mode", "format", "status"}),
		renderDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canvasflow", Subsystem: "api", Name: "render_duration_seconds",
			Help:    "Time spent decoding, composing and encoding a canvas.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		adjustedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasflow", Subsystem: "api", Name: "adjusted_renders_total",
			Help: "Renders whose requested geometry was clamped or widened.",
		}, []string{"mode"}),
	}
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		rw := wrapResponse(w)
		next.ServeHTTP(rw, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(rw.status)
		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.responseBytes.WithLabelValues(route).Observe(float64(rw.written))
	})
}

var staticRoutes = map[string]struct{}{
	"/":                      {},
	"/choose":                {},
	"/healthz":               {},
	"/metrics":               {},
	"/mask":                  {},
	"/resize":                {},
	"/resize/resize":         {},
	"/resize/centered-width": {},
	"/generate-mask":         {},
	"/v1/jobs":               {},
}

// routeLabel maps a request path onto a bounded label set. Job IDs collapse
// to {id} and unknown paths to "other".
func routeLabel(path string) string {
	if rest, ok := strings.CutPrefix(path, "/v1/jobs/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/start") {
			return "/v1/jobs/{id}/start"
		}
		return "/v1/jobs/{id}"
	}

	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := staticRoutes[path]; ok {
		return path
	}
	return "other"
}

// responseRecorder captures the status code and body size for the
// middleware that wraps it.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

func wrapResponse(w http.ResponseWriter) *responseRecorder {
	if rw, ok := w.(*responseRecorder); ok {
		return rw
	}
	return &responseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.status = statusCode
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
