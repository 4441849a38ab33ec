package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "canvasflow"

// Worker series live under canvasflow_worker_*, metering totals under
// canvasflow_usage_*.
type metrics struct {
	registry *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobRetries       *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	canvasAdjusted   *prometheus.CounterVec
	outputBytesTotal *prometheus.CounterVec
	webhookFailures  *prometheus.CounterVec

	pixelsProcessedTotal prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	worker := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: metricsNamespace, Subsystem: "worker", Name: name, Help: help}
	}
	usage := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: metricsNamespace, Subsystem: "usage", Name: name, Help: help}
	}

	return &metrics{
		registry: registry,
		jobsTotal: factory.NewCounterVec(prometheus.CounterOpts(worker(
			"jobs_total", "Render jobs by mode and final status.",
		)), []string{"mode", "status"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Wall time of each render job attempt, including fetch and emit.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"mode", "status"}),
		jobRetries: factory.NewCounterVec(prometheus.CounterOpts(worker(
			"job_retries_total", "Render attempts handed back to the queue for another try.",
		)), []string{"mode"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts(worker(
			"active_jobs", "Render jobs currently holding a worker slot.",
		))),
		canvasAdjusted: factory.NewCounterVec(prometheus.CounterOpts(worker(
			"canvas_adjusted_total", "Completed renders whose canvas or placement was adjusted to fit.",
		)), []string{"mode"}),
		outputBytesTotal: factory.NewCounterVec(prometheus.CounterOpts(worker(
			"output_bytes_total", "Encoded canvas bytes emitted, by format.",
		)), []string{"format"}),
		webhookFailures: factory.NewCounterVec(prometheus.CounterOpts(worker(
			"webhook_failures_total", "Webhook deliveries that failed after all attempts.",
		)), []string{"event"}),

		pixelsProcessedTotal: factory.NewCounter(usage(
			"pixels_processed_total", "Canvas pixels rendered across successful jobs.",
		)),
		bytesSavedTotal: factory.NewCounter(usage(
			"bytes_saved_total", "Source bytes minus output bytes across successful jobs, floored at zero per job.",
		)),
		computeTimeMSTotal: factory.NewCounter(usage(
			"compute_time_ms_total", "Compute time in milliseconds across successful jobs.",
		)),
	}
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
