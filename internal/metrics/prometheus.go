package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the bot
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Batches
	batchesTotal     *prometheus.CounterVec
	batchDuration    prometheus.Histogram
	lastBatchSuccess prometheus.Gauge

	// Mentions and replies
	mentionsTotal      *prometheus.CounterVec
	repliesTotal       prometheus.Counter
	postRetriesTotal   prometheus.Counter
	errorsTotal        *prometheus.CounterVec
	ignoredErrorsTotal prometheus.Counter

	// State backends
	stateFailuresTotal  *prometheus.CounterVec
	stateFallbacksTotal *prometheus.CounterVec

	// External APIs
	externalRequestsTotal   *prometheus.CounterVec
	externalRequestDuration *prometheus.HistogramVec

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for durations (in milliseconds)
var defaultBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	startTime := time.Now()
	pm := &PrometheusMetrics{
		registry: registry,

		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Mention batches run, by result",
			},
			[]string{"result"},
		),

		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_ms",
				Help:      "Duration of a mention batch in milliseconds",
				Buckets:   buckets,
			},
		),

		lastBatchSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_batch_success_timestamp_seconds",
				Help:      "Unix time of the last successful batch",
			},
		),

		mentionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mentions_total",
				Help:      "Mentions handled, by outcome",
			},
			[]string{"outcome"},
		),

		repliesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_total",
				Help:      "Replies posted",
			},
		),

		postRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "post_retries_total",
				Help:      "Reply posts retried after a not-permitted response",
			},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors seen while processing mentions, by kind",
			},
			[]string{"kind"},
		),

		ignoredErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ignored_errors_total",
				Help:      "Errors matching the ignore list, not persisted",
			},
		),

		stateFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_backend_failures_total",
				Help:      "State writes that failed on a backend",
			},
			[]string{"backend", "op"},
		),

		stateFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_fallbacks_total",
				Help:      "State operations served by the fallback backend",
			},
			[]string{"op"},
		),

		externalRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_requests_total",
				Help:      "Requests to external APIs, by client and status class",
			},
			[]string{"client", "status"},
		),

		externalRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "external_request_duration_ms",
				Help:      "External API request latency in milliseconds",
				Buckets:   buckets,
			},
			[]string{"client"},
		),

		uptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Process uptime in seconds",
			},
			func() float64 { return time.Since(startTime).Seconds() },
		),
	}

	registry.MustRegister(
		pm.batchesTotal,
		pm.batchDuration,
		pm.lastBatchSuccess,
		pm.mentionsTotal,
		pm.repliesTotal,
		pm.postRetriesTotal,
		pm.errorsTotal,
		pm.ignoredErrorsTotal,
		pm.stateFailuresTotal,
		pm.stateFallbacksTotal,
		pm.externalRequestsTotal,
		pm.externalRequestDuration,
		pm.uptime,
	)
	promMetrics = pm
}

// RecordBatch records a finished batch. result is success, failed or aborted.
func RecordBatch(result string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.batchesTotal.WithLabelValues(result).Inc()
	promMetrics.batchDuration.Observe(float64(durationMs))
	if result == "success" {
		promMetrics.lastBatchSuccess.SetToCurrentTime()
	}
}

// RecordMention records the terminal outcome of one mention
func RecordMention(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.mentionsTotal.WithLabelValues(outcome).Inc()
}

func RecordReply() {
	if promMetrics == nil {
		return
	}
	promMetrics.repliesTotal.Inc()
}

func RecordPostRetry() {
	if promMetrics == nil {
		return
	}
	promMetrics.postRetriesTotal.Inc()
}

// RecordError counts an error by its kind
func RecordError(kind string) {
	if promMetrics == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	promMetrics.errorsTotal.WithLabelValues(kind).Inc()
}

func RecordIgnoredError() {
	if promMetrics == nil {
		return
	}
	promMetrics.ignoredErrorsTotal.Inc()
}

// RecordStateBackendFailure counts a failed state write on one backend
func RecordStateBackendFailure(backend, op string) {
	if promMetrics == nil {
		return
	}
	promMetrics.stateFailuresTotal.WithLabelValues(backend, op).Inc()
}

// RecordStateFallback counts an operation the fallback backend served
func RecordStateFallback(op string) {
	if promMetrics == nil {
		return
	}
	promMetrics.stateFallbacksTotal.WithLabelValues(op).Inc()
}

// RecordExternalRequest records one HTTP call to an external API. status is
// the HTTP status code, or 0 for a transport error.
func RecordExternalRequest(client string, status int, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.externalRequestsTotal.WithLabelValues(client, statusClass(status)).Inc()
	promMetrics.externalRequestDuration.WithLabelValues(client).Observe(float64(durationMs))
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 300:
		return "2xx"
	case status == http.StatusTooManyRequests:
		return "429"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
