package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "backoffice"

// Metrics exposes engine counters on a prometheus registry. A nil *Metrics is a no-op.
type Metrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	dispatches  *prometheus.CounterVec
	executions  *prometheus.CounterVec
	slaNotices  *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Ops HTTP requests by route, method and status.",
		}, []string{"path", "method", "status"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ops HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Ops HTTP errors by route, method and error code.",
		}, []string{"path", "method", "code"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification dispatch outcomes.",
		}, []string{"outcome"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_transitions_total",
			Help:      "Automation execution state transitions.",
		}, []string{"transition"}),
		slaNotices: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_notices_total",
			Help:      "SLA notices claimed, by deadline and notice kind.",
		}, []string{"deadline", "notice"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Scheduler job runs by result.",
		}, []string{"job", "result"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_run_duration_seconds",
			Help:      "Duration of scheduler job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
	}
}

// RecordRequest counts a served request and observes its latency.
func (m *Metrics) RecordRequest(path, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(path, method).Observe(d.Seconds())
}

// RecordError counts a failed request.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(path, method, code).Inc()
}

// RecordDispatch counts a notification outcome.
func (m *Metrics) RecordDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

// RecordExecution counts an execution transition such as started or completed.
func (m *Metrics) RecordExecution(transition string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(transition).Inc()
}

// RecordSLANotice counts a claimed SLA notice.
func (m *Metrics) RecordSLANotice(deadline, notice string) {
	if m == nil {
		return
	}
	m.slaNotices.WithLabelValues(deadline, notice).Inc()
}

// RecordRun counts a scheduler run and observes its duration.
func (m *Metrics) RecordRun(job, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(job, result).Inc()
	if result != "skipped" {
		m.runDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}
