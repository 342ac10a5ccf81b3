package metrics

import (
	"net/http"
	"strconv"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exports gate activity as Prometheus metrics. Each Recorder owns
// its registry so tests can build as many as they like.
type Recorder struct {
	reg *prometheus.Registry

	approvalsRequested *prometheus.CounterVec
	approvalsResolved  *prometheus.CounterVec
	callbacksRejected  *prometheus.CounterVec
	notifyFailures     prometheus.Counter
	executionsFinished *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		approvalsRequested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_gate_approvals_requested_total",
			Help: "Approval requests created",
		}, []string{"pipeline"}),
		approvalsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_gate_approvals_resolved_total",
			Help: "Approval requests that left pending, by final status",
		}, []string{"status"}),
		callbacksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_gate_callbacks_rejected_total",
			Help: "Callbacks that did not resolve a request",
		}, []string{"reason"}),
		notifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "approval_gate_notification_failures_total",
			Help: "Approval notifications that could not be delivered after retries",
		}),
		executionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_gate_executions_finished_total",
			Help: "Pipeline executions that reached a terminal status",
		}, []string{"status"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approval_gate_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "approval_gate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (r *Recorder) ApprovalRequested(pipeline string) {
	r.approvalsRequested.WithLabelValues(pipeline).Inc()
}

func (r *Recorder) ApprovalResolved(status domain.ApprovalStatus) {
	r.approvalsResolved.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) CallbackRejected(reason string) {
	r.callbacksRejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) NotificationFailed() { r.notifyFailures.Inc() }

func (r *Recorder) ExecutionFinished(status domain.ExecutionStatus) {
	r.executionsFinished.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) RecordHTTPRequest(method, route string, statusCode int, durationSeconds float64) {
	status := "unknown"
	if statusCode >= 100 {
		status = strconv.Itoa(statusCode/100) + "xx"
	}
	r.httpRequests.WithLabelValues(method, route, status).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
