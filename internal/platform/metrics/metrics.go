// Package metrics exposes the service's Prometheus collectors. A nil
// *Registry is valid and records nothing, so components take it optionally.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lis"

// Registry owns a private prometheus.Registry so several instances can
// coexist in one process (tests).
type Registry struct {
	reg *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	resultsSaved     *prometheus.CounterVec
	alertsRaised     prometheus.Counter
	alertDeliveries  *prometheus.CounterVec
	alertQueueDepth  prometheus.Gauge
	analyzerMessages *prometheus.CounterVec
	panics           *prometheus.CounterVec
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Applied request lifecycle transitions",
		}, []string{"event"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_conflicts_total",
			Help:      "Writes rejected because the record changed concurrently",
		}, []string{"event"}),
		resultsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_saved_total",
			Help:      "Result entries written, by aggregate severity",
		}, []string{"severity"}),
		alertsRaised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_alerts_raised_total",
			Help:      "Critical alerts handed to the dispatcher",
		}),
		alertDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_alert_deliveries_total",
			Help:      "Critical alert delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		alertQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "critical_alert_queue_depth",
			Help:      "Alerts waiting for a dispatcher worker",
		}),
		analyzerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_messages_total",
			Help:      "Analyzer ORU messages by acknowledgment code",
		}, []string{"ack"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_total",
			Help:      "Handler panics recovered by the HTTP middleware",
		}, []string{"route"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.transitions,
		r.conflicts,
		r.resultsSaved,
		r.alertsRaised,
		r.alertDeliveries,
		r.alertQueueDepth,
		r.analyzerMessages,
		r.panics,
	)
	return r
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry to tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) ObserveHTTP(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (r *Registry) Transition(event string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(event).Inc()
}

func (r *Registry) Conflict(event string) {
	if r == nil {
		return
	}
	r.conflicts.WithLabelValues(event).Inc()
}

func (r *Registry) ResultSaved(severity string) {
	if r == nil {
		return
	}
	r.resultsSaved.WithLabelValues(severity).Inc()
}

func (r *Registry) AlertRaised() {
	if r == nil {
		return
	}
	r.alertsRaised.Inc()
}

// AlertDelivery records one attempt on one channel; outcome is "delivered" or "failed".
func (r *Registry) AlertDelivery(channel, outcome string) {
	if r == nil {
		return
	}
	r.alertDeliveries.WithLabelValues(channel, outcome).Inc()
}

func (r *Registry) SetAlertQueueDepth(n int) {
	if r == nil {
		return
	}
	r.alertQueueDepth.Set(float64(n))
}

func (r *Registry) AnalyzerMessage(ack string) {
	if r == nil {
		return
	}
	r.analyzerMessages.WithLabelValues(ack).Inc()
}

func (r *Registry) Panic(route string) {
	if r == nil {
		return
	}
	r.panics.WithLabelValues(route).Inc()
}
