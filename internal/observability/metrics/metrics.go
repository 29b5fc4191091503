// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "abiagent"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "HTTP requests that ended with a 5xx status.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	invocations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "contract_invocation_duration_seconds",
		Help:      "Contract calls by kind (view or gas) and outcome.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"kind", "outcome"})

	intents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_intents_total",
		Help:      "Chat intents dispatched by type and outcome.",
	}, []string{"intent", "outcome"})

	approvals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approval_flows_total",
		Help:      "Approval flows by terminal state.",
	}, []string{"state"})

	registrations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_registrations_total",
		Help:      "Agent registrations by outcome.",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		invocations, intents, approvals, registrations,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveInvocation records one contract call. outcome is "ok" or an error code.
func ObserveInvocation(kind, outcome string, duration time.Duration) {
	invocations.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

// ObserveIntent counts one dispatched chat intent.
func ObserveIntent(intent, outcome string) {
	intents.WithLabelValues(intent, outcome).Inc()
}

// ObserveApproval counts one finished approval flow.
func ObserveApproval(state string) {
	approvals.WithLabelValues(state).Inc()
}

// ObserveRegistration counts one agent registration attempt.
func ObserveRegistration(outcome string) {
	registrations.WithLabelValues(outcome).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
