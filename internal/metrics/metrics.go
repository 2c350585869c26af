// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_broker"

// Registry is the registry every collector in this package is registered on.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	ActiveSessions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "active_sessions",
		Help:      "Sessions currently holding an admission slot.",
	})
	WaitingTickets = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "waiting_tickets",
		Help:      "Tickets waiting for an admission slot.",
	})
	AdmissionRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "requests_total",
		Help:      "Admission requests by outcome (ready, queued).",
	}, []string{"outcome"})

	LiveCoordinators = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "coordinators",
		Help:      "Session coordinators held by the registry.",
	})
	SessionsClosed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Sessions closed, by reason.",
	}, []string{"reason"})
	BrowserConnections = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "browser_connections",
		Help:      "Attached browser connections across all sessions.",
	})
	BrowserSendFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "browser_send_failures_total",
		Help:      "Browser connections dropped because a send failed or their queue was full.",
	})
	ReleaseFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "release_failures_total",
		Help:      "Admission release notifications that could not be delivered.",
	})

	LogLinesFlushed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "logs",
		Name:      "lines_flushed_total",
		Help:      "Log lines written to the blob store.",
	})
	LogFlushFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "logs",
		Name:      "flush_failures_total",
		Help:      "Log flushes that failed and were requeued.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
