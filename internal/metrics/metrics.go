// Package metrics holds the Prometheus collectors of the gate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_gate_decisions_total",
			Help: "Admission decisions by result (admitted, rejected, error) and rejection reason.",
		},
		[]string{"result", "reason"},
	)

	AdmittedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_gate_admitted_events_total",
			Help: "Events admitted by the gate, by event class.",
		},
		[]string{"class"},
	)

	AdmittedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_gate_admitted_bytes_total",
			Help: "Bytes admitted by the gate.",
		},
	)

	SinkErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_gate_sink_errors_total",
			Help: "Admitted batches the ingestion sink failed to accept; their quota was refunded.",
		},
	)

	DroppedDecisionLogs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "event_gate_dropped_decision_logs_total",
			Help: "Decision log entries dropped because the recorder buffer was full.",
		},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_gate_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		Decisions,
		AdmittedEvents,
		AdmittedBytes,
		SinkErrors,
		DroppedDecisionLogs,
		RequestDuration,
	)
}
