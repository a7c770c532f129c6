// Package metrics holds the Prometheus collectors shared by the event bus,
// the action executor and the agent scheduler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Execution outcomes used as the "outcome" label of ExecutionsTotal.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeTimeout    = "timeout"
	OutcomeSpawnError = "spawn_error"
	OutcomePreview    = "preview"
)

var (
	// EventsPublished counts events accepted by the bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_events_published_total",
		Help: "Total number of events published on the event bus",
	}, []string{"topic"})

	// EventsDropped counts events discarded because the bus was closed or cleared.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_events_dropped_total",
		Help: "Events discarded before delivery",
	}, []string{"reason"})

	// DispatchErrors counts subscriber handlers that returned an error or panicked.
	DispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_dispatch_errors_total",
		Help: "Subscriber callbacks that failed during dispatch",
	}, []string{"topic"})

	// ExecutionsTotal counts executor invocations by kind (command, operation) and outcome.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_executions_total",
		Help: "Action executor invocations",
	}, []string{"kind", "outcome"})

	// ExecutionDuration tracks wall-clock time of real (non-preview) executions.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopilot_execution_duration_seconds",
		Help:    "Duration of executed commands and operations",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 9), // 10ms to ~11min
	})

	// AgentRuns counts completed agent runs by outcome (success, failure, preview).
	AgentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_agent_runs_total",
		Help: "Agent runs triggered by events",
	}, []string{"agent", "outcome"})

	// RateLimitSkips counts deliveries skipped because the agent's hourly budget was spent.
	RateLimitSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_rate_limit_skips_total",
		Help: "Event deliveries skipped by the per-agent hourly budget",
	}, []string{"agent"})

	// ConfirmationsRequested counts runs deferred pending external confirmation.
	ConfirmationsRequested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopilot_confirmations_requested_total",
		Help: "Agent runs deferred until confirmed",
	}, []string{"agent"})
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
