// Package metrics exposes Prometheus collectors for package orchestration
// and the resilience gateways.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hermanngeorge15/qawave-automation-sub000/internal/resilience"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qawave",
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Total number of package status transitions applied.",
		},
		[]string{"from", "to"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qawave",
			Subsystem: "orchestrator",
			Name:      "stage_duration_seconds",
			Help:      "Duration of orchestrator stage executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"stage"},
	)

	claimRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "qawave",
			Subsystem: "orchestrator",
			Name:      "claim_rejections_total",
			Help:      "Advance calls rejected because a stage was already in flight.",
		},
	)

	gatewayInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qawave",
			Subsystem: "gateway",
			Name:      "invocations_total",
			Help:      "Total resilience gateway invocations by terminal outcome.",
		},
		[]string{"dependency", "intent", "outcome"},
	)

	gatewayTries = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qawave",
			Subsystem: "gateway",
			Name:      "tries_per_invocation",
			Help:      "Retry attempts consumed per logical invocation.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
		[]string{"dependency"},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "qawave",
			Subsystem: "gateway",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
		},
		[]string{"dependency"},
	)
)

func init() {
	Registry.MustRegister(
		stageTransitions,
		stageDuration,
		claimRejections,
		gatewayInvocations,
		gatewayTries,
		circuitState,
	)
}

// Handler returns the /metrics HTTP handler for the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveTransition records one applied status transition.
func ObserveTransition(from, to string) {
	stageTransitions.WithLabelValues(from, to).Inc()
}

// ObserveStage records the duration of one stage execution.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveClaimRejection records a rejected concurrent Advance call.
func ObserveClaimRejection() {
	claimRejections.Inc()
}

// GatewayObserver adapts the metrics collectors to the resilience
// Observer interface.
type GatewayObserver struct{}

var _ resilience.Observer = GatewayObserver{}

// ObserveInvocation records one gateway invocation outcome.
func (GatewayObserver) ObserveInvocation(dependency string, a resilience.Attempt) {
	gatewayInvocations.WithLabelValues(dependency, string(a.Intent), a.Outcome).Inc()
	if a.Tries > 0 {
		gatewayTries.WithLabelValues(dependency).Observe(float64(a.Tries))
	}
}

// SetCircuitState mirrors a breaker state change into the gauge.
func SetCircuitState(dependency string, state resilience.CircuitState) {
	circuitState.WithLabelValues(dependency).Set(float64(state))
}
