// Package metrics holds the process wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subscout"

var (
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Completed provider actions by outcome. Outcome is ok or the error kind.",
	}, []string{"provider", "action", "outcome"})

	actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "action_duration_seconds",
		Help:      "Wall time of a provider action including browser launch.",
		Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320},
	}, []string{"provider", "action"})

	actionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_relaunches_total",
		Help:      "Browser relaunches after infrastructure failures.",
	}, []string{"provider"})

	bridgeViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_protocol_violations_total",
		Help:      "Bridge messages that were malformed, duplicated or answered an unknown call.",
	}, []string{"kind"})

	runnerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runner_transitions_total",
		Help:      "Runner state transitions by target state.",
	}, []string{"state"})

	runnersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runners_active",
		Help:      "Runners currently registered with the manager.",
	})
)

// Outcome label for successful actions.
const OutcomeOK = "ok"

func RecordAction(provider, action, outcome string, elapsed time.Duration) {
	actionsTotal.WithLabelValues(provider, action, outcome).Inc()
	actionDuration.WithLabelValues(provider, action).Observe(elapsed.Seconds())
}

func RecordRelaunch(provider string) {
	actionRetries.WithLabelValues(provider).Inc()
}

// Bridge violation kinds.
const (
	ViolationMalformed = "malformed"
	ViolationDuplicate = "duplicate"
	ViolationUnknown   = "unknown"
	ViolationDropped   = "dropped"
)

func RecordBridgeViolation(kind string) {
	bridgeViolations.WithLabelValues(kind).Inc()
}

func RecordRunnerTransition(state string) {
	runnerTransitions.WithLabelValues(state).Inc()
}

func SetRunnersActive(n int) {
	runnersActive.Set(float64(n))
}
