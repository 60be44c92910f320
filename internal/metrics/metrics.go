// Package metrics provides Prometheus metrics for the backend supervisor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// knownStates are all supervisor states exported on the state gauge.
var knownStates = []string{
	"stopped", "starting", "probing", "running",
	"degraded", "restarting", "exhausted", "failed",
}

var (
	backendState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "simplecp",
		Subsystem: "agent",
		Name:      "backend_state",
		Help:      "Current supervisor state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	restartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "simplecp",
		Subsystem: "agent",
		Name:      "backend_restarts_total",
		Help:      "Total backend restarts performed since agent start",
	})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "simplecp",
		Subsystem: "agent",
		Name:      "health_checks_total",
		Help:      "Health check results by outcome",
	}, []string{"result"})

	healthCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "simplecp",
		Subsystem: "agent",
		Name:      "health_check_duration_seconds",
		Help:      "Health check round-trip duration",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 3, 5},
	})

	budgetRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "simplecp",
		Subsystem: "agent",
		Name:      "restart_budget_remaining",
		Help:      "Restart attempts remaining before manual intervention is required",
	})
)

// SetBackendState marks state as active and clears all others.
func SetBackendState(state string) {
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		backendState.WithLabelValues(s).Set(v)
	}
}

// IncRestart records one performed restart.
func IncRestart() {
	restartsTotal.Inc()
}

// ObserveHealthCheck records one health check outcome and its duration.
func ObserveHealthCheck(result string, duration time.Duration) {
	healthChecksTotal.WithLabelValues(result).Inc()
	healthCheckDuration.Observe(duration.Seconds())
}

// SetBudgetRemaining updates the remaining restart attempt gauge.
func SetBudgetRemaining(remaining int) {
	budgetRemaining.Set(float64(remaining))
}

// Handler returns the Prometheus metrics HTTP handler.
// This collects all promauto-registered metrics automatically.
func Handler() http.Handler {
	return promhttp.Handler()
}
