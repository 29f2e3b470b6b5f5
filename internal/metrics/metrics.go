package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetforge/fleet-medic/internal/models"
)

var (
	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_medic",
			Name:      "incidents_total",
			Help:      "Total number of incidents opened, partitioned by error kind.",
		},
		[]string{"kind"},
	)

	fixAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_medic",
			Name:      "fix_attempts_total",
			Help:      "Total number of fix attempts, partitioned by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	activeIncidents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleet_medic",
			Name:      "active_incidents",
			Help:      "Number of currently active (non-terminal) incidents.",
		},
	)

	cycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleet_medic",
			Name:      "cycle_seconds",
			Help:      "Monitoring cycle latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)
)

// Register attaches fleet-medic collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentsTotal,
		fixAttemptsTotal,
		activeIncidents,
		cycleSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// CountIncident records one newly opened incident.
func CountIncident(kind models.ErrorKind) {
	incidentsTotal.WithLabelValues(string(kind)).Inc()
}

// CountFixAttempt records one executed strategy and its outcome.
func CountFixAttempt(strategy models.StrategyRef, outcome models.AttemptOutcome) {
	fixAttemptsTotal.WithLabelValues(string(strategy), string(outcome)).Inc()
}

// SetActiveIncidents updates the active incident gauge.
func SetActiveIncidents(n int) {
	activeIncidents.Set(float64(n))
}

// ObserveCycle records the duration of one monitoring cycle.
func ObserveCycle(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	cycleSeconds.Observe(duration.Seconds())
}
