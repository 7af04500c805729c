package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for deployguard. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry                 *prometheus.Registry
	executionsTotal          *prometheus.CounterVec
	phaseDurationSeconds     *prometheus.HistogramVec
	recoveryAttemptsTotal    *prometheus.CounterVec
	classifiedErrorsTotal    *prometheus.CounterVec
	deploymentHealthScore    *prometheus.GaugeVec
	zombieCandidates         prometheus.Gauge
	potentialSavingsMonthly  prometheus.Gauge
	reconcileDurationSeconds prometheus.Histogram
	agentCallErrorsTotal     *prometheus.CounterVec
	lastReconcileGauge       prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployguard_executions_total",
			Help: "Executions that reached a terminal status, by status.",
		}, []string{"status"}),
		phaseDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deployguard_phase_duration_seconds",
			Help:    "Duration of pipeline phase operations in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"phase"}),
		recoveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployguard_recovery_attempts_total",
			Help: "Recovery attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		classifiedErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployguard_classified_errors_total",
			Help: "Classified deployment errors by type and severity.",
		}, []string{"type", "severity"}),
		deploymentHealthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployguard_deployment_health_score",
			Help: "Current health score per deployment.",
		}, []string{"deployment"}),
		zombieCandidates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deployguard_zombie_candidates",
			Help: "Zombie resource candidates found by the last detection cycle.",
		}),
		potentialSavingsMonthly: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deployguard_potential_savings_monthly",
			Help: "Estimated monthly savings from terminating zombie candidates.",
		}),
		reconcileDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deployguard_reconcile_duration_seconds",
			Help:    "Duration of health reconciliation cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		agentCallErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployguard_agent_call_errors_total",
			Help: "Failed remote agent calls by service.",
		}, []string{"service"}),
		lastReconcileGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deployguard_last_reconcile_timestamp",
			Help: "Unix timestamp of the last completed reconciliation cycle.",
		}),
	}

	registry.MustRegister(
		m.executionsTotal,
		m.phaseDurationSeconds,
		m.recoveryAttemptsTotal,
		m.classifiedErrorsTotal,
		m.deploymentHealthScore,
		m.zombieCandidates,
		m.potentialSavingsMonthly,
		m.reconcileDurationSeconds,
		m.agentCallErrorsTotal,
		m.lastReconcileGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncExecutions counts an execution reaching a terminal status.
func (m *Metrics) IncExecutions(status string) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
}

// ObservePhaseDuration records how long a phase operation took.
func (m *Metrics) ObservePhaseDuration(phase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.phaseDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// IncRecoveryAttempts counts a finished recovery attempt.
func (m *Metrics) IncRecoveryAttempts(strategy string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.recoveryAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// IncClassifiedErrors counts a classified error.
func (m *Metrics) IncClassifiedErrors(errType, severity string) {
	if m == nil {
		return
	}
	m.classifiedErrorsTotal.WithLabelValues(errType, severity).Inc()
}

// SetHealthScore sets the health score gauge for a deployment.
func (m *Metrics) SetHealthScore(deploymentID string, score float64) {
	if m == nil {
		return
	}
	m.deploymentHealthScore.WithLabelValues(deploymentID).Set(score)
}

// SetZombies records the last zombie detection result.
func (m *Metrics) SetZombies(count int, potentialSavings float64) {
	if m == nil {
		return
	}
	m.zombieCandidates.Set(float64(count))
	m.potentialSavingsMonthly.Set(potentialSavings)
}

// ObserveReconcile records a completed reconciliation cycle.
func (m *Metrics) ObserveReconcile(duration time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.reconcileDurationSeconds.Observe(duration.Seconds())
	m.lastReconcileGauge.Set(float64(at.Unix()))
}

// IncAgentCallErrors counts a failed remote agent call.
func (m *Metrics) IncAgentCallErrors(service string) {
	if m == nil {
		return
	}
	m.agentCallErrorsTotal.WithLabelValues(service).Inc()
}
