// Package metrics collects the results of a single adaptive run in its own
// registry, for batch runs that export through a textfile instead of /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harun/replan/pkg/adaptation"
	"github.com/harun/replan/pkg/planner"
)

// Metrics holds the Prometheus metrics of one run
type Metrics struct {
	registry *prometheus.Registry

	// Step metrics
	StepAttemptsTotal *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	StepTimeoutsTotal *prometheus.CounterVec

	// Run metrics
	Rounds             prometheus.Gauge
	Succeeded          prometheus.Gauge
	PlanVersion        prometheus.Gauge
	AdaptationsTotal   *prometheus.CounterVec
	LastCompletionTime prometheus.Gauge
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		StepAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replan_run_step_attempts_total",
				Help: "Step execution attempts by step and resulting status",
			},
			[]string{"step", "status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "replan_run_step_duration_seconds",
				Help:    "Duration of step execution attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		StepTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replan_run_step_timeouts_total",
				Help: "Step attempts that hit their timeout",
			},
			[]string{"step"},
		),

		Rounds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "replan_run_rounds",
				Help: "Execute-then-adapt rounds the run took",
			},
		),
		Succeeded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "replan_run_succeeded",
				Help: "1 when the plan completed, 0 otherwise",
			},
		),
		PlanVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "replan_run_plan_version",
				Help: "Version of the plan when the run ended",
			},
		),
		AdaptationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replan_run_adaptations_total",
				Help: "Adaptation records produced during the run by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		LastCompletionTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "replan_run_last_completion_timestamp_seconds",
				Help: "Unix time the run ended",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.StepAttemptsTotal)
	m.registry.MustRegister(m.StepDuration)
	m.registry.MustRegister(m.StepTimeoutsTotal)

	m.registry.MustRegister(m.Rounds)
	m.registry.MustRegister(m.Succeeded)
	m.registry.MustRegister(m.PlanVersion)
	m.registry.MustRegister(m.AdaptationsTotal)
	m.registry.MustRegister(m.LastCompletionTime)
}

// ObserveRun records the outcome of an adaptive run. plan is the final plan.
func (m *Metrics) ObserveRun(plan *planner.Plan, report adaptation.RunReport, at time.Time) {
	for _, o := range report.Outcomes {
		m.StepAttemptsTotal.WithLabelValues(o.StepID, string(o.Status)).Inc()
		m.StepDuration.WithLabelValues(o.StepID).Observe(o.Duration.Seconds())
		if o.TimedOut {
			m.StepTimeoutsTotal.WithLabelValues(o.StepID).Inc()
		}
	}
	for _, rec := range report.Records {
		m.AdaptationsTotal.WithLabelValues(string(rec.Action.Strategy), string(rec.Outcome)).Inc()
	}

	m.Rounds.Set(float64(report.Rounds))
	if plan != nil {
		m.PlanVersion.Set(float64(plan.Version))
		if plan.Status == planner.PlanStatusCompleted {
			m.Succeeded.Set(1)
		} else {
			m.Succeeded.Set(0)
		}
	}
	m.LastCompletionTime.Set(float64(at.Unix()))
}

// WriteTextfile writes the metrics in the text exposition format, for the
// node exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
