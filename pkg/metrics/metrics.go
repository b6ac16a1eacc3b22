// Package metrics holds Prometheus collectors of the control plane.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pipelab"

type Metrics struct {
	PhaseTransitions *prometheus.CounterVec
	Commands         *prometheus.CounterVec
	Reports          *prometheus.CounterVec
	SamplesIngested  *prometheus.CounterVec
	KPIComputations  *prometheus.CounterVec
	KPIDuration      prometheus.Histogram
}

// New creates collectors and registers them to reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiment_phase_transitions_total",
			Help:      "Count of experiment phase transitions.",
		}, []string{"from", "to"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_commands_total",
			Help:      "Count of commands sent to agents, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_reports_total",
			Help:      "Count of deployment status reports, by outcome.",
		}, []string{"outcome"}),
		SamplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_samples_ingested_total",
			Help:      "Count of ingested metric samples, by variant.",
		}, []string{"variant"}),
		KPIComputations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kpi_computations_total",
			Help:      "Count of KPI computations, by outcome.",
		}, []string{"outcome"}),
		KPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kpi_computation_seconds",
			Help:      "Latency of KPI computations.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.PhaseTransitions, m.Commands, m.Reports,
		m.SamplesIngested, m.KPIComputations, m.KPIDuration,
	)
	return m
}

// Discard returns unregistered collectors. For tests and tools.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) PhaseChanged(from, to string) {
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) CommandSent(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Commands.WithLabelValues(kind, outcome).Inc()
}

const (
	ReportAccepted  = "accepted"
	ReportDiscarded = "discarded"
	ReportDuplicate = "duplicate"
	ReportRejected  = "rejected"
)

func (m *Metrics) Reported(outcome string) {
	m.Reports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Ingested(variant string, n int) {
	m.SamplesIngested.WithLabelValues(variant).Add(float64(n))
}

const (
	KPIOk           = "ok"
	KPICached       = "cached"
	KPIInsufficient = "insufficient_data"
	KPIError        = "error"
)

func (m *Metrics) KPIComputed(outcome string, took time.Duration) {
	m.KPIComputations.WithLabelValues(outcome).Inc()
	m.KPIDuration.Observe(took.Seconds())
}
